package strategy

import (
	"fmt"
	"time"

	"github.com/geocoder89/greethub/internal/domain/user"
	"github.com/geocoder89/greethub/internal/tz"
)

const TypeAnniversary = "ANNIVERSARY"

type Anniversary struct {
	Hour   int
	Minute int
}

func (Anniversary) Type() string { return TypeAnniversary }

func (Anniversary) EventDate(u user.User) (time.Month, int, bool) {
	if u.AnniversaryDate == nil {
		return 0, 0, false
	}

	return u.AnniversaryDate.Month(), u.AnniversaryDate.Day(), true
}

func (a Anniversary) ShouldSend(u user.User, year int, month time.Month, day int) bool {
	em, ed, ok := a.EventDate(u)

	if !ok {
		return false
	}

	return matchesObserved(em, ed, year, month, day)
}

func (a Anniversary) SendTime(u user.User, year int, month time.Month, day int) (time.Time, error) {
	return tz.Resolve(u.Timezone, year, month, day, a.Hour, a.Minute)
}

func (Anniversary) Compose(u user.User) string {
	return fmt.Sprintf("Hey, %s %s happy anniversary", u.FirstName, u.LastName)
}

// Validate accepts users without an anniversary, the strategy simply
// never fires for them.
func (Anniversary) Validate(u user.User) error {
	return tz.ValidateZone(u.Timezone)
}

func (a Anniversary) Schedule() Schedule {
	return Schedule{
		TriggerField:    "anniversaryDate",
		Cadence:         CadenceYearly,
		SendHourLocal:   a.Hour,
		SendMinuteLocal: a.Minute,
	}
}
