package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/geocoder89/greethub/internal/domain/user"
	"github.com/geocoder89/greethub/internal/tz"
)

const TypeBirthday = "BIRTHDAY"

type Birthday struct {
	Hour   int
	Minute int
}

func (Birthday) Type() string { return TypeBirthday }

func (Birthday) EventDate(u user.User) (time.Month, int, bool) {
	if u.BirthdayDate.IsZero() {
		return 0, 0, false
	}

	return u.BirthdayDate.Month(), u.BirthdayDate.Day(), true
}

func (b Birthday) ShouldSend(u user.User, year int, month time.Month, day int) bool {
	em, ed, ok := b.EventDate(u)

	if !ok {
		return false
	}

	return matchesObserved(em, ed, year, month, day)
}

func (b Birthday) SendTime(u user.User, year int, month time.Month, day int) (time.Time, error) {
	return tz.Resolve(u.Timezone, year, month, day, b.Hour, b.Minute)
}

func (Birthday) Compose(u user.User) string {
	return fmt.Sprintf("Hey, %s %s it's your birthday", u.FirstName, u.LastName)
}

func (Birthday) Validate(u user.User) error {
	if u.BirthdayDate.IsZero() {
		return errors.New("birthdayDate is required")
	}

	return tz.ValidateZone(u.Timezone)
}

func (b Birthday) Schedule() Schedule {
	return Schedule{
		TriggerField:    "birthdayDate",
		Cadence:         CadenceYearly,
		SendHourLocal:   b.Hour,
		SendMinuteLocal: b.Minute,
	}
}
