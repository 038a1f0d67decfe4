// Package strategy defines the pluggable message types. Adding a new
// yearly greeting means implementing Strategy and registering it in one
// place; the scheduler, worker and admin surfaces pick it up from the
// registry.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/geocoder89/greethub/internal/domain/user"
	"github.com/geocoder89/greethub/internal/tz"
)

var ErrUnknownType = errors.New("unknown message type")

const CadenceYearly = "YEARLY"

// Schedule is the registry descriptor for one message type.
type Schedule struct {
	TriggerField    string `json:"triggerField"`
	Cadence         string `json:"cadence"`
	SendHourLocal   int    `json:"sendHourLocal"`
	SendMinuteLocal int    `json:"sendMinuteLocal"`
}

// Strategy describes one greeting type.
type Strategy interface {
	// Type is the stable uppercase identifier persisted in logs and
	// carried on the wire.
	Type() string

	// EventDate returns the month and day of the user's trigger date,
	// or false when the user has no such event.
	EventDate(u user.User) (time.Month, int, bool)

	// ShouldSend reports whether the strategy fires on the given local
	// calendar date. Feb 29 triggers observe Feb 28 in non-leap years.
	ShouldSend(u user.User, year int, month time.Month, day int) bool

	// SendTime resolves the UTC instant for a firing local date.
	SendTime(u user.User, year int, month time.Month, day int) (time.Time, error)

	// Compose renders the greeting text for the user.
	Compose(u user.User) string

	// Validate reports whether the user carries what the strategy needs.
	Validate(u user.User) error

	// Schedule returns the registry descriptor.
	Schedule() Schedule
}

type Registry struct {
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds s under its type. Re-registering a type replaces the
// previous value, so registration is idempotent.
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Type()] = s
}

func (r *Registry) Get(messageType string) (Strategy, error) {
	s, ok := r.strategies[messageType]

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, messageType)
	}

	return s, nil
}

// All returns the registered strategies in stable type order.
func (r *Registry) All() []Strategy {
	out := make([]Strategy, 0, len(r.strategies))

	for _, s := range r.strategies {
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Type() < out[j].Type() })

	return out
}

// Default returns a registry with every built-in greeting type firing
// at the standard 09:00 local send time.
func Default() *Registry {
	return WithSendTime(9, 0)
}

// WithSendTime returns the built-in registry with a custom local send time.
func WithSendTime(hour, minute int) *Registry {
	r := NewRegistry()

	r.Register(Birthday{Hour: hour, Minute: minute})
	r.Register(Anniversary{Hour: hour, Minute: minute})

	return r
}

// matchesObserved reports whether the event month/day falls on the given
// local date, observing Feb 29 on Feb 28 in non-leap years.
func matchesObserved(eventMonth time.Month, eventDay int, year int, month time.Month, day int) bool {
	om, od := tz.ObservedDay(year, eventMonth, eventDay)

	return om == month && od == day
}
