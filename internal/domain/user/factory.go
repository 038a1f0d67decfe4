package user

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func NewFromCreateRequest(req CreateUserRequest) (User, error) {
	now := time.Now().UTC()

	birthday, err := time.Parse(DateLayout, req.BirthdayDate)

	if err != nil {
		return User{}, fmt.Errorf("parse birthdayDate: %w", err)
	}

	var anniversary *time.Time

	if req.AnniversaryDate != "" {
		a, err := time.Parse(DateLayout, req.AnniversaryDate)

		if err != nil {
			return User{}, fmt.Errorf("parse anniversaryDate: %w", err)
		}

		anniversary = &a
	}

	return User{
		ID:              uuid.NewString(),
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Email:           req.Email,
		Timezone:        req.Timezone,
		BirthdayDate:    birthday,
		AnniversaryDate: anniversary,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// ApplyUpdate overwrites the mutable fields and bumps updated_at. The
// caller decides whether the schedule-relevant fields changed.
func (u User) ApplyUpdate(req UpdateUserRequest) (User, error) {
	birthday, err := time.Parse(DateLayout, req.BirthdayDate)

	if err != nil {
		return User{}, fmt.Errorf("parse birthdayDate: %w", err)
	}

	var anniversary *time.Time

	if req.AnniversaryDate != "" {
		a, err := time.Parse(DateLayout, req.AnniversaryDate)

		if err != nil {
			return User{}, fmt.Errorf("parse anniversaryDate: %w", err)
		}

		anniversary = &a
	}

	u.FirstName = req.FirstName
	u.LastName = req.LastName
	u.Email = req.Email
	u.Timezone = req.Timezone
	u.BirthdayDate = birthday
	u.AnniversaryDate = anniversary
	u.UpdatedAt = time.Now().UTC()

	return u, nil
}

// ScheduleChanged reports whether an update moved anything the scheduler
// derives send times from.
func (u User) ScheduleChanged(prev User) bool {
	if u.Timezone != prev.Timezone {
		return true
	}

	if !u.BirthdayDate.Equal(prev.BirthdayDate) {
		return true
	}

	switch {
	case u.AnniversaryDate == nil && prev.AnniversaryDate == nil:
		return false
	case u.AnniversaryDate == nil || prev.AnniversaryDate == nil:
		return true
	default:
		return !u.AnniversaryDate.Equal(*prev.AnniversaryDate)
	}
}
