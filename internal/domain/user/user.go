package user

import (
	"errors"
	"time"
)

type User struct {
	ID              string     `json:"id"`
	FirstName       string     `json:"firstName"`
	LastName        string     `json:"lastName"`
	Email           string     `json:"email"`
	Timezone        string     `json:"timezone"`
	BirthdayDate    time.Time  `json:"birthdayDate"`
	AnniversaryDate *time.Time `json:"anniversaryDate,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	DeletedAt       *time.Time `json:"-"`
}

// with pointers if optional, it will be nil
type ListUsersFilter struct {
	Query    *string
	Timezone *string
	Limit    int
	Cursor   *Cursor
}

// Cursor is a keyset position over (created_at, id) descending.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

var (
	ErrNotFound   = errors.New("user not found")
	ErrEmailTaken = errors.New("email already in use")
)

// MonthDay names one calendar day of the year, independent of year.
type MonthDay struct {
	Month time.Month
	Day   int
}

// dates arrive as calendar days, not instants
const DateLayout = "2006-01-02"

type CreateUserRequest struct {
	FirstName       string `json:"firstName" binding:"required,min=1,max=80"`
	LastName        string `json:"lastName" binding:"required,min=1,max=80"`
	Email           string `json:"email" binding:"required,email"`
	Timezone        string `json:"timezone" binding:"required,min=1,max=64"`
	BirthdayDate    string `json:"birthdayDate" binding:"required,datetime=2006-01-02"`
	AnniversaryDate string `json:"anniversaryDate" binding:"omitempty,datetime=2006-01-02"`
}

// a full update payload, partial updates are not supported
type UpdateUserRequest struct {
	FirstName       string `json:"firstName" binding:"required,min=1,max=80"`
	LastName        string `json:"lastName" binding:"required,min=1,max=80"`
	Email           string `json:"email" binding:"required,email"`
	Timezone        string `json:"timezone" binding:"required,min=1,max=64"`
	BirthdayDate    string `json:"birthdayDate" binding:"required,datetime=2006-01-02"`
	AnniversaryDate string `json:"anniversaryDate" binding:"omitempty,datetime=2006-01-02"`
}
