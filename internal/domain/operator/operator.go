package operator

import (
	"errors"
	"time"
)

// Operator is a staff account with access to the admin API. There is no
// self-service signup, operators are seeded or created by an admin.
type Operator struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // never expose hash in JSON
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

var (
	ErrNotFound   = errors.New("operator not found")
	ErrEmailTaken = errors.New("operator email already in use")
)
