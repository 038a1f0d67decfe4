package message

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusQueued    Status = "QUEUED"
	StatusSending   Status = "SENDING"
	StatusRetrying  Status = "RETRYING"
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
)

var (
	ErrNotFound       = errors.New("message log not found")
	ErrStatusConflict = errors.New("message log status conflict")
	ErrBadKey         = errors.New("malformed idempotency key")
)

func (s Status) IsValid() bool {
	switch s {
	case StatusScheduled, StatusQueued, StatusSending, StatusRetrying, StatusSent, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further writes may touch a log in this
// status. A log never leaves SENT or FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// CanTransition enforces the delivery state machine. Recovery is the only
// path back to SCHEDULED and it never reopens terminal rows.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}

	switch from {
	case StatusScheduled:
		return to == StatusQueued
	case StatusQueued:
		return to == StatusSending || to == StatusScheduled
	case StatusSending:
		return to == StatusSent || to == StatusRetrying || to == StatusFailed || to == StatusScheduled
	case StatusRetrying:
		return to == StatusQueued || to == StatusScheduled
	default:
		return false
	}
}

// Log is one scheduled greeting occurrence for one user in one year.
// MessageContent is composed once at precompute time so every delivery
// attempt of the same occurrence sends identical text, even if the user
// row changes between retries.
type Log struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	MessageType       string     `json:"messageType"`
	MessageContent    string     `json:"messageContent"`
	ScheduledSendTime time.Time  `json:"scheduledSendTime"`
	IdempotencyKey    string     `json:"idempotencyKey"`
	Status            Status     `json:"status"`
	RetryCount        int        `json:"retryCount"`
	LastAttemptAt     *time.Time `json:"lastAttemptAt,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	FailureReason     *string    `json:"failureReason,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Key builds the idempotency key for one occurrence. The date components
// are the user's local calendar date of the event, so a leap-day birthday
// keys on 02-29 in leap years and on 02-28 otherwise.
func Key(userID, messageType string, year int, month time.Month, day int) string {
	return fmt.Sprintf("%s|%s|%04d-%02d-%02d", userID, messageType, year, int(month), day)
}

// ParseKey splits a key arriving from outside back into its parts and
// rejects anything that is not exactly three non-empty parts with a
// well-formed calendar date. Replay clones carry a "#r<suffix>" marker
// after the date; the marker is accepted and stripped.
func ParseKey(key string) (userID, messageType string, date time.Time, err error) {
	parts := strings.Split(key, "|")

	if len(parts) != 3 {
		return "", "", time.Time{}, fmt.Errorf("%w: want 3 parts, got %d", ErrBadKey, len(parts))
	}

	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return "", "", time.Time{}, fmt.Errorf("%w: empty part", ErrBadKey)
		}
	}

	datePart := parts[2]

	if i := strings.Index(datePart, "#r"); i >= 0 {
		if i+len("#r") == len(datePart) {
			return "", "", time.Time{}, fmt.Errorf("%w: empty replay suffix", ErrBadKey)
		}
		datePart = datePart[:i]
	}

	date, err = time.Parse("2006-01-02", datePart)

	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("%w: bad date %q", ErrBadKey, parts[2])
	}

	return parts[0], parts[1], date, nil
}

type CreateRequest struct {
	UserID            string
	MessageType       string
	MessageContent    string
	ScheduledSendTime time.Time
	IdempotencyKey    string
}

func New(req CreateRequest) Log {
	now := time.Now().UTC()

	return Log{
		ID:                uuid.NewString(),
		UserID:            req.UserID,
		MessageType:       req.MessageType,
		MessageContent:    req.MessageContent,
		ScheduledSendTime: req.ScheduledSendTime.UTC(),
		IdempotencyKey:    req.IdempotencyKey,
		Status:            StatusScheduled,
		RetryCount:        0,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
