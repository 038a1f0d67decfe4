package utils

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

type UserCursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

type LogCursor struct {
	UpdatedAt time.Time `json:"updatedAt"`
	ID        string    `json:"id"`
}

func EncodeUserCursor(createdAt time.Time, id string) (string, error) {
	b, err := json.Marshal(UserCursor{CreatedAt: createdAt, ID: id})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeUserCursor(cursor string) (UserCursor, error) {
	if cursor == "" {
		return UserCursor{}, errors.New("empty cursor")
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return UserCursor{}, err
	}

	var c UserCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return UserCursor{}, err
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		return UserCursor{}, errors.New("invalid cursor payload")
	}
	return c, nil
}

func EncodeLogCursor(updatedAt time.Time, id string) (string, error) {
	b, err := json.Marshal(LogCursor{UpdatedAt: updatedAt, ID: id})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeLogCursor(cursor string) (LogCursor, error) {
	if cursor == "" {
		return LogCursor{}, errors.New("empty cursor")
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return LogCursor{}, err
	}
	var c LogCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return LogCursor{}, err
	}
	if c.ID == "" || c.UpdatedAt.IsZero() {
		return LogCursor{}, errors.New("invalid cursor payload")
	}
	return c, nil
}
