package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WorkItem is the wire payload for one delivery attempt. Payloads stay
// minimal and ID based, the worker loads everything else from the store.
type WorkItem struct {
	MessageID         string    `json:"messageId"`
	UserID            string    `json:"userId"`
	MessageType       string    `json:"messageType"`
	ScheduledSendTime time.Time `json:"scheduledSendTime"`
	RetryCount        int       `json:"retryCount"`
	EnqueuedAt        int64     `json:"enqueuedAt"` // epoch millis
}

func EncodeWorkItem(item WorkItem) ([]byte, error) {
	if err := ValidateWorkItem(item); err != nil {
		return nil, err
	}

	// timestamps travel as RFC3339 UTC
	item.ScheduledSendTime = item.ScheduledSendTime.UTC()

	b, err := json.Marshal(item)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return b, nil
}

func DecodeWorkItem(body []byte) (WorkItem, error) {
	if len(body) == 0 {
		return WorkItem{}, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}

	var item WorkItem

	if err := json.Unmarshal(body, &item); err != nil {
		return WorkItem{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if err := ValidateWorkItem(item); err != nil {
		return WorkItem{}, err
	}

	return item, nil
}

func ValidateWorkItem(item WorkItem) error {
	trim := func(s string) string { return strings.TrimSpace(s) }

	if trim(item.MessageID) == "" {
		return fmt.Errorf("%w: missing messageId", ErrInvalidPayload)
	}

	if trim(item.UserID) == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalidPayload)
	}

	if trim(item.MessageType) == "" {
		return fmt.Errorf("%w: missing messageType", ErrInvalidPayload)
	}

	if item.ScheduledSendTime.IsZero() {
		return fmt.Errorf("%w: missing scheduledSendTime", ErrInvalidPayload)
	}

	if item.RetryCount < 0 {
		return fmt.Errorf("%w: negative retryCount", ErrInvalidPayload)
	}

	return nil
}
