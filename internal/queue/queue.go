package queue

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrInvalidPayload = errors.New("invalid work item payload")
	ErrPublishFailed  = errors.New("publish failed")
)

// Action tells the consumer loop what to do with a delivery once the
// handler returns.
type Action int

const (
	// ActionAck removes the delivery from the queue.
	ActionAck Action = iota

	// ActionRequeue puts the delivery back for another consumer. Used
	// when the failure is in the worker's own infrastructure, not the
	// message.
	ActionRequeue

	// ActionDeadLetter rejects the delivery without requeue so the broker
	// routes it to the paired dead letter queue.
	ActionDeadLetter
)

// Delivery is one message as seen by a handler.
type Delivery struct {
	Queue       string
	Body        []byte
	Redelivered bool
}

type Handler func(ctx context.Context, d Delivery) Action

// Publisher enqueues work items durably. Publish returns once the broker
// has confirmed the write.
type Publisher interface {
	Publish(ctx context.Context, queueName string, item WorkItem) error
}

// Consumer delivers messages from one queue to a handler until the
// context is cancelled.
type Consumer interface {
	Consume(ctx context.Context, queueName string, handler Handler) error
}

// QueueName maps a message type onto its queue.
func QueueName(messageType string) string {
	return strings.ToLower(messageType) + "_messages"
}

// DeadLetterName returns the dead letter queue paired with a queue.
func DeadLetterName(queueName string) string {
	return queueName + ".dlq"
}
