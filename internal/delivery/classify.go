package delivery

import (
	"context"
	"errors"
	"net"
)

type Class int

const (
	// ClassTransient failures may succeed on a later attempt.
	ClassTransient Class = iota

	// ClassPermanent failures will never succeed, retrying is wasted work.
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}

	return "transient"
}

// transient HTTP statuses: request timeout, throttling and the retryable
// 5xx set. 501 stays permanent, the endpoint will not grow the method on
// a retry.
var transientStatuses = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
	521: true,
	522: true,
	524: true,
}

// Classify maps a delivery error to its retry class. Unknown errors are
// treated as transient so infrastructure hiccups get retried.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	if errors.Is(err, ErrCircuitOpen) {
		return ClassTransient
	}

	var statusErr *StatusError

	if errors.As(err, &statusErr) {
		if transientStatuses[statusErr.Code] {
			return ClassTransient
		}

		return ClassPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error

	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassTransient
}
