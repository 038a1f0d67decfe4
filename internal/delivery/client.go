package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

var ErrCircuitOpen = errors.New("delivery circuit breaker open")

type Request struct {
	MessageID string
	Email     string
	Message   string
}

// Client sends one composed greeting to the downstream message service.
// Implementations do not retry, the worker owns retry policy.
type Client interface {
	Send(ctx context.Context, req Request) error
}

// StatusError carries a non-success HTTP status from the message service
// so callers can classify it.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("delivery endpoint returned status %d", e.Code)
}

// LogClient is the dev fallback when no delivery endpoint is
// configured. It logs the greeting and reports success.
type LogClient struct {
	logger *slog.Logger
}

func NewLogClient(logger *slog.Logger) *LogClient {
	return &LogClient{logger: logger}
}

func (c *LogClient) Send(ctx context.Context, req Request) error {
	// Optional: simulate slow provider
	if msStr := os.Getenv("DELIVERY_SLEEP_MS"); msStr != "" {
		ms, _ := strconv.Atoi(msStr)
		if ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	// Optional: simulate provider outage
	if os.Getenv("DELIVERY_FAIL") == "1" {
		return &StatusError{Code: 503}
	}

	c.logger.InfoContext(ctx, "delivery.log_client",
		"message_id", req.MessageID,
		"email", req.Email,
		"message", req.Message,
	)

	return nil
}
