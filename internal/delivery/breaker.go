package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/geocoder89/greethub/internal/observability"
)

type ProtectedClientConfig struct {
	Timeout     time.Duration // hard timeout per send
	MinRequests uint32        // requests in window before the breaker may trip
	FailureRate float64       // failure ratio that trips the breaker
	Interval    time.Duration // rolling window for closed-state counts
	Cooldown    time.Duration // how long to stay open before half-open
}

// ProtectedClient wraps a Client in a circuit breaker so a dead message
// service fails fast instead of tying workers up in timeouts.
type ProtectedClient struct {
	inner Client
	cfg   ProtectedClientConfig
	cb    *gobreaker.CircuitBreaker
}

func NewProtectedClient(inner Client, cfg ProtectedClientConfig, logger *slog.Logger, prom *observability.Prom) *ProtectedClient {
	// defaults
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 10
	}
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = 0.5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "delivery",
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if prom != nil {
				prom.BreakerState.Set(breakerGaugeValue(to))
			}

			logger.Warn("delivery breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &ProtectedClient{
		inner: inner,
		cfg:   cfg,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

func breakerGaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func (p *ProtectedClient) Send(ctx context.Context, req Request) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		return nil, p.inner.Send(sendCtx, req)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}

	return err
}
