package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/geocoder89/greethub/internal/observability"
)

type StaleStore interface {
	RequeueStale(ctx context.Context, grace time.Duration) (int64, error)
}

type RecoveryConfig struct {
	Interval     time.Duration
	Grace        time.Duration
	WriteTimeout time.Duration
}

// Recovery reopens logs stuck in QUEUED, SENDING or RETRYING longer than
// the grace period. Those are rows whose broker message or worker was
// lost, reopening to SCHEDULED lets the enqueuer republish them. The
// grace period keeps it from racing healthy in-flight work.
type Recovery struct {
	cfg    RecoveryConfig
	logs   StaleStore
	logger *slog.Logger
	prom   *observability.Prom
}

func NewRecovery(cfg RecoveryConfig, logs StaleStore, logger *slog.Logger, prom *observability.Prom) *Recovery {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}

	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Minute
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	return &Recovery{
		cfg:    cfg,
		logs:   logs,
		logger: logger,
		prom:   prom,
	}
}

func (r *Recovery) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// one pass on boot catches anything orphaned by the previous process
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.ErrorContext(ctx, "recovery sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "recovery sweep failed", "error", err)
			}
		}
	}
}

func (r *Recovery) RunOnce(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "schedule.recovery_sweep")
	defer span.End()

	sctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	count, err := r.logs.RequeueStale(sctx, r.cfg.Grace)
	cancel()

	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	span.SetAttributes(attribute.Int64("recovery.reopened", count))

	if count > 0 {
		r.logger.InfoContext(ctx, "recovery reopened stuck logs", "count", count)

		if r.prom != nil {
			r.prom.Recovered.Add(float64(count))
		}
	}

	return count, nil
}
