package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/geocoder89/greethub/internal/domain/message"
	"github.com/geocoder89/greethub/internal/observability"
	"github.com/geocoder89/greethub/internal/queue"
)

type ClaimStore interface {
	ClaimDueBatch(ctx context.Context, horizon time.Duration, limit int) ([]message.Log, error)
	Release(ctx context.Context, id string) error
}

type EnqueuerConfig struct {
	Interval     time.Duration
	Lookahead    time.Duration
	Batch        int
	WriteTimeout time.Duration
}

// Enqueuer moves due logs onto the broker. Claiming flips the row to
// QUEUED in the same statement, so a publish that fails must put the row
// back with Release. A crash between claim and publish leaves the row
// QUEUED until the recovery sweep reopens it.
type Enqueuer struct {
	cfg    EnqueuerConfig
	logs   ClaimStore
	pub    queue.Publisher
	logger *slog.Logger
	prom   *observability.Prom
}

func NewEnqueuer(cfg EnqueuerConfig, logs ClaimStore, pub queue.Publisher, logger *slog.Logger, prom *observability.Prom) *Enqueuer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	if cfg.Lookahead < 0 {
		cfg.Lookahead = 0
	}

	if cfg.Batch <= 0 {
		cfg.Batch = 500
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	return &Enqueuer{
		cfg:    cfg,
		logs:   logs,
		pub:    pub,
		logger: logger,
		prom:   prom,
	}
}

func (e *Enqueuer) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	// immediate first pass picks up anything already due
	if _, err := e.Tick(ctx); err != nil {
		e.logger.ErrorContext(ctx, "enqueue tick failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil {
				e.logger.ErrorContext(ctx, "enqueue tick failed", "error", err)
			}
		}
	}
}

// Tick drains every due log in claim-sized batches and returns how many
// it published.
func (e *Enqueuer) Tick(ctx context.Context) (int, error) {
	published := 0

	ctx, span := tracer.Start(ctx, "schedule.enqueue_tick")

	defer func() {
		span.SetAttributes(attribute.Int("enqueue.published", published))
		span.End()
	}()

	for {
		// claiming flips rows to QUEUED, a hung statement must not
		// stall the tick past its deadline
		cctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
		batch, err := e.logs.ClaimDueBatch(cctx, e.cfg.Lookahead, e.cfg.Batch)
		cancel()

		if err != nil {
			return published, err
		}

		if len(batch) == 0 {
			return published, nil
		}

		for _, l := range batch {
			queueName := queue.QueueName(l.MessageType)

			item := queue.WorkItem{
				MessageID:         l.ID,
				UserID:            l.UserID,
				MessageType:       l.MessageType,
				ScheduledSendTime: l.ScheduledSendTime,
				RetryCount:        l.RetryCount,
				EnqueuedAt:        time.Now().UnixMilli(),
			}

			if err := e.pub.Publish(ctx, queueName, item); err != nil {
				e.logger.ErrorContext(ctx, "publish work item",
					"messageId", l.ID, "queue", queueName, "error", err)

				rctx, rcancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
				relErr := e.logs.Release(rctx, l.ID)
				rcancel()

				if relErr != nil {
					e.logger.ErrorContext(ctx, "release claimed log",
						"messageId", l.ID, "error", relErr)
				}
				continue
			}

			published++

			if e.prom != nil {
				e.prom.Enqueued.WithLabelValues(queueName).Inc()
			}
		}

		if len(batch) < e.cfg.Batch {
			return published, nil
		}
	}
}
