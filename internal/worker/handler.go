package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/geocoder89/greethub/internal/delivery"
	"github.com/geocoder89/greethub/internal/domain/message"
	"github.com/geocoder89/greethub/internal/domain/user"
	"github.com/geocoder89/greethub/internal/queue"
)

var tracer = otel.Tracer("greethub-worker")

// storeRead and storeWrite bound every store call so a hung Postgres
// query cannot pin a consumer slot for longer than the configured
// deadline.
func (w *Worker) storeRead(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, w.cfg.StoreReadTimeout)
}

func (w *Worker) storeWrite(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, w.cfg.StoreWriteTimeout)
}

// Handle runs one delivery attempt end to end. The message log row is
// the source of truth at every step: a log already SENT turns the
// delivery into an ack-only no-op, and every outcome settles the row
// before the broker message is acknowledged.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) queue.Action {
	start := time.Now()

	item, err := queue.DecodeWorkItem(d.Body)

	if err != nil {
		// undecodable payloads can never succeed, straight to the DLQ
		if w.metrics != nil {
			w.metrics.IncPoisoned()
		}
		w.observeResult("unknown", "poison", start)

		slog.Default().ErrorContext(ctx, "message.poison",
			"queue", d.Queue,
			"err", err,
		)
		return queue.ActionDeadLetter
	}

	if w.metrics != nil {
		w.metrics.IncConsumed()
	}

	ctx, span := tracer.Start(ctx, "message.deliver",
		trace.WithAttributes(
			attribute.String("message.id", item.MessageID),
			attribute.String("message.type", item.MessageType),
			attribute.String("user.id", item.UserID),
			attribute.Bool("queue.redelivered", d.Redelivered),
		),
	)
	defer span.End()

	action := w.deliverOne(ctx, span, item, start)

	return action
}

func (w *Worker) deliverOne(ctx context.Context, span trace.Span, item queue.WorkItem, start time.Time) queue.Action {
	rctx, rcancel := w.storeRead(ctx)
	log, err := w.logs.GetByID(rctx, item.MessageID)
	rcancel()

	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			// row was cancelled after enqueue (schedule change), drop it
			w.observeResult(item.MessageType, "dropped", start)
			slog.Default().InfoContext(ctx, "message.dropped",
				"message_id", item.MessageID,
				"reason", "log row gone",
			)
			return queue.ActionAck
		}

		span.RecordError(err)
		return queue.ActionRequeue
	}

	// dedupe gate: a settled log never sends again
	if log.Status == message.StatusSent {
		return w.duplicate(ctx, span, item, start)
	}

	if log.Status.IsTerminal() {
		w.observeResult(item.MessageType, "dropped", start)
		slog.Default().InfoContext(ctx, "message.dropped",
			"message_id", item.MessageID,
			"status", string(log.Status),
		)
		return queue.ActionAck
	}

	wctx, wcancel := w.storeWrite(ctx)
	err = w.logs.MarkSending(wctx, log.ID)
	wcancel()

	if err != nil {
		if errors.Is(err, message.ErrStatusConflict) {
			return w.resolveConflict(ctx, span, item, start)
		}

		span.RecordError(err)
		return queue.ActionRequeue
	}

	slog.Default().InfoContext(ctx, "message.start",
		"message_id", log.ID,
		"message_type", log.MessageType,
		"user_id", log.UserID,
		"retry_count", log.RetryCount,
	)

	uctx, ucancel := w.storeRead(ctx)
	u, err := w.users.GetByID(uctx, log.UserID)
	ucancel()

	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return w.settleFailed(ctx, span, log, "user not found", start)
		}

		// row stays SENDING, recovery reopens it if we never come back
		span.RecordError(err)
		return queue.ActionRequeue
	}

	strat, err := w.registry.Get(log.MessageType)

	if err != nil {
		if w.metrics != nil {
			w.metrics.IncPoisoned()
		}
		return w.settleFailed(ctx, span, log, "unknown message type: "+log.MessageType, start)
	}

	// every attempt sends the text frozen at schedule time; rows seeded
	// without content compose on the fly
	content := log.MessageContent

	if content == "" {
		content = strat.Compose(u)
	}

	if w.prom != nil {
		w.prom.DeliveriesInFlight.Inc()
		defer w.prom.DeliveriesInFlight.Dec()
	}

	sendErr := w.client.Send(ctx, delivery.Request{
		MessageID: log.ID,
		Email:     u.Email,
		Message:   content,
	})

	if sendErr == nil {
		return w.settleSent(ctx, span, log, start)
	}

	span.RecordError(sendErr)

	if delivery.Classify(sendErr) == delivery.ClassPermanent {
		return w.settleFailed(ctx, span, log, sendErr.Error(), start)
	}

	return w.settleRetry(ctx, span, log, sendErr, start)
}

func (w *Worker) settleSent(ctx context.Context, span trace.Span, log message.Log, start time.Time) queue.Action {
	wctx, cancel := w.storeWrite(ctx)
	err := w.logs.MarkSent(wctx, log.ID)
	cancel()

	if err != nil {
		if errors.Is(err, message.ErrStatusConflict) {
			// someone else settled the row while we were sending
			if w.metrics != nil {
				w.metrics.IncDuplicate()
			}
			w.observeResult(log.MessageType, "duplicate", start)
			return queue.ActionAck
		}

		// delivered but not recorded. The delivery sink dedupes on
		// message id, so replaying this message is safe.
		span.RecordError(err)
		slog.Default().ErrorContext(ctx, "message.mark_sent_failed",
			"message_id", log.ID,
			"err", err,
		)
		return queue.ActionRequeue
	}

	d := time.Since(start)

	if w.metrics != nil {
		w.metrics.IncSent()
		w.metrics.ObserveDuration(d)
	}
	w.observeResult(log.MessageType, "sent", start)

	span.SetStatus(codes.Ok, "sent")
	span.SetAttributes(attribute.Int64("message.duration_ms", d.Milliseconds()))

	slog.Default().InfoContext(ctx, "message.sent",
		"message_id", log.ID,
		"message_type", log.MessageType,
		"user_id", log.UserID,
		"duration_ms", d.Milliseconds(),
	)

	return queue.ActionAck
}

func (w *Worker) settleRetry(ctx context.Context, span trace.Span, log message.Log, sendErr error, start time.Time) queue.Action {
	// retry budget check counts booked retries, not deliveries
	if log.RetryCount >= w.cfg.MaxRetries {
		return w.exhausted(ctx, span, log, sendErr, start)
	}

	delay := ExponentialBackoff(log.RetryCount)
	nextAttempt := time.Now().UTC().Add(delay)

	wctx, cancel := w.storeWrite(ctx)
	err := w.logs.MarkRetrying(wctx, log.ID, nextAttempt, sendErr.Error())
	cancel()

	if err != nil {
		if errors.Is(err, message.ErrStatusConflict) {
			if w.metrics != nil {
				w.metrics.IncDuplicate()
			}
			w.observeResult(log.MessageType, "duplicate", start)
			return queue.ActionAck
		}

		span.RecordError(err)
		return queue.ActionRequeue
	}

	if w.metrics != nil {
		w.metrics.IncRetried()
	}
	w.observeResult(log.MessageType, "retry", start)

	span.SetStatus(codes.Error, "transient failure")

	slog.Default().WarnContext(ctx, "message.retry_scheduled",
		"message_id", log.ID,
		"message_type", log.MessageType,
		"retry", log.RetryCount+1,
		"max_retries", w.cfg.MaxRetries,
		"next_attempt", nextAttempt.Format(time.RFC3339),
		"err", sendErr,
	)

	// the store drives the retry, the broker copy is done
	return queue.ActionAck
}

func (w *Worker) exhausted(ctx context.Context, span trace.Span, log message.Log, sendErr error, start time.Time) queue.Action {
	wctx, cancel := w.storeWrite(ctx)
	err := w.logs.MarkFailed(wctx, log.ID, "retries exhausted: "+sendErr.Error())
	cancel()

	if err != nil {
		if errors.Is(err, message.ErrStatusConflict) {
			if w.metrics != nil {
				w.metrics.IncDuplicate()
			}
			w.observeResult(log.MessageType, "duplicate", start)
			return queue.ActionAck
		}

		span.RecordError(err)
		return queue.ActionRequeue
	}

	if w.metrics != nil {
		w.metrics.IncFailed()
		w.metrics.IncDeadLettered()
	}
	w.observeResult(log.MessageType, "failed", start)

	span.SetStatus(codes.Error, "retries exhausted")

	slog.Default().ErrorContext(ctx, "message.dead_lettered",
		"message_id", log.ID,
		"message_type", log.MessageType,
		"retries", log.RetryCount,
		"err", sendErr,
	)

	return queue.ActionDeadLetter
}

func (w *Worker) settleFailed(ctx context.Context, span trace.Span, log message.Log, reason string, start time.Time) queue.Action {
	wctx, cancel := w.storeWrite(ctx)
	err := w.logs.MarkFailed(wctx, log.ID, reason)
	cancel()

	if err != nil {
		if errors.Is(err, message.ErrStatusConflict) {
			if w.metrics != nil {
				w.metrics.IncDuplicate()
			}
			w.observeResult(log.MessageType, "duplicate", start)
			return queue.ActionAck
		}

		span.RecordError(err)
		return queue.ActionRequeue
	}

	if w.metrics != nil {
		w.metrics.IncFailed()
		w.metrics.IncDeadLettered()
	}
	w.observeResult(log.MessageType, "failed", start)

	span.SetStatus(codes.Error, reason)

	slog.Default().ErrorContext(ctx, "message.failed",
		"message_id", log.ID,
		"message_type", log.MessageType,
		"reason", reason,
	)

	return queue.ActionDeadLetter
}

func (w *Worker) duplicate(ctx context.Context, span trace.Span, item queue.WorkItem, start time.Time) queue.Action {
	if w.metrics != nil {
		w.metrics.IncDuplicate()
	}
	w.observeResult(item.MessageType, "duplicate", start)

	span.SetStatus(codes.Ok, "duplicate")

	slog.Default().InfoContext(ctx, "message.duplicate",
		"message_id", item.MessageID,
		"message_type", item.MessageType,
	)

	return queue.ActionAck
}

// resolveConflict re-reads the row after a failed SENDING claim and
// picks the safe settle for the broker copy.
func (w *Worker) resolveConflict(ctx context.Context, span trace.Span, item queue.WorkItem, start time.Time) queue.Action {
	rctx, cancel := w.storeRead(ctx)
	log, err := w.logs.GetByID(rctx, item.MessageID)
	cancel()

	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			w.observeResult(item.MessageType, "dropped", start)
			return queue.ActionAck
		}

		span.RecordError(err)
		return queue.ActionRequeue
	}

	switch log.Status {
	case message.StatusSent:
		return w.duplicate(ctx, span, item, start)

	case message.StatusSending:
		// another worker owns the attempt; if it crashed, recovery
		// reopens the row and the enqueuer republishes
		return w.duplicate(ctx, span, item, start)

	default:
		// SCHEDULED, RETRYING or FAILED: this broker copy is stale,
		// the store decides what happens next
		w.observeResult(item.MessageType, "dropped", start)
		slog.Default().InfoContext(ctx, "message.dropped",
			"message_id", item.MessageID,
			"status", string(log.Status),
		)
		return queue.ActionAck
	}
}

func (w *Worker) observeResult(messageType, result string, start time.Time) {
	if w.prom == nil {
		return
	}

	w.prom.DeliveryResults.WithLabelValues(messageType, result).Inc()
	w.prom.DeliveryDuration.WithLabelValues(messageType, result).Observe(time.Since(start).Seconds())
}
