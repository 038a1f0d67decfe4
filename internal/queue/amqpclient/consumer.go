package amqpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/geocoder89/greethub/internal/observability"
	"github.com/geocoder89/greethub/internal/queue"
)

// Consumer feeds one queue into a handler. Each Consume call owns its
// channel, so prefetch applies per consumer.
type Consumer struct {
	client   *Client
	prefetch int
	logger   *slog.Logger
	prom     *observability.Prom
}

func NewConsumer(client *Client, prefetch int, logger *slog.Logger, prom *observability.Prom) *Consumer {
	if prefetch <= 0 {
		prefetch = 5
	}

	return &Consumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
		prom:     prom,
	}
}

// Consume blocks until the context is cancelled, reattaching to the
// broker with capped backoff when the channel drops.
func (c *Consumer) Consume(ctx context.Context, queueName string, handler queue.Handler) error {
	backoff := time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.consumeOnce(ctx, queueName, handler)

		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		c.logger.Warn("consumer detached, retrying",
			"queue", queueName,
			"err", err.Error(),
			"backoff", backoff.String(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2

		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context, queueName string, handler queue.Handler) error {
	ch, err := c.client.Channel()

	if err != nil {
		return err
	}

	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queueName, "", false, false, false, false, nil)

	if err != nil {
		return fmt.Errorf("consume %s: %w", queueName, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}

			if c.prom != nil {
				c.prom.QueueConsumed.WithLabelValues(queueName).Inc()
			}

			// cancelling the consume context stops receiving, the delivery
			// already in hand still settles
			action := handler(context.WithoutCancel(ctx), queue.Delivery{
				Queue:       queueName,
				Body:        d.Body,
				Redelivered: d.Redelivered,
			})

			switch action {
			case queue.ActionAck:
				if err := d.Ack(false); err != nil {
					return fmt.Errorf("ack: %w", err)
				}

				if c.prom != nil {
					c.prom.QueueAcked.WithLabelValues(queueName).Inc()
				}
			case queue.ActionRequeue:
				if err := d.Nack(false, true); err != nil {
					return fmt.Errorf("nack requeue: %w", err)
				}

				if c.prom != nil {
					c.prom.QueueNacked.WithLabelValues(queueName, "true").Inc()
				}
			case queue.ActionDeadLetter:
				if err := d.Nack(false, false); err != nil {
					return fmt.Errorf("nack dead letter: %w", err)
				}

				if c.prom != nil {
					c.prom.QueueNacked.WithLabelValues(queueName, "false").Inc()
				}
			}
		}
	}
}
