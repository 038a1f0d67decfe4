package amqpclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/geocoder89/greethub/internal/observability"
	"github.com/geocoder89/greethub/internal/queue"
)

// Publisher writes work items through a confirm-mode channel so Publish
// only returns after the broker has persisted the message.
type Publisher struct {
	client  *Client
	timeout time.Duration
	logger  *slog.Logger
	prom    *observability.Prom

	mu sync.Mutex
	ch *amqp.Channel
}

func NewPublisher(client *Client, timeout time.Duration, logger *slog.Logger, prom *observability.Prom) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Publisher{
		client:  client,
		timeout: timeout,
		logger:  logger,
		prom:    prom,
	}
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := p.client.Channel()

	if err != nil {
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}

	p.ch = ch

	return ch, nil
}

func (p *Publisher) dropChannel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

func (p *Publisher) markPublishError(queueName string) {
	if p.prom != nil {
		p.prom.QueuePublishErrors.WithLabelValues(queueName).Inc()
	}
}

func (p *Publisher) Publish(ctx context.Context, queueName string, item queue.WorkItem) error {
	body, err := queue.EncodeWorkItem(item)

	if err != nil {
		return err
	}

	ch, err := p.channel()

	if err != nil {
		p.markPublishError(queueName)
		return fmt.Errorf("%w: %v", queue.ErrPublishFailed, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conf, err := ch.PublishWithDeferredConfirmWithContext(pubCtx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    item.MessageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})

	if err != nil {
		p.dropChannel()
		p.markPublishError(queueName)
		return fmt.Errorf("%w: %v", queue.ErrPublishFailed, err)
	}

	acked, err := conf.WaitContext(pubCtx)

	if err != nil {
		p.dropChannel()
		p.markPublishError(queueName)
		return fmt.Errorf("%w: confirm: %v", queue.ErrPublishFailed, err)
	}

	if !acked {
		p.markPublishError(queueName)
		return fmt.Errorf("%w: broker nacked publish", queue.ErrPublishFailed)
	}

	if p.prom != nil {
		p.prom.QueuePublished.WithLabelValues(queueName).Inc()
	}

	return nil
}
