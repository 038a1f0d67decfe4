package amqpclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/geocoder89/greethub/internal/queue"
)

type Config struct {
	URL string
}

// Client owns one AMQP connection and redials it on demand. Channels are
// cheap and callers open their own.
type Client struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	conn, err := amqp.Dial(cfg.URL)

	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	return &Client{
		url:    cfg.URL,
		logger: logger,
		conn:   conn,
	}, nil
}

// connection returns the live connection, redialing if the previous one
// was closed by the broker.
func (c *Client) connection() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	conn, err := amqp.Dial(c.url)

	if err != nil {
		return nil, fmt.Errorf("amqp redial: %w", err)
	}

	c.logger.Info("amqp reconnected")
	c.conn = conn

	return conn, nil
}

func (c *Client) Channel() (*amqp.Channel, error) {
	conn, err := c.connection()

	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()

	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	return ch, nil
}

// DeclareTopology declares each queue together with its dead letter
// queue. Declarations are idempotent, every process declares at boot.
func (c *Client) DeclareTopology(queueNames []string) error {
	ch, err := c.Channel()

	if err != nil {
		return err
	}

	defer ch.Close()

	for _, name := range queueNames {
		dlq := queue.DeadLetterName(name)

		_, err := ch.QueueDeclare(dlq, true, false, false, false, nil)

		if err != nil {
			return fmt.Errorf("declare %s: %w", dlq, err)
		}

		// rejected deliveries route to the paired dlq via the default exchange
		args := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		}

		_, err = ch.QueueDeclare(name, true, false, false, false, args)

		if err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
	}

	return nil
}

// this ping checks broker connectivity for readiness probes
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := c.Channel()

	if err != nil {
		return err
	}

	return ch.Close()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}

	return c.conn.Close()
}
