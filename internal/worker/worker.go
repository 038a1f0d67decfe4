package worker

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/geocoder89/greethub/internal/delivery"
	"github.com/geocoder89/greethub/internal/domain/message"
	"github.com/geocoder89/greethub/internal/domain/user"
	"github.com/geocoder89/greethub/internal/observability"
	"github.com/geocoder89/greethub/internal/queue"
	"github.com/geocoder89/greethub/internal/strategy"
)

type LogStore interface {
	GetByID(ctx context.Context, id string) (message.Log, error)
	MarkSending(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string) error
	MarkRetrying(ctx context.Context, id string, nextAttemptAt time.Time, reason string) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (user.User, error)
}

type Config struct {
	Queues            []string
	Concurrency       int // consumers per queue
	MaxRetries        int
	ShutdownGrace     time.Duration
	HealthAddr        string
	StoreReadTimeout  time.Duration
	StoreWriteTimeout time.Duration
}

type Worker struct {
	cfg          Config
	logs         LogStore
	users        UserStore
	registry     *strategy.Registry
	client       delivery.Client
	consumer     queue.Consumer
	metrics      *observability.MessageMetrics
	prom         *observability.Prom
	readyMu      sync.RWMutex
	ready        bool
	PromRegistry *prometheus.Registry
}

func New(
	cfg Config,
	logs LogStore,
	users UserStore,
	registry *strategy.Registry,
	client delivery.Client,
	consumer queue.Consumer,
	prom *observability.Prom,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}

	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	if cfg.StoreReadTimeout <= 0 {
		cfg.StoreReadTimeout = 5 * time.Second
	}

	if cfg.StoreWriteTimeout <= 0 {
		cfg.StoreWriteTimeout = 10 * time.Second
	}

	return &Worker{
		cfg:      cfg,
		logs:     logs,
		users:    users,
		registry: registry,
		client:   client,
		consumer: consumer,
		metrics:  observability.NewMessageMetrics(),
		prom:     prom,
		ready:    true,
	}
}

func (w *Worker) logMetricsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)

	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-t.C:
			s := w.metrics.Snapshot()
			log.Printf(
				"message metrics consumed=%d sent=%d duplicates=%d retried=%d failed=%d dlq=%d poisoned=%d duration_count=%d dur_avg=%s duration_max=%s",
				s.Consumed, s.Sent, s.Duplicates, s.Retried, s.Failed, s.DeadLettered, s.Poisoned, s.DurationCount, s.AverageDuration, s.MaxDuration,
			)
		}
	}
}

func (w *Worker) Run(ctx context.Context) error {
	// health server
	srv := &http.Server{Addr: w.cfg.HealthAddr, Handler: w.HealthHandler(w.PromRegistry)}

	healthDone := make(chan struct{})

	go func() {
		log.Printf("worker health server starting on %s", w.cfg.HealthAddr)
		log.Printf("worker boot pid=%d health_addr=%s queues=%v concurrency=%d", os.Getpid(), w.cfg.HealthAddr, w.cfg.Queues, w.cfg.Concurrency)

		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("worker health server error: %v", err)
		}
		close(healthDone)
	}()

	go w.logMetricsLoop(ctx, 30*time.Second)

	// consumers get their own context: cancelling it stops receiving,
	// deliveries already in a handler still settle and ack
	consumeCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()

	var wg sync.WaitGroup

	for _, queueName := range w.cfg.Queues {
		for i := 0; i < w.cfg.Concurrency; i++ {
			wg.Add(1)
			go func(q string, consumerNum int) {
				defer wg.Done()

				err := w.consumer.Consume(consumeCtx, q, w.Handle)

				if err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("worker: consumer stopped queue=%s num=%d err=%v", q, consumerNum, err)
				}
			}(queueName, i+1)
		}
	}

	<-ctx.Done()
	log.Println("worker: shutdown signal received; stopping consumers")

	// flip readiness -> keep alive briefly -> then stop receiving
	w.readyMu.Lock()
	w.ready = false
	w.readyMu.Unlock()

	time.Sleep(5 * time.Second) // 503 observation window

	stopConsumers()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("worker: all in-flight deliveries settled")
	case <-time.After(w.cfg.ShutdownGrace):
		log.Printf("worker: shutdown grace (%s) exceeded; exiting", w.cfg.ShutdownGrace)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	select {
	case <-healthDone:
	case <-time.After(3 * time.Second):
	}

	return nil
}

// Metrics exposes the in-process counters for tests and the stats loop.
func (w *Worker) Metrics() *observability.MessageMetrics {
	return w.metrics
}
