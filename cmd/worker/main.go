package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/geocoder89/greethub/internal/config"
	"github.com/geocoder89/greethub/internal/db"
	"github.com/geocoder89/greethub/internal/delivery"
	"github.com/geocoder89/greethub/internal/observability"
	"github.com/geocoder89/greethub/internal/queue"
	"github.com/geocoder89/greethub/internal/queue/amqpclient"
	"github.com/geocoder89/greethub/internal/repo/postgres"
	"github.com/geocoder89/greethub/internal/strategy"
	"github.com/geocoder89/greethub/internal/worker"
)

func main() {
	cfg := config.Load()

	log := observability.NewLogger(cfg.Env)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)

	defer stop()

	bootCtx, bootCancel := config.WithTimeout(30 * time.Second)
	defer bootCancel()

	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(bootCtx, "greethub-worker", cfg.OTLPEndpoint)

		if err != nil {
			log.Error("tracer init failed", "err", err)
			os.Exit(1)
		}

		defer func() {
			sctx, cancel := config.WithTimeout(5 * time.Second)
			defer cancel()
			_ = shutdownTracer(sctx)
		}()
	}

	pool, err := db.NewPool(cfg.DBURL, int32(cfg.DBMaxConns))

	if err != nil {
		log.Error("db connect failed", "err", err)
		os.Exit(1)
	}

	defer pool.Close()

	if err := db.Migrate(bootCtx, pool); err != nil {
		log.Error("db migrate failed", "err", err)
		os.Exit(1)
	}

	metrics := prometheus.NewRegistry()
	prom := observability.NewProm(metrics)

	amqpClient, err := amqpclient.New(amqpclient.Config{URL: cfg.AMQPURL}, log)

	if err != nil {
		log.Error("amqp connect failed", "err", err)
		os.Exit(1)
	}

	defer amqpClient.Close()

	registry := strategy.WithSendTime(cfg.SendHour, cfg.SendMinute)

	queueNames := make([]string, 0, len(registry.All()))
	for _, s := range registry.All() {
		queueNames = append(queueNames, queue.QueueName(s.Type()))
	}

	if err := amqpClient.DeclareTopology(queueNames); err != nil {
		log.Error("declare queue topology failed", "err", err)
		os.Exit(1)
	}

	consumer := amqpclient.NewConsumer(amqpClient, cfg.Prefetch, log, prom)

	// delivery sink: http for real sends, log for local work
	var sink delivery.Client

	switch cfg.DeliveryMode {
	case "http":
		sink = delivery.NewHTTPClient(cfg.DeliveryURL, cfg.DeliveryTimeout)
	default:
		sink = delivery.NewLogClient(log)
	}

	client := delivery.NewProtectedClient(sink, delivery.ProtectedClientConfig{
		Timeout:     cfg.DeliveryTimeout,
		MinRequests: uint32(cfg.BreakerMinRequests),
		Interval:    cfg.BreakerInterval,
		Cooldown:    cfg.BreakerCooldown,
	}, log, prom)

	logsRepo := postgres.NewMessageLogsRepo(pool, prom)
	usersRepo := postgres.NewUsersRepo(pool, prom)

	w := worker.New(worker.Config{
		Queues:            queueNames,
		Concurrency:       cfg.WorkerConcurrency,
		MaxRetries:        cfg.MaxRetries,
		ShutdownGrace:     cfg.ShutdownGrace,
		HealthAddr:        cfg.HealthAddr,
		StoreReadTimeout:  cfg.DBReadTimeout,
		StoreWriteTimeout: cfg.DBWriteTimeout,
	}, logsRepo, usersRepo, registry, client, consumer, prom)

	w.PromRegistry = metrics

	log.Info("worker starting",
		"env", cfg.Env,
		"queues", queueNames,
		"prefetch", cfg.Prefetch,
		"concurrency", cfg.WorkerConcurrency,
		"max_retries", cfg.MaxRetries,
		"delivery_mode", cfg.DeliveryMode,
	)

	if err := w.Run(ctx); err != nil {
		log.Error("worker stopped with error", "err", err)
	}

	log.Info("worker shutdown complete")
}
