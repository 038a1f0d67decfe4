package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/geocoder89/greethub/internal/config"
	"github.com/geocoder89/greethub/internal/db"
	"github.com/geocoder89/greethub/internal/observability"
	"github.com/geocoder89/greethub/internal/queue"
	"github.com/geocoder89/greethub/internal/queue/amqpclient"
	"github.com/geocoder89/greethub/internal/queue/redisclient"
	"github.com/geocoder89/greethub/internal/repo/postgres"
	"github.com/geocoder89/greethub/internal/scheduler"
	"github.com/geocoder89/greethub/internal/strategy"
)

// The scheduler process owns the write side of the pipeline: the daily
// precompute, the minute enqueuer and the recovery sweep. It shares no
// state with its replicas beyond the database and the scan lock.

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
		shutdownTracer, err := observability.InitTracer(bootCtx, "greethub-scheduler", cfg.OTLPEndpoint)

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

	publisher := amqpclient.NewPublisher(amqpClient, cfg.PublishTimeout, log, prom)

	redisClient := redisclient.New(redisclient.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	defer redisClient.Close()

	usersRepo := postgres.NewUsersRepo(pool, prom)
	logsRepo := postgres.NewMessageLogsRepo(pool, prom)

	daily := scheduler.NewDaily(scheduler.DailyConfig{
		ScanBatch:    cfg.ScanBatch,
		ReadTimeout:  cfg.DBReadTimeout,
		WriteTimeout: cfg.DBWriteTimeout,
	}, usersRepo, logsRepo, registry, redisClient, nil, log, prom)

	enqueuer := scheduler.NewEnqueuer(scheduler.EnqueuerConfig{
		Interval:     cfg.EnqueueInterval,
		Lookahead:    cfg.EnqueueLookahead,
		Batch:        cfg.EnqueueBatch,
		WriteTimeout: cfg.DBWriteTimeout,
	}, logsRepo, publisher, log, prom)

	recovery := scheduler.NewRecovery(scheduler.RecoveryConfig{
		Interval:     cfg.RecoveryInterval,
		Grace:        cfg.RecoveryGrace,
		WriteTimeout: cfg.DBWriteTimeout,
	}, logsRepo, log, prom)

	// health server

	healthSrv := &http.Server{
		Addr: cfg.HealthAddr,
		Handler: scheduler.HealthHandler(
			map[string]scheduler.Pinger{
				"postgres": pool,
				"rabbitmq": amqpClient,
				"redis":    redisClient,
			},
			func() bool { return ctx.Err() != nil },
			metrics,
		),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("scheduler health server starting", "addr", cfg.HealthAddr)
		err := healthSrv.ListenAndServe()

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health server failed", "err", err)
		}
	}()

	log.Info("scheduler starting",
		"env", cfg.Env,
		"send_hour", cfg.SendHour,
		"send_minute", cfg.SendMinute,
		"enqueue_interval", cfg.EnqueueInterval.String(),
		"recovery_interval", cfg.RecoveryInterval.String(),
	)

	var wg sync.WaitGroup

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("loop stopped with error", "loop", name, "err", err)
			}
		}()
	}

	run("daily", daily.Run)
	run("enqueuer", enqueuer.Run)
	run("recovery", recovery.Run)

	<-ctx.Done()
	log.Info("scheduler shutting down")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(cfg.ShutdownGrace):
		log.Error("shutdown grace exceeded")
	}

	sctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(sctx)

	log.Info("scheduler shutdown complete")
}
