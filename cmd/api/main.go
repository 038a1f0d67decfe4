package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/geocoder89/greethub/internal/config"
	"github.com/geocoder89/greethub/internal/db"
	apphttp "github.com/geocoder89/greethub/internal/http"
	"github.com/geocoder89/greethub/internal/http/handlers"
	"github.com/geocoder89/greethub/internal/observability"
	"github.com/geocoder89/greethub/internal/repo/postgres"
	"github.com/geocoder89/greethub/internal/scheduler"
	"github.com/geocoder89/greethub/internal/strategy"
)

func main() {
	// Load the config set up
	cfg := config.Load()

	// start up the observability logger
	log := observability.NewLogger(cfg.Env)
	slog.SetDefault(log)

	bootCtx, bootCancel := config.WithTimeout(30 * time.Second)
	defer bootCancel()

	// tracing is optional, api runs fine without a collector
	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(bootCtx, "greethub-api", cfg.OTLPEndpoint)

		if err != nil {
			log.Error("tracer init failed", "err", err)
			os.Exit(1)
		}

		defer func() {
			ctx, cancel := config.WithTimeout(5 * time.Second)
			defer cancel()
			_ = shutdownTracer(ctx)
		}()
	}

	// database pool + schema
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

	if err := db.EnsureAdminOperator(bootCtx, pool, cfg); err != nil {
		log.Error("admin operator seed failed", "err", err)
		os.Exit(1)
	}

	// metrics
	metrics := prometheus.NewRegistry()
	prom := observability.NewProm(metrics)

	// the admin recovery endpoint reopens stuck rows on demand; the
	// scheduler process owns the periodic sweep
	logsRepo := postgres.NewMessageLogsRepo(pool, prom)
	recovery := scheduler.NewRecovery(scheduler.RecoveryConfig{
		Interval: cfg.RecoveryInterval,
		Grace:    cfg.RecoveryGrace,
	}, logsRepo, log, prom)

	// set up routers with the full dependency set
	router := apphttp.NewRouter(apphttp.RouterDeps{
		Log:      log,
		Pool:     pool,
		Cfg:      cfg,
		Prom:     prom,
		Metrics:  metrics,
		Registry: strategy.WithSendTime(cfg.SendHour, cfg.SendMinute),
		Recovery: recovery,
		Checks: map[string]handlers.Pinger{
			"postgres": pool.Ping,
		},
	})

	// server set up
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// start server using a concurrent go-routine driven anonymous function.

	go func() {
		log.Info("Server starting", "port", cfg.Port, "env", cfg.Env)
		err := srv.ListenAndServe()

		if err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("server shutting down")

	shutdownCh := make(chan struct{})

	go func() {
		defer close(shutdownCh)

		ctxTimeOut := 10 * time.Second

		ctx, cancel := config.WithTimeout(ctxTimeOut)

		defer cancel()

		err := srv.Shutdown(ctx)

		if err != nil {
			log.Error("graceful shutdown failed", "err", err)

			return
		}
	}()

	select {
	case <-shutdownCh:
		log.Info("shutdown complete")

	case <-time.After(12 * time.Second):
		log.Error("shutdown timed out")
	}
}
