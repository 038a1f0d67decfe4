package http

import (
	"log/slog"
	"time"

	"github.com/geocoder89/greethub/internal/auth"
	"github.com/geocoder89/greethub/internal/cache"
	"github.com/geocoder89/greethub/internal/config"
	"github.com/geocoder89/greethub/internal/http/handlers"
	"github.com/geocoder89/greethub/internal/http/middlewares"
	"github.com/geocoder89/greethub/internal/observability"
	"github.com/geocoder89/greethub/internal/repo/postgres"
	"github.com/geocoder89/greethub/internal/strategy"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// RouterDeps carries everything the HTTP surface needs. The api binary
// wires the real thing; integration tests substitute lighter pieces.
type RouterDeps struct {
	Log      *slog.Logger
	Pool     *pgxpool.Pool
	Cfg      config.Config
	Prom     *observability.Prom
	Metrics  *prometheus.Registry
	Registry *strategy.Registry
	Recovery handlers.RecoveryRunner
	Checks   map[string]handlers.Pinger
}

func NewRouter(d RouterDeps) *gin.Engine {
	if d.Cfg.Env != "dev" && d.Cfg.Env != "test" {
		gin.SetMode(gin.ReleaseMode)
	}

	if d.Registry == nil {
		d.Registry = strategy.Default()
	}

	r := gin.New()

	// middleware

	r.Use(gin.Recovery())
	r.Use(middlewares.RequestID())
	r.Use(otelgin.Middleware("greethub-api"))

	if d.Prom != nil {
		r.Use(d.Prom.GinHandleMiddleware())
	}

	r.Use(middlewares.RequestLogger())
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.CORSMiddleware(d.Cfg.CORSOrigins))
	r.Use(middlewares.MaxBodyBytes(maxBodyBytes))
	r.Use(middlewares.RequireJSON())

	// health + docs + metrics

	health := handlers.NewHealthHandler(d.Checks)
	r.GET("/healthz", health.Healthz)
	r.GET("/readyz", health.Readyz)

	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{})))
	}

	r.GET("/docs", handlers.SwaggerUI)
	r.GET("/docs/openapi.yaml", handlers.OpenAPISpec)

	// wire up repositories

	usersRepo := postgres.NewUsersRepo(d.Pool, d.Prom)
	logsRepo := postgres.NewMessageLogsRepo(d.Pool, d.Prom)
	operatorsRepo := postgres.NewOperatorsRepo(d.Pool)
	refreshRepo := postgres.NewRefreshTokensRepo(d.Pool)

	jwtManager := auth.NewManager(d.Cfg.JWTSecret, d.Cfg.JWTIssuer, d.Cfg.AccessTTL, d.Cfg.RefreshTTL)
	authMW := middlewares.NewAuthMiddleware(jwtManager)

	// Wire up the handlers

	listCache := cache.New(30 * time.Second)
	usersHandler := handlers.NewUsersHandlerWithCache(usersRepo, logsRepo, listCache)
	adminHandler := handlers.NewAdminMessagesHandler(logsRepo, usersRepo, d.Recovery, d.Registry)
	authHandler := handlers.NewAuthHandler(operatorsRepo, operatorsRepo, jwtManager, refreshRepo, d.Cfg)

	authLimiter := middlewares.NewRateLimiter(10, time.Minute)
	adminLimiter := middlewares.NewRateLimiter(120, time.Minute)

	v1 := r.Group("/api/v1")

	// login endpoints are brute-force targets, keep the per-IP cap low
	authGroup := v1.Group("/auth")
	authGroup.Use(authLimiter.RateLimiterMiddleware(middlewares.KeyByIP))
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.Refresh)
		authGroup.POST("/logout", authHandler.Logout)
	}

	users := v1.Group("/users")
	{
		users.POST("", usersHandler.CreateUser)
		users.GET("", usersHandler.ListUsers)
		users.GET("/:id", usersHandler.GetUserByID)
		users.PUT("/:id", usersHandler.UpdateUser)
		users.DELETE("/:id", usersHandler.DeleteUser)
	}

	admin := v1.Group("/admin")
	admin.Use(authMW.RequireAuth())
	admin.Use(adminLimiter.RateLimiterMiddleware(middlewares.KeyByOperatorOrIP))
	{
		// reads are open to any authenticated operator
		admin.GET("/messages", adminHandler.List)
		admin.GET("/messages/:id", adminHandler.GetByID)
		admin.GET("/stats", adminHandler.Stats)

		// mutations need the admin role
		admin.POST("/messages/:id/replay", authMW.RequireRole("admin"), adminHandler.Replay)
		admin.POST("/recovery/run", authMW.RequireRole("admin"), adminHandler.RunRecovery)
		admin.POST("/operators", authMW.RequireRole("admin"), authHandler.CreateOperator)
	}

	return r
}
