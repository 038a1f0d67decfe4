package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type Prom struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec
	// DB
	DbQueryDuration *prometheus.HistogramVec
	DbErrorsTotal   *prometheus.CounterVec

	// Queue transport
	QueuePublished     *prometheus.CounterVec
	QueuePublishErrors *prometheus.CounterVec
	QueueConsumed      *prometheus.CounterVec
	QueueAcked         *prometheus.CounterVec
	QueueNacked        *prometheus.CounterVec

	// Deliveries (worker)
	DeliveryDuration   *prometheus.HistogramVec
	DeliveryResults    *prometheus.CounterVec
	DeliveriesInFlight prometheus.Gauge
	BreakerState       prometheus.Gauge

	// Scheduler
	ScheduleInserted *prometheus.CounterVec
	ScheduleSkipped  *prometheus.CounterVec
	Enqueued         *prometheus.CounterVec
	Recovered        prometheus.Counter
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greethub",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "greethub",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions.",
				// Sane initial defaults
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "greethub",
				Name:      "http_in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"method", "route"},
		),
		DbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "greethub",
				Subsystem: "db",
				Name:      "query_duration_seconds",
				Help:      "DB operation latency (logical op, not raw SQL)",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5},
			},
			[]string{"op", "status"},
		),
		DbErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greethub",
				Subsystem: "db",
				Name:      "errors_total",
				Help:      "DB errors by logical op and class.",
			},
			[]string{"op", "class"},
		),

		QueuePublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greethub",
				Subsystem: "queue",
				Name:      "published_total",
				Help:      "Messages published with broker confirmation.",
			},
			[]string{"queue"},
		),
		QueuePublishErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greethub",
				Subsystem: "queue",
				Name:      "publish_errors_total",
				Help:      "Publish attempts the broker did not confirm.",
			},
			[]string{"queue"},
		),
		QueueConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greethub",
				Subsystem: "queue",
				Name:      "consumed_total",
				Help:      "Deliveries handed to a handler.",
			},
			[]string{"queue"},
		),
		QueueAcked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greethub",
				Subsystem: "queue",
				Name:      "acked_total",
				Help:      "Deliveries acknowledged.",
			},
			[]string{"queue"},
		),
		QueueNacked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greethub",
				Subsystem: "queue",
				Name:      "nacked_total",
				Help:      "Deliveries rejected, split by requeue decision.",
			},
			[]string{"queue", "requeue"},
		),

		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "greethub",
				Subsystem: "delivery",
				Name:      "duration_seconds",
				Help:      "Delivery attempt duration by message type and result",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"message_type", "result"}, // result=sent|retry|failed|duplicate|poison
		),
		DeliveryResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greethub",
				Subsystem: "delivery",
				Name:      "results_total",
				Help:      "Delivery outcomes by message type and result.",
			},
			[]string{"message_type", "result"},
		),
		DeliveriesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "greethub",
				Subsystem: "delivery",
				Name:      "in_flight",
				Help:      "Current number of executing deliveries (per process)",
			},
		),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "greethub",
				Subsystem: "delivery",
				Name:      "breaker_state",
				Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
			},
		),

		ScheduleInserted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greethub",
				Subsystem: "scheduler",
				Name:      "inserted_total",
				Help:      "Message logs created by the daily precompute.",
			},
			[]string{"message_type"},
		),
		ScheduleSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greethub",
				Subsystem: "scheduler",
				Name:      "skipped_total",
				Help:      "Precompute inserts skipped on the idempotency key.",
			},
			[]string{"message_type"},
		),
		Enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greethub",
				Subsystem: "scheduler",
				Name:      "enqueued_total",
				Help:      "Due logs published to the queue.",
			},
			[]string{"queue"},
		),
		Recovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "greethub",
				Subsystem: "scheduler",
				Name:      "recovered_total",
				Help:      "Stuck logs reopened by the recovery sweep.",
			},
		),
	}
	reg.MustRegister(
		p.RequestsTotal, p.RequestsDuration, p.InFlight, p.DbQueryDuration, p.DbErrorsTotal,
		p.QueuePublished, p.QueuePublishErrors, p.QueueConsumed, p.QueueAcked, p.QueueNacked,
		p.DeliveryDuration, p.DeliveryResults, p.DeliveriesInFlight, p.BreakerState,
		p.ScheduleInserted, p.ScheduleSkipped, p.Enqueued, p.Recovered,
	)

	return p
}

func (p *Prom) GinHandleMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		// route template is only available after routing; best effort:
		route := ctx.FullPath()

		if route == "" {
			route = "unmatched"
		}

		method := ctx.Request.Method
		p.InFlight.WithLabelValues(method, route).Inc()
		defer p.InFlight.WithLabelValues(method, route).Dec()
		ctx.Next()

		status := strconv.Itoa(ctx.Writer.Status())
		secs := time.Since(start).Seconds()

		p.RequestsTotal.WithLabelValues(method, route, status).Inc()
		p.RequestsDuration.WithLabelValues(method, route, status).Observe(secs)
	}
}
