package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/geocoder89/greethub/internal/clock"
	"github.com/geocoder89/greethub/internal/domain/message"
	"github.com/geocoder89/greethub/internal/domain/user"
	"github.com/geocoder89/greethub/internal/observability"
	"github.com/geocoder89/greethub/internal/strategy"
	"github.com/geocoder89/greethub/internal/tz"
)

var tracer = otel.Tracer("greethub-scheduler")

type UserSource interface {
	ListCandidatesBatch(ctx context.Context, days []user.MonthDay, afterID string, limit int) ([]user.User, error)
}

type LogStore interface {
	InsertScheduled(ctx context.Context, log message.Log) (bool, error)
}

type Locker interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

type DailyConfig struct {
	ScanBatch    int
	LockTTL      time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DailyStats struct {
	Scanned  int
	Inserted int
	Skipped  int
	Errored  int
}

// Daily precomputes one UTC day of send occurrences. Work is keyed by
// idempotency key so a re-run, a second replica, or a boot-time catch-up
// inserts only what is missing.
type Daily struct {
	cfg      DailyConfig
	users    UserSource
	logs     LogStore
	registry *strategy.Registry
	locker   Locker
	clk      clock.Clock
	logger   *slog.Logger
	prom     *observability.Prom
}

func NewDaily(
	cfg DailyConfig,
	users UserSource,
	logs LogStore,
	registry *strategy.Registry,
	locker Locker,
	clk clock.Clock,
	logger *slog.Logger,
	prom *observability.Prom,
) *Daily {
	if cfg.ScanBatch <= 0 {
		cfg.ScanBatch = 500
	}

	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	if clk == nil {
		clk = clock.New()
	}

	return &Daily{
		cfg:      cfg,
		users:    users,
		logs:     logs,
		registry: registry,
		locker:   locker,
		clk:      clk,
		logger:   logger,
		prom:     prom,
	}
}

// Run fires one scan immediately, then one per UTC midnight.
func (d *Daily) Run(ctx context.Context) error {
	if _, err := d.RunOnce(ctx, d.clk.Now()); err != nil {
		d.logger.ErrorContext(ctx, "daily scan failed", "error", err)
	}

	for {
		now := d.clk.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)

		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case <-timer.C:
			if _, err := d.RunOnce(ctx, d.clk.Now()); err != nil {
				d.logger.ErrorContext(ctx, "daily scan failed", "error", err)
			}
		}
	}
}

// RunOnce scans for every occurrence whose UTC send instant falls inside
// the UTC day containing now.
func (d *Daily) RunOnce(ctx context.Context, now time.Time) (DailyStats, error) {
	day := now.UTC().Truncate(24 * time.Hour)

	var stats DailyStats

	ctx, span := tracer.Start(ctx, "schedule.daily_scan",
		trace.WithAttributes(attribute.String("scan.day", day.Format("2006-01-02"))),
	)

	defer func() {
		span.SetAttributes(
			attribute.Int("scan.scanned", stats.Scanned),
			attribute.Int("scan.inserted", stats.Inserted),
			attribute.Int("scan.skipped", stats.Skipped),
			attribute.Int("scan.errored", stats.Errored),
		)
		span.End()
	}()

	lockKey := "greethub:daily_scan:" + day.Format("2006-01-02")
	token := uuid.NewString()

	if d.locker != nil {
		ok, err := d.locker.AcquireLock(ctx, lockKey, token, d.cfg.LockTTL)

		if err != nil {
			// lock service down: scan anyway, the unique key still dedupes
			d.logger.WarnContext(ctx, "daily scan lock unavailable", "error", err)
		} else if !ok {
			d.logger.InfoContext(ctx, "daily scan already claimed", "day", day.Format("2006-01-02"))
			return stats, nil
		} else {
			defer func() {
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = d.locker.ReleaseLock(rctx, lockKey, token)
			}()
		}
	}

	days := candidateDays(day)

	afterID := ""

	for {
		// a hung store call must not stall the scan loop indefinitely
		bctx, cancel := context.WithTimeout(ctx, d.cfg.ReadTimeout)
		batch, err := d.users.ListCandidatesBatch(bctx, days, afterID, d.cfg.ScanBatch)
		cancel()

		if err != nil {
			span.RecordError(err)
			return stats, err
		}

		if len(batch) == 0 {
			break
		}

		for _, u := range batch {
			stats.Scanned++
			d.scheduleUser(ctx, u, day, &stats)
		}

		afterID = batch[len(batch)-1].ID

		if len(batch) < d.cfg.ScanBatch {
			break
		}
	}

	d.logger.InfoContext(ctx, "daily scan complete",
		"day", day.Format("2006-01-02"),
		"scanned", stats.Scanned,
		"inserted", stats.Inserted,
		"skipped", stats.Skipped,
		"errored", stats.Errored,
	)

	return stats, nil
}

func (d *Daily) scheduleUser(ctx context.Context, u user.User, day time.Time, stats *DailyStats) {
	for _, strat := range d.registry.All() {
		if err := strat.Validate(u); err != nil {
			stats.Errored++
			d.logger.WarnContext(ctx, "user fails strategy validation",
				"userId", u.ID, "type", strat.Type(), "error", err)
			continue
		}

		occ, ok, err := d.occurrenceFor(u, strat, day)

		if err != nil {
			stats.Errored++
			d.logger.ErrorContext(ctx, "resolve send time",
				"userId", u.ID, "type", strat.Type(), "zone", u.Timezone, "error", err)
			continue
		}

		if !ok {
			continue
		}

		// content is frozen here so retries deliver the same text even
		// if the user row changes before the send goes out
		log := message.New(message.CreateRequest{
			UserID:            u.ID,
			MessageType:       strat.Type(),
			MessageContent:    strat.Compose(u),
			ScheduledSendTime: occ.sendAt,
			IdempotencyKey:    occ.key,
		})

		wctx, cancel := context.WithTimeout(ctx, d.cfg.WriteTimeout)
		inserted, err := d.logs.InsertScheduled(wctx, log)
		cancel()

		if err != nil {
			stats.Errored++
			d.logger.ErrorContext(ctx, "insert scheduled log",
				"userId", u.ID, "type", strat.Type(), "error", err)
			continue
		}

		if inserted {
			stats.Inserted++
			if d.prom != nil {
				d.prom.ScheduleInserted.WithLabelValues(strat.Type()).Inc()
			}
		} else {
			stats.Skipped++
			if d.prom != nil {
				d.prom.ScheduleSkipped.WithLabelValues(strat.Type()).Inc()
			}
		}
	}
}

type occurrence struct {
	sendAt time.Time
	key    string
}

// occurrenceFor finds the single occurrence of a strategy's event for
// one user whose send instant lands in the given UTC day. Offsets run
// from -12h to +14h, so the matching local calendar date is one of
// yesterday, today or tomorrow relative to the UTC day.
func (d *Daily) occurrenceFor(u user.User, strat strategy.Strategy, day time.Time) (occurrence, bool, error) {
	dayEnd := day.Add(24 * time.Hour)

	for off := -1; off <= 1; off++ {
		local := day.AddDate(0, 0, off)
		year, month, dom := local.Date()

		if !strat.ShouldSend(u, year, month, dom) {
			continue
		}

		sendAt, err := strat.SendTime(u, year, month, dom)

		if err != nil {
			return occurrence{}, false, err
		}

		// a neighboring day's scan owns instants outside this UTC day
		if sendAt.Before(day) || !sendAt.Before(dayEnd) {
			continue
		}

		key := message.Key(u.ID, strat.Type(), year, month, dom)

		return occurrence{sendAt: sendAt, key: key}, true, nil
	}

	return occurrence{}, false, nil
}

// candidateDays lists the calendar month/days the user scan must match
// for one UTC day. Feb 29 events observe Feb 28 in non-leap years, so a
// window containing a non-leap Feb 28 also pulls in Feb 29 dates.
func candidateDays(day time.Time) []user.MonthDay {
	seen := make(map[user.MonthDay]bool)
	var out []user.MonthDay

	add := func(md user.MonthDay) {
		if !seen[md] {
			seen[md] = true
			out = append(out, md)
		}
	}

	for off := -1; off <= 1; off++ {
		local := day.AddDate(0, 0, off)

		add(user.MonthDay{Month: local.Month(), Day: local.Day()})

		if local.Month() == time.February && local.Day() == 28 && !tz.IsLeap(local.Year()) {
			add(user.MonthDay{Month: time.February, Day: 29})
		}
	}

	return out
}
