package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/geocoder89/greethub/internal/domain/message"
	"github.com/geocoder89/greethub/internal/domain/user"
	"github.com/geocoder89/greethub/internal/strategy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeUserSource struct {
	users       []user.User
	calls       int
	hadDeadline bool
}

func (f *fakeUserSource) ListCandidatesBatch(ctx context.Context, days []user.MonthDay, afterID string, limit int) ([]user.User, error) {
	f.calls++
	_, f.hadDeadline = ctx.Deadline()

	// single page, the scan stops when a batch comes back short
	if afterID != "" {
		return nil, nil
	}

	return f.users, nil
}

type fakeLogStore struct {
	inserted    map[string]message.Log
	insertErr   error
	hadDeadline bool
}

func newFakeLogStore() *fakeLogStore {
	return &fakeLogStore{inserted: make(map[string]message.Log)}
}

func (f *fakeLogStore) InsertScheduled(ctx context.Context, log message.Log) (bool, error) {
	_, f.hadDeadline = ctx.Deadline()

	if f.insertErr != nil {
		return false, f.insertErr
	}

	if _, ok := f.inserted[log.IdempotencyKey]; ok {
		return false, nil
	}

	f.inserted[log.IdempotencyKey] = log

	return true, nil
}

type fakeLocker struct {
	acquireOK  bool
	acquireErr error
	released   bool
}

func (f *fakeLocker) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return f.acquireOK, f.acquireErr
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, key, token string) error {
	f.released = true
	return nil
}

func testUser(id, zone string, birthday time.Time) user.User {
	return user.User{
		ID:           id,
		FirstName:    "Ada",
		LastName:     "Lovelace",
		Email:        id + "@example.com",
		Timezone:     zone,
		BirthdayDate: birthday,
	}
}

func TestDaily_RunOnce_InsertsDueOccurrence(t *testing.T) {
	u := testUser("u1", "Europe/Berlin", time.Date(1990, time.July, 14, 0, 0, 0, 0, time.UTC))

	users := &fakeUserSource{users: []user.User{u}}
	logs := newFakeLogStore()

	d := NewDaily(DailyConfig{}, users, logs, strategy.Default(), nil, nil, discardLogger(), nil)

	stats, err := d.RunOnce(context.Background(), time.Date(2030, time.July, 14, 0, 30, 0, 0, time.UTC))

	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if stats.Scanned != 1 || stats.Inserted != 1 || stats.Skipped != 0 || stats.Errored != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	wantKey := "u1|BIRTHDAY|2030-07-14"

	log, ok := logs.inserted[wantKey]

	if !ok {
		t.Fatalf("expected log under key %q, have %v", wantKey, logs.inserted)
	}

	// Berlin observes UTC+2 in July, so 09:00 local is 07:00 UTC
	wantSendAt := time.Date(2030, time.July, 14, 7, 0, 0, 0, time.UTC)

	if !log.ScheduledSendTime.Equal(wantSendAt) {
		t.Fatalf("sendAt = %s, want %s", log.ScheduledSendTime, wantSendAt)
	}

	if log.Status != message.StatusScheduled {
		t.Fatalf("status = %s, want SCHEDULED", log.Status)
	}

	// the scan freezes the composed text into the row
	if log.MessageContent != "Hey, Ada Lovelace it's your birthday" {
		t.Fatalf("content = %q", log.MessageContent)
	}

	// both store calls run under deadlines so one hung query cannot
	// stall the scan loop
	if !users.hadDeadline || !logs.hadDeadline {
		t.Fatalf("store calls must carry deadlines, users=%v logs=%v", users.hadDeadline, logs.hadDeadline)
	}
}

func TestDaily_RunOnce_RepeatIsIdempotent(t *testing.T) {
	u := testUser("u1", "Europe/Berlin", time.Date(1990, time.July, 14, 0, 0, 0, 0, time.UTC))

	users := &fakeUserSource{users: []user.User{u}}
	logs := newFakeLogStore()

	d := NewDaily(DailyConfig{}, users, logs, strategy.Default(), nil, nil, discardLogger(), nil)

	now := time.Date(2030, time.July, 14, 0, 30, 0, 0, time.UTC)

	if _, err := d.RunOnce(context.Background(), now); err != nil {
		t.Fatalf("first RunOnce error: %v", err)
	}

	stats, err := d.RunOnce(context.Background(), now)

	if err != nil {
		t.Fatalf("second RunOnce error: %v", err)
	}

	if stats.Inserted != 0 || stats.Skipped != 1 {
		t.Fatalf("second run should skip, got %+v", stats)
	}

	if len(logs.inserted) != 1 {
		t.Fatalf("expected exactly one stored log, got %d", len(logs.inserted))
	}
}

// A far-east zone pushes the 09:00 local instant into the previous UTC
// day, so that day's scan owns the occurrence and this one skips it.

func TestDaily_RunOnce_NeighborDayOwnsEarlyInstants(t *testing.T) {
	u := testUser("u1", "Pacific/Auckland", time.Date(1990, time.July, 14, 0, 0, 0, 0, time.UTC))

	users := &fakeUserSource{users: []user.User{u}}
	logs := newFakeLogStore()

	d := NewDaily(DailyConfig{}, users, logs, strategy.Default(), nil, nil, discardLogger(), nil)

	// July 14 scan: 09:00 NZST on the 14th is 21:00 UTC on the 13th,
	// outside this scan's window
	stats, err := d.RunOnce(context.Background(), time.Date(2030, time.July, 14, 0, 0, 0, 0, time.UTC))

	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if stats.Inserted != 0 {
		t.Fatalf("July 14 scan should own nothing, got %+v", stats)
	}

	// July 13 scan picks it up instead
	stats, err = d.RunOnce(context.Background(), time.Date(2030, time.July, 13, 0, 0, 0, 0, time.UTC))

	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if stats.Inserted != 1 {
		t.Fatalf("July 13 scan should insert, got %+v", stats)
	}

	// the key carries the user's local event date, not the UTC scan day
	log, ok := logs.inserted["u1|BIRTHDAY|2030-07-14"]

	if !ok {
		t.Fatalf("expected key for local date 2030-07-14, have %v", logs.inserted)
	}

	wantSendAt := time.Date(2030, time.July, 13, 21, 0, 0, 0, time.UTC)

	if !log.ScheduledSendTime.Equal(wantSendAt) {
		t.Fatalf("sendAt = %s, want %s", log.ScheduledSendTime, wantSendAt)
	}
}

func TestDaily_RunOnce_LeapBirthdayObservedFeb28(t *testing.T) {
	u := testUser("u1", "UTC", time.Date(1992, time.February, 29, 0, 0, 0, 0, time.UTC))

	users := &fakeUserSource{users: []user.User{u}}
	logs := newFakeLogStore()

	d := NewDaily(DailyConfig{}, users, logs, strategy.Default(), nil, nil, discardLogger(), nil)

	// non-leap year: observed on Feb 28
	stats, err := d.RunOnce(context.Background(), time.Date(2029, time.February, 28, 1, 0, 0, 0, time.UTC))

	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if stats.Inserted != 1 {
		t.Fatalf("expected one insert, got %+v", stats)
	}

	if _, ok := logs.inserted["u1|BIRTHDAY|2029-02-28"]; !ok {
		t.Fatalf("expected key for observed date 2029-02-28, have %v", logs.inserted)
	}

	// leap year: the real date fires
	stats, err = d.RunOnce(context.Background(), time.Date(2032, time.February, 29, 1, 0, 0, 0, time.UTC))

	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if stats.Inserted != 1 {
		t.Fatalf("expected one insert, got %+v", stats)
	}

	if _, ok := logs.inserted["u1|BIRTHDAY|2032-02-29"]; !ok {
		t.Fatalf("expected key for 2032-02-29, have %v", logs.inserted)
	}
}

func TestDaily_RunOnce_LockAlreadyClaimed(t *testing.T) {
	u := testUser("u1", "UTC", time.Date(1990, time.July, 14, 0, 0, 0, 0, time.UTC))

	users := &fakeUserSource{users: []user.User{u}}
	logs := newFakeLogStore()
	locker := &fakeLocker{acquireOK: false}

	d := NewDaily(DailyConfig{}, users, logs, strategy.Default(), locker, nil, discardLogger(), nil)

	stats, err := d.RunOnce(context.Background(), time.Date(2030, time.July, 14, 0, 0, 0, 0, time.UTC))

	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if stats.Scanned != 0 || users.calls != 0 {
		t.Fatalf("claimed lock must stop the scan, stats=%+v calls=%d", stats, users.calls)
	}
}

func TestDaily_RunOnce_LockServiceDownScansAnyway(t *testing.T) {
	u := testUser("u1", "UTC", time.Date(1990, time.July, 14, 0, 0, 0, 0, time.UTC))

	users := &fakeUserSource{users: []user.User{u}}
	logs := newFakeLogStore()
	locker := &fakeLocker{acquireErr: errors.New("redis down")}

	d := NewDaily(DailyConfig{}, users, logs, strategy.Default(), locker, nil, discardLogger(), nil)

	stats, err := d.RunOnce(context.Background(), time.Date(2030, time.July, 14, 0, 0, 0, 0, time.UTC))

	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if stats.Inserted != 1 {
		t.Fatalf("scan must proceed without the lock service, got %+v", stats)
	}

	if locker.released {
		t.Fatalf("release must not run for a lock that was never held")
	}
}

func TestDaily_RunOnce_ReleasesHeldLock(t *testing.T) {
	users := &fakeUserSource{}
	logs := newFakeLogStore()
	locker := &fakeLocker{acquireOK: true}

	d := NewDaily(DailyConfig{}, users, logs, strategy.Default(), locker, nil, discardLogger(), nil)

	if _, err := d.RunOnce(context.Background(), time.Date(2030, time.July, 14, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if !locker.released {
		t.Fatalf("held lock must be released after the scan")
	}
}

func TestDaily_RunOnce_InsertFailureCountsErrored(t *testing.T) {
	u := testUser("u1", "UTC", time.Date(1990, time.July, 14, 0, 0, 0, 0, time.UTC))

	users := &fakeUserSource{users: []user.User{u}}
	logs := newFakeLogStore()
	logs.insertErr = errors.New("db down")

	d := NewDaily(DailyConfig{}, users, logs, strategy.Default(), nil, nil, discardLogger(), nil)

	stats, err := d.RunOnce(context.Background(), time.Date(2030, time.July, 14, 0, 0, 0, 0, time.UTC))

	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if stats.Errored != 1 || stats.Inserted != 0 {
		t.Fatalf("insert failure should count as errored, got %+v", stats)
	}
}

func TestCandidateDays_PullsLeapDateInNonLeapWindow(t *testing.T) {
	days := candidateDays(time.Date(2029, time.February, 28, 0, 0, 0, 0, time.UTC))

	want := map[user.MonthDay]bool{
		{Month: time.February, Day: 27}: true,
		{Month: time.February, Day: 28}: true,
		{Month: time.February, Day: 29}: true,
		{Month: time.March, Day: 1}:     true,
	}

	if len(days) != len(want) {
		t.Fatalf("got %v, want %d distinct days", days, len(want))
	}

	for _, md := range days {
		if !want[md] {
			t.Fatalf("unexpected candidate day %v in %v", md, days)
		}
	}
}

func TestCandidateDays_LeapYearWindow(t *testing.T) {
	days := candidateDays(time.Date(2028, time.February, 28, 0, 0, 0, 0, time.UTC))

	if len(days) != 3 {
		t.Fatalf("leap-year window should hold three days, got %v", days)
	}

	found := false

	for _, md := range days {
		if md.Month == time.February && md.Day == 29 {
			found = true
		}
	}

	if !found {
		t.Fatalf("Feb 29 missing from leap-year window %v", days)
	}
}
