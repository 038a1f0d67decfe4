package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStaleStore struct {
	count       int64
	err         error
	gotGrace    time.Duration
	hadDeadline bool
}

func (f *fakeStaleStore) RequeueStale(ctx context.Context, grace time.Duration) (int64, error) {
	f.gotGrace = grace
	_, f.hadDeadline = ctx.Deadline()

	return f.count, f.err
}

func TestRecovery_RunOnce_ReportsReopenedCount(t *testing.T) {
	logs := &fakeStaleStore{count: 4}

	r := NewRecovery(RecoveryConfig{}, logs, discardLogger(), nil)

	n, err := r.RunOnce(context.Background())

	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if n != 4 {
		t.Fatalf("reopened = %d, want 4", n)
	}

	// zero config falls back to the five minute grace
	if logs.gotGrace != 5*time.Minute {
		t.Fatalf("grace = %s, want 5m", logs.gotGrace)
	}

	if !logs.hadDeadline {
		t.Fatalf("sweep must carry a deadline")
	}
}

func TestRecovery_RunOnce_CustomGrace(t *testing.T) {
	logs := &fakeStaleStore{}

	r := NewRecovery(RecoveryConfig{Grace: 90 * time.Second}, logs, discardLogger(), nil)

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if logs.gotGrace != 90*time.Second {
		t.Fatalf("grace = %s, want 90s", logs.gotGrace)
	}
}

func TestRecovery_RunOnce_StoreErrorSurfaces(t *testing.T) {
	logs := &fakeStaleStore{err: errors.New("db down")}

	r := NewRecovery(RecoveryConfig{}, logs, discardLogger(), nil)

	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected store error to surface")
	}
}
