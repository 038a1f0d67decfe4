package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/geocoder89/greethub/internal/domain/message"
	"github.com/geocoder89/greethub/internal/http/handlers"
	"github.com/geocoder89/greethub/internal/repo/postgres"
	"github.com/geocoder89/greethub/internal/strategy"
)

// Fake implementations of the handler's admin-side dependencies

type fakeAdminMessagesRepo struct {
	listCursorFn    func(ctx context.Context, filter postgres.ListLogsFilter, limit int, afterUpdatedAt time.Time, afterID string) ([]message.Log, *string, bool, error)
	getFn           func(ctx context.Context, id string) (message.Log, error)
	getByKeyFn      func(ctx context.Context, key string) (message.Log, error)
	replayFn        func(ctx context.Context, id, suffix string) (message.Log, error)
	countByStatusFn func(ctx context.Context) (map[string]int64, error)
}

func (f *fakeAdminMessagesRepo) ListCursor(
	ctx context.Context,
	filter postgres.ListLogsFilter,
	limit int,
	afterUpdatedAt time.Time,
	afterID string,
) ([]message.Log, *string, bool, error) {
	if f.listCursorFn != nil {
		return f.listCursorFn(ctx, filter, limit, afterUpdatedAt, afterID)
	}

	return []message.Log{}, nil, false, nil
}

func (f *fakeAdminMessagesRepo) GetByID(ctx context.Context, id string) (message.Log, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}

	return message.Log{}, nil
}

func (f *fakeAdminMessagesRepo) GetByIdempotencyKey(ctx context.Context, key string) (message.Log, error) {
	if f.getByKeyFn != nil {
		return f.getByKeyFn(ctx, key)
	}

	return message.Log{}, message.ErrNotFound
}

func (f *fakeAdminMessagesRepo) Replay(ctx context.Context, id, suffix string) (message.Log, error) {
	if f.replayFn != nil {
		return f.replayFn(ctx, id, suffix)
	}

	return message.Log{}, nil
}

func (f *fakeAdminMessagesRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	if f.countByStatusFn != nil {
		return f.countByStatusFn(ctx)
	}

	return map[string]int64{}, nil
}

type fakeUsersCounter struct {
	countFn func(ctx context.Context) (int64, error)
}

func (f *fakeUsersCounter) Count(ctx context.Context) (int64, error) {
	if f.countFn != nil {
		return f.countFn(ctx)
	}

	return 0, nil
}

type fakeRecoveryRunner struct {
	runOnceFn func(ctx context.Context) (int64, error)
}

func (f *fakeRecoveryRunner) RunOnce(ctx context.Context) (int64, error) {
	if f.runOnceFn != nil {
		return f.runOnceFn(ctx)
	}

	return 0, nil
}

func newAdminHandler(repo *fakeAdminMessagesRepo, users *fakeUsersCounter, rec *fakeRecoveryRunner) *handlers.AdminMessagesHandler {
	if repo == nil {
		repo = &fakeAdminMessagesRepo{}
	}
	if users == nil {
		users = &fakeUsersCounter{}
	}
	if rec == nil {
		rec = &fakeRecoveryRunner{}
	}

	return handlers.NewAdminMessagesHandler(repo, users, rec, strategy.Default())
}

func sampleLog(id, userID string) message.Log {
	now := time.Now().UTC()
	sendAt := time.Date(2026, time.July, 14, 13, 0, 0, 0, time.UTC)

	return message.Log{
		ID:                id,
		UserID:            userID,
		MessageType:       strategy.TypeBirthday,
		ScheduledSendTime: sendAt,
		IdempotencyKey:    userID + "|BIRTHDAY|2026-07-14",
		Status:            message.StatusScheduled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// List message tests

func TestAdminListMessagesHandler(t *testing.T) {
	userID := newUUID()

	tests := []struct {
		name           string
		url            string
		repoSetup      func(*fakeAdminMessagesRepo)
		wantStatusCode int
		wantCount      int
	}{
		{
			name: "success_first_page",
			url:  "/admin/messages?limit=50",
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.listCursorFn = func(ctx context.Context, filter postgres.ListLogsFilter, limit int, afterUpdatedAt time.Time, afterID string) ([]message.Log, *string, bool, error) {
					if limit != 50 {
						return nil, nil, false, errors.New("limit not passed through")
					}

					return []message.Log{sampleLog(newUUID(), userID)}, nil, false, nil
				}
			},
			wantStatusCode: http.StatusOK,
			wantCount:      1,
		},
		{
			name: "success_status_filter",
			url:  "/admin/messages?status=FAILED",
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.listCursorFn = func(ctx context.Context, filter postgres.ListLogsFilter, limit int, afterUpdatedAt time.Time, afterID string) ([]message.Log, *string, bool, error) {
					if filter.Status == nil || *filter.Status != "FAILED" {
						return nil, nil, false, errors.New("status filter not passed")
					}

					failed := sampleLog(newUUID(), userID)
					failed.Status = message.StatusFailed
					return []message.Log{failed}, nil, false, nil
				}
			},
			wantStatusCode: http.StatusOK,
			wantCount:      1,
		},
		{
			name: "success_type_and_user_filter",
			url:  "/admin/messages?type=ANNIVERSARY&userId=" + userID,
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.listCursorFn = func(ctx context.Context, filter postgres.ListLogsFilter, limit int, afterUpdatedAt time.Time, afterID string) ([]message.Log, *string, bool, error) {
					if filter.MessageType == nil || *filter.MessageType != "ANNIVERSARY" {
						return nil, nil, false, errors.New("type filter not passed")
					}
					if filter.UserID == nil || *filter.UserID != userID {
						return nil, nil, false, errors.New("userId filter not passed")
					}

					return []message.Log{sampleLog(newUUID(), userID)}, nil, false, nil
				}
			},
			wantStatusCode: http.StatusOK,
			wantCount:      1,
		},
		{
			name:           "unknown_status_rejected",
			url:            "/admin/messages?status=DELIVERED",
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name:           "malformed_user_id_rejected",
			url:            "/admin/messages?userId=42",
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name:           "invalid_cursor",
			url:            "/admin/messages?cursor=!!!",
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name:           "limit_out_of_range",
			url:            "/admin/messages?limit=0",
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name: "repo_error",
			url:  "/admin/messages",
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.listCursorFn = func(ctx context.Context, filter postgres.ListLogsFilter, limit int, afterUpdatedAt time.Time, afterID string) ([]message.Log, *string, bool, error) {
					return nil, nil, false, errors.New("db error")
				}
			},
			wantStatusCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			fakeRepo := &fakeAdminMessagesRepo{}
			if tt.repoSetup != nil {
				tt.repoSetup(fakeRepo)
			}

			h := newAdminHandler(fakeRepo, nil, nil)
			r := setupRouter(http.MethodGet, "/admin/messages", h.List)

			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatusCode {
				t.Fatalf("got status %d, want %d, body=%s", w.Code, tt.wantStatusCode, w.Body.String())
			}

			if tt.wantStatusCode == http.StatusOK {
				var resp struct {
					Count int `json:"count"`
				}
				if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
					t.Fatalf("failed to unmarshal response: %v", err)
				}
				if resp.Count != tt.wantCount {
					t.Fatalf("got count %d, want %d", resp.Count, tt.wantCount)
				}
			}
		})
	}
}

// Key lookup tests

func TestAdminListMessagesHandler_KeyLookup(t *testing.T) {
	userID := newUUID()
	storedKey := userID + "|BIRTHDAY|2026-07-14"

	tests := []struct {
		name           string
		url            string
		repoSetup      func(*fakeAdminMessagesRepo)
		wantStatusCode int
		wantCount      int
	}{
		{
			name: "key_found",
			url:  "/admin/messages?key=" + url.QueryEscape(storedKey),
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.getByKeyFn = func(ctx context.Context, key string) (message.Log, error) {
					if key != storedKey {
						return message.Log{}, errors.New("key not passed through")
					}

					return sampleLog(newUUID(), userID), nil
				}
			},
			wantStatusCode: http.StatusOK,
			wantCount:      1,
		},
		{
			name: "replay_marked_key_accepted",
			url:  "/admin/messages?key=" + url.QueryEscape(storedKey+"#r1a2b3c4d"),
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.getByKeyFn = func(ctx context.Context, key string) (message.Log, error) {
					return sampleLog(newUUID(), userID), nil
				}
			},
			wantStatusCode: http.StatusOK,
			wantCount:      1,
		},
		{
			name:           "key_owns_no_log",
			url:            "/admin/messages?key=" + url.QueryEscape(storedKey),
			wantStatusCode: http.StatusOK,
			wantCount:      0,
		},
		{
			name:           "malformed_key_rejected",
			url:            "/admin/messages?key=" + url.QueryEscape("two|parts"),
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name:           "bad_date_rejected",
			url:            "/admin/messages?key=" + url.QueryEscape(userID+"|BIRTHDAY|not-a-date"),
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name: "repo_error",
			url:  "/admin/messages?key=" + url.QueryEscape(storedKey),
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.getByKeyFn = func(ctx context.Context, key string) (message.Log, error) {
					return message.Log{}, errors.New("db error")
				}
			},
			wantStatusCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			fakeRepo := &fakeAdminMessagesRepo{}
			if tt.repoSetup != nil {
				tt.repoSetup(fakeRepo)
			}

			h := newAdminHandler(fakeRepo, nil, nil)
			r := setupRouter(http.MethodGet, "/admin/messages", h.List)

			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatusCode {
				t.Fatalf("got status %d, want %d, body=%s", w.Code, tt.wantStatusCode, w.Body.String())
			}

			if tt.wantStatusCode == http.StatusOK {
				var resp struct {
					Count   int  `json:"count"`
					HasMore bool `json:"hasMore"`
				}
				if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
					t.Fatalf("failed to unmarshal response: %v", err)
				}
				if resp.Count != tt.wantCount {
					t.Fatalf("got count %d, want %d", resp.Count, tt.wantCount)
				}
				if resp.HasMore {
					t.Fatalf("key lookup must never page")
				}
			}
		})
	}
}

// Get message tests

func TestAdminGetMessageHandler(t *testing.T) {
	validID := newUUID()
	userID := newUUID()

	tests := []struct {
		name           string
		url            string
		repoSetup      func(*fakeAdminMessagesRepo)
		wantStatusCode int
	}{
		{
			name: "success",
			url:  "/admin/messages/" + validID,
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.getFn = func(ctx context.Context, id string) (message.Log, error) {
					return sampleLog(id, userID), nil
				}
			},
			wantStatusCode: http.StatusOK,
		},
		{
			name:           "malformed_id",
			url:            "/admin/messages/nope",
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name: "not_found",
			url:  "/admin/messages/" + validID,
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.getFn = func(ctx context.Context, id string) (message.Log, error) {
					return message.Log{}, message.ErrNotFound
				}
			},
			wantStatusCode: http.StatusNotFound,
		},
		{
			name: "repo_error",
			url:  "/admin/messages/" + validID,
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.getFn = func(ctx context.Context, id string) (message.Log, error) {
					return message.Log{}, errors.New("db error")
				}
			},
			wantStatusCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			fakeRepo := &fakeAdminMessagesRepo{}
			if tt.repoSetup != nil {
				tt.repoSetup(fakeRepo)
			}

			h := newAdminHandler(fakeRepo, nil, nil)
			r := setupRouter(http.MethodGet, "/admin/messages/:id", h.GetByID)

			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatusCode {
				t.Fatalf("got status %d, want %d, body=%s", w.Code, tt.wantStatusCode, w.Body.String())
			}
		})
	}
}

// Replay tests

func TestAdminReplayMessageHandler(t *testing.T) {
	validID := newUUID()
	userID := newUUID()

	tests := []struct {
		name           string
		url            string
		repoSetup      func(*fakeAdminMessagesRepo)
		wantStatusCode int
	}{
		{
			name: "success",
			url:  "/admin/messages/" + validID + "/replay",
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.replayFn = func(ctx context.Context, id, suffix string) (message.Log, error) {
					if suffix == "" {
						return message.Log{}, errors.New("suffix must be non-empty")
					}

					clone := sampleLog(newUUID(), userID)
					clone.IdempotencyKey = clone.IdempotencyKey + "#r" + suffix
					return clone, nil
				}
			},
			wantStatusCode: http.StatusCreated,
		},
		{
			name:           "malformed_id",
			url:            "/admin/messages/nope/replay",
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name: "not_found",
			url:  "/admin/messages/" + validID + "/replay",
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.replayFn = func(ctx context.Context, id, suffix string) (message.Log, error) {
					return message.Log{}, message.ErrNotFound
				}
			},
			wantStatusCode: http.StatusNotFound,
		},
		{
			name: "still_in_flight",
			url:  "/admin/messages/" + validID + "/replay",
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.replayFn = func(ctx context.Context, id, suffix string) (message.Log, error) {
					return message.Log{}, postgres.ErrLogNotTerminal
				}
			},
			wantStatusCode: http.StatusConflict,
		},
		{
			name: "repo_error",
			url:  "/admin/messages/" + validID + "/replay",
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.replayFn = func(ctx context.Context, id, suffix string) (message.Log, error) {
					return message.Log{}, errors.New("db error")
				}
			},
			wantStatusCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			fakeRepo := &fakeAdminMessagesRepo{}
			if tt.repoSetup != nil {
				tt.repoSetup(fakeRepo)
			}

			h := newAdminHandler(fakeRepo, nil, nil)
			r := setupRouter(http.MethodPost, "/admin/messages/:id/replay", h.Replay)

			req := httptest.NewRequest(http.MethodPost, tt.url, nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatusCode {
				t.Fatalf("got status %d, want %d, body=%s", w.Code, tt.wantStatusCode, w.Body.String())
			}
		})
	}
}

func TestAdminReplayMessageHandler_CloneKeyMarked(t *testing.T) {
	validID := newUUID()
	userID := newUUID()

	fakeRepo := &fakeAdminMessagesRepo{
		replayFn: func(ctx context.Context, id, suffix string) (message.Log, error) {
			clone := sampleLog(newUUID(), userID)
			clone.IdempotencyKey = clone.IdempotencyKey + "#r" + suffix
			return clone, nil
		},
	}

	h := newAdminHandler(fakeRepo, nil, nil)
	r := setupRouter(http.MethodPost, "/admin/messages/:id/replay", h.Replay)

	req := httptest.NewRequest(http.MethodPost, "/admin/messages/"+validID+"/replay", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("got status %d, body=%s", w.Code, w.Body.String())
	}

	var clone message.Log
	if err := json.Unmarshal(w.Body.Bytes(), &clone); err != nil {
		t.Fatalf("failed to unmarshal clone: %v", err)
	}

	if !strings.Contains(clone.IdempotencyKey, "#r") {
		t.Fatalf("clone key %q is missing the replay marker", clone.IdempotencyKey)
	}
}

// Recovery trigger tests

func TestAdminRunRecoveryHandler(t *testing.T) {
	tests := []struct {
		name           string
		recSetup       func(*fakeRecoveryRunner)
		wantStatusCode int
		wantRequeued   int64
	}{
		{
			name: "success",
			recSetup: func(f *fakeRecoveryRunner) {
				f.runOnceFn = func(ctx context.Context) (int64, error) {
					return 7, nil
				}
			},
			wantStatusCode: http.StatusOK,
			wantRequeued:   7,
		},
		{
			name: "sweep_error",
			recSetup: func(f *fakeRecoveryRunner) {
				f.runOnceFn = func(ctx context.Context) (int64, error) {
					return 0, errors.New("broker unreachable")
				}
			},
			wantStatusCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecoveryRunner{}
			if tt.recSetup != nil {
				tt.recSetup(rec)
			}

			h := newAdminHandler(nil, nil, rec)
			r := setupRouter(http.MethodPost, "/admin/recovery/run", h.RunRecovery)

			req := httptest.NewRequest(http.MethodPost, "/admin/recovery/run", nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatusCode {
				t.Fatalf("got status %d, want %d, body=%s", w.Code, tt.wantStatusCode, w.Body.String())
			}

			if tt.wantStatusCode == http.StatusOK {
				var resp struct {
					Requeued int64 `json:"requeued"`
				}
				if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
					t.Fatalf("failed to unmarshal response: %v", err)
				}
				if resp.Requeued != tt.wantRequeued {
					t.Fatalf("got requeued %d, want %d", resp.Requeued, tt.wantRequeued)
				}
			}
		})
	}
}

// Stats tests

func TestAdminStatsHandler(t *testing.T) {
	fakeRepo := &fakeAdminMessagesRepo{
		countByStatusFn: func(ctx context.Context) (map[string]int64, error) {
			return map[string]int64{
				"SENT":   12,
				"FAILED": 3,
			}, nil
		},
	}

	users := &fakeUsersCounter{
		countFn: func(ctx context.Context) (int64, error) {
			return 42, nil
		},
	}

	h := newAdminHandler(fakeRepo, users, nil)
	r := setupRouter(http.MethodGet, "/admin/stats", h.Stats)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Messages   map[string]int64             `json:"messages"`
		Users      int64                        `json:"users"`
		Strategies map[string]strategy.Schedule `json:"strategies"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Users != 42 {
		t.Fatalf("got users %d, want 42", resp.Users)
	}

	if resp.Messages["SENT"] != 12 || resp.Messages["FAILED"] != 3 {
		t.Fatalf("unexpected message counts: %v", resp.Messages)
	}

	// the default registry carries the two built-in greeting types
	if _, ok := resp.Strategies[strategy.TypeBirthday]; !ok {
		t.Fatalf("stats is missing the %s strategy: %v", strategy.TypeBirthday, resp.Strategies)
	}
	if _, ok := resp.Strategies[strategy.TypeAnniversary]; !ok {
		t.Fatalf("stats is missing the %s strategy: %v", strategy.TypeAnniversary, resp.Strategies)
	}
}

func TestAdminStatsHandler_Errors(t *testing.T) {
	tests := []struct {
		name      string
		repoSetup func(*fakeAdminMessagesRepo)
		userSetup func(*fakeUsersCounter)
	}{
		{
			name: "messages_count_fails",
			repoSetup: func(f *fakeAdminMessagesRepo) {
				f.countByStatusFn = func(ctx context.Context) (map[string]int64, error) {
					return nil, errors.New("db error")
				}
			},
		},
		{
			name: "users_count_fails",
			userSetup: func(f *fakeUsersCounter) {
				f.countFn = func(ctx context.Context) (int64, error) {
					return 0, errors.New("db error")
				}
			},
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			fakeRepo := &fakeAdminMessagesRepo{}
			users := &fakeUsersCounter{}

			if tt.repoSetup != nil {
				tt.repoSetup(fakeRepo)
			}
			if tt.userSetup != nil {
				tt.userSetup(users)
			}

			h := newAdminHandler(fakeRepo, users, nil)
			r := setupRouter(http.MethodGet, "/admin/stats", h.Stats)

			req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != http.StatusInternalServerError {
				t.Fatalf("got status %d, want %d, body=%s", w.Code, http.StatusInternalServerError, w.Body.String())
			}
		})
	}
}
