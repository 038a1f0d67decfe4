package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/geocoder89/greethub/internal/config"
	"github.com/geocoder89/greethub/internal/domain/message"
	"github.com/geocoder89/greethub/internal/http/middlewares"
	"github.com/geocoder89/greethub/internal/repo/postgres"
	"github.com/geocoder89/greethub/internal/strategy"
	"github.com/geocoder89/greethub/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type AdminMessagesRepo interface {
	ListCursor(
		ctx context.Context,
		filter postgres.ListLogsFilter,
		limit int,
		afterUpdatedAt time.Time,
		afterID string,
	) (items []message.Log, nextCursor *string, hasMore bool, err error)
	GetByID(ctx context.Context, id string) (message.Log, error)
	GetByIdempotencyKey(ctx context.Context, key string) (message.Log, error)
	Replay(ctx context.Context, id, suffix string) (message.Log, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type UsersCounter interface {
	Count(ctx context.Context) (int64, error)
}

// RecoveryRunner triggers one stale-row sweep on demand.
type RecoveryRunner interface {
	RunOnce(ctx context.Context) (int64, error)
}

type AdminMessagesHandler struct {
	repo     AdminMessagesRepo
	users    UsersCounter
	recovery RecoveryRunner
	registry *strategy.Registry
}

func NewAdminMessagesHandler(
	repo AdminMessagesRepo,
	users UsersCounter,
	recovery RecoveryRunner,
	registry *strategy.Registry,
) *AdminMessagesHandler {
	return &AdminMessagesHandler{
		repo:     repo,
		users:    users,
		recovery: recovery,
		registry: registry,
	}
}

// GET /admin/messages?status=FAILED&type=BIRTHDAY&userId=...&limit=50
//
// ?key= looks up the single log owning an idempotency key; the key is
// format-checked before it reaches the store.

func (h *AdminMessagesHandler) List(ctx *gin.Context) {
	limit := parseIntDefault(ctx.Query("limit"), 20)
	if limit < 1 || limit > 100 {
		RespondBadRequest(ctx, "limit must be between 1 and 100", gin.H{"field": "limit"})
		return
	}

	if key := ctx.Query("key"); key != "" {
		h.listByKey(ctx, limit, key)
		return
	}

	var filter postgres.ListLogsFilter

	if s := ctx.Query("status"); s != "" {
		if !message.Status(s).IsValid() {
			RespondBadRequest(ctx, "status is not a known message status", gin.H{"field": "status"})
			return
		}
		filter.Status = &s
	}

	if t := ctx.Query("type"); t != "" {
		filter.MessageType = &t
	}

	if uid := ctx.Query("userId"); uid != "" {
		if !utils.IsUUID(uid) {
			RespondBadRequest(ctx, "userId must be a valid UUID", gin.H{"field": "userId"})
			return
		}
		filter.UserID = &uid
	}

	cursor := ctx.Query("cursor")

	// DESC first-page sentinel: "far future" + max UUID
	afterUpdatedAt := time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	afterID := "ffffffff-ffff-ffff-ffff-ffffffffffff"

	if cursor != "" {
		cur, err := utils.DecodeLogCursor(cursor)
		if err != nil {
			RespondBadRequest(ctx, "cursor is invalid", gin.H{"field": "cursor"})
			return
		}
		afterUpdatedAt = cur.UpdatedAt
		afterID = cur.ID
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, next, hasMore, err := h.repo.ListCursor(cctx, filter, limit, afterUpdatedAt, afterID)
	if err != nil {
		RespondInternal(ctx, "Could not list messages")
		return
	}

	resp := gin.H{
		"limit":      limit,
		"count":      len(items),
		"items":      items,
		"hasMore":    hasMore,
		"nextCursor": next,
	}

	RespondJSONWithETag(ctx, http.StatusOK, resp)
}

func (h *AdminMessagesHandler) listByKey(ctx *gin.Context, limit int, key string) {
	if _, _, _, err := message.ParseKey(key); err != nil {
		RespondBadRequest(ctx, "key is not a well-formed idempotency key", gin.H{"field": "key"})
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items := []message.Log{}

	l, err := h.repo.GetByIdempotencyKey(cctx, key)

	switch {
	case err == nil:
		items = append(items, l)
	case errors.Is(err, message.ErrNotFound):
		// empty page, the key simply owns no log
	default:
		RespondInternal(ctx, "Could not list messages")
		return
	}

	RespondJSONWithETag(ctx, http.StatusOK, gin.H{
		"limit":      limit,
		"count":      len(items),
		"items":      items,
		"hasMore":    false,
		"nextCursor": nil,
	})
}

// GET /admin/messages/:id

func (h *AdminMessagesHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")
	ctx.Set(middlewares.CtxMessageID, id)

	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "message id must be a valid UUID", gin.H{"field": "id"})
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	m, err := h.repo.GetByID(cctx, id)

	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			RespondNotFound(ctx, "Message not found")
			return
		}

		RespondInternal(ctx, "Could not fetch message")
		return
	}

	RespondJSONWithETag(ctx, http.StatusOK, m)
}

// POST /admin/messages/:id/replay
//
// Clones a settled row into a fresh SCHEDULED one with a replay-marked
// key; the original row stays terminal.

func (h *AdminMessagesHandler) Replay(ctx *gin.Context) {
	id := ctx.Param("id")
	ctx.Set(middlewares.CtxMessageID, id)

	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "message id must be a valid UUID", gin.H{"field": "id"})
		return
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	suffix := uuid.NewString()[:8]

	clone, err := h.repo.Replay(cctx, id, suffix)

	if err != nil {
		switch {
		case errors.Is(err, message.ErrNotFound):
			RespondNotFound(ctx, "Message not found")
		case errors.Is(err, postgres.ErrLogNotTerminal):
			RespondConflict(ctx, "message_not_terminal", "Only settled messages can be replayed")
		default:
			RespondInternal(ctx, "Could not replay message")
		}
		return
	}

	// the request context carries the span and the acting operator
	slog.Default().InfoContext(ctx.Request.Context(), "message.replay",
		"request_id", requestIDFrom(ctx),
		"message_id", id,
		"clone_id", clone.ID,
		"type", clone.MessageType,
	)

	ctx.JSON(http.StatusCreated, clone)
}

// POST /admin/recovery/run

func (h *AdminMessagesHandler) RunRecovery(ctx *gin.Context) {
	cctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()

	n, err := h.recovery.RunOnce(cctx)

	if err != nil {
		RespondInternal(ctx, "Could not run recovery sweep")
		return
	}

	slog.Default().InfoContext(ctx.Request.Context(), "recovery.manual_run",
		"request_id", requestIDFrom(ctx),
		"requeued", n,
	)

	ctx.JSON(http.StatusOK, gin.H{
		"requeued": n,
	})
}

// GET /admin/stats

func (h *AdminMessagesHandler) Stats(ctx *gin.Context) {
	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	counts, err := h.repo.CountByStatus(cctx)

	if err != nil {
		RespondInternal(ctx, "Could not compute stats")
		return
	}

	userCount, err := h.users.Count(cctx)

	if err != nil {
		RespondInternal(ctx, "Could not compute stats")
		return
	}

	strategies := make(map[string]strategy.Schedule)
	for _, s := range h.registry.All() {
		strategies[s.Type()] = s.Schedule()
	}

	ctx.JSON(http.StatusOK, gin.H{
		"messages":   counts,
		"users":      userCount,
		"strategies": strategies,
	})
}
