package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/geocoder89/greethub/internal/cache"
	"github.com/geocoder89/greethub/internal/config"
	"github.com/geocoder89/greethub/internal/domain/user"
	"github.com/geocoder89/greethub/internal/http/middlewares"
	"github.com/geocoder89/greethub/internal/tz"
	"github.com/geocoder89/greethub/internal/utils"
	"github.com/gin-gonic/gin"
)

type UsersStore interface {
	Create(ctx context.Context, u user.User) error
	GetByID(ctx context.Context, id string) (user.User, error)
	Update(ctx context.Context, u user.User) (user.User, error)
	SoftDelete(ctx context.Context, id string) error
	ListCursor(
		ctx context.Context,
		filter user.ListUsersFilter,
		afterCreatedAt time.Time,
		afterID string,
	) (items []user.User, nextCursor *string, hasMore bool, err error)
}

// ScheduleInvalidator cancels a user's untouched future sends so the
// next daily scan rebuilds them from fresh data.
type ScheduleInvalidator interface {
	DeleteFutureNonTerminal(ctx context.Context, userID string) (int64, error)
}

type UsersHandler struct {
	users UsersStore
	logs  ScheduleInvalidator
	cache *cache.Cache
}

func NewUsersHandler(users UsersStore, logs ScheduleInvalidator) *UsersHandler {
	return &UsersHandler{users: users, logs: logs}
}

func NewUsersHandlerWithCache(users UsersStore, logs ScheduleInvalidator, c *cache.Cache) *UsersHandler {
	return &UsersHandler{users: users, logs: logs, cache: c}
}

func parseIntDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}

	n, err := strconv.Atoi(s)

	if err != nil {
		return fallback
	}

	return n
}

// checkUser runs the validations binding tags cannot express. On failure
// it writes the 400 itself and returns false.
func checkUser(ctx *gin.Context, u user.User) bool {
	if err := tz.ValidateZone(u.Timezone); err != nil {
		RespondBadRequest(ctx, "timezone must be a canonical IANA zone name", gin.H{"field": "timezone"})
		return false
	}

	now := time.Now().UTC()

	if u.BirthdayDate.After(now) {
		RespondBadRequest(ctx, "birthdayDate must not be in the future", gin.H{"field": "birthdayDate"})
		return false
	}

	if u.AnniversaryDate != nil && u.AnniversaryDate.After(now) {
		RespondBadRequest(ctx, "anniversaryDate must not be in the future", gin.H{"field": "anniversaryDate"})
		return false
	}

	return true
}

// POST /users

func (h *UsersHandler) CreateUser(ctx *gin.Context) {
	var req user.CreateUserRequest

	if !BindJSON(ctx, &req) {
		return
	}

	u, err := user.NewFromCreateRequest(req)

	if err != nil {
		RespondBadRequest(ctx, "event dates must be valid calendar dates", gin.H{"field": "birthdayDate"})
		return
	}

	if !checkUser(ctx, u) {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	err = h.users.Create(cctx, u)

	if err != nil {
		if errors.Is(err, user.ErrEmailTaken) {
			RespondConflict(ctx, "email_taken", "Email is already in use.")
			return
		}

		RespondInternal(ctx, "Could not create user")
		return
	}

	h.invalidateListCache()
	ctx.Set(middlewares.CtxTargetUserID, u.ID)

	ctx.JSON(http.StatusCreated, u)
}

// GET /users/:id

func (h *UsersHandler) GetUserByID(ctx *gin.Context) {
	id := ctx.Param("id")
	ctx.Set(middlewares.CtxTargetUserID, id)

	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "user id must be a valid UUID", gin.H{"field": "id"})
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	u, err := h.users.GetByID(cctx, id)

	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			RespondNotFound(ctx, "User not found")
			return
		}

		RespondInternal(ctx, "Could not fetch user")
		return
	}

	RespondJSONWithETag(ctx, http.StatusOK, u)
}

// PUT /users/:id
//
// Full replacement. When the update moves the timezone or an event date,
// the user's future unsent messages are cancelled so the next daily scan
// recomputes them; already sent or failed rows stay untouched.

func (h *UsersHandler) UpdateUser(ctx *gin.Context) {
	id := ctx.Param("id")
	ctx.Set(middlewares.CtxTargetUserID, id)

	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "user id must be a valid UUID", gin.H{"field": "id"})
		return
	}

	var req user.UpdateUserRequest

	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	existing, err := h.users.GetByID(cctx, id)

	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			RespondNotFound(ctx, "User not found")
			return
		}

		RespondInternal(ctx, "Could not update user")
		return
	}

	u, err := existing.ApplyUpdate(req)

	if err != nil {
		RespondBadRequest(ctx, "event dates must be valid calendar dates", gin.H{"field": "birthdayDate"})
		return
	}

	if !checkUser(ctx, u) {
		return
	}

	updated, err := h.users.Update(cctx, u)

	if err != nil {
		switch {
		case errors.Is(err, user.ErrNotFound):
			RespondNotFound(ctx, "User not found")
		case errors.Is(err, user.ErrEmailTaken):
			RespondConflict(ctx, "email_taken", "Email is already in use.")
		default:
			RespondInternal(ctx, "Could not update user")
		}
		return
	}

	if updated.ScheduleChanged(existing) {
		// A failed cancellation leaves stale send times behind, so the
		// client must see the error and retry the idempotent PUT.
		_, err = h.logs.DeleteFutureNonTerminal(cctx, id)

		if err != nil {
			RespondInternal(ctx, "Could not reschedule user messages")
			return
		}
	}

	h.invalidateListCache()

	ctx.JSON(http.StatusOK, updated)
}

// DELETE /users/:id

func (h *UsersHandler) DeleteUser(ctx *gin.Context) {
	id := ctx.Param("id")
	ctx.Set(middlewares.CtxTargetUserID, id)

	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "user id must be a valid UUID", gin.H{"field": "id"})
		return
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	// Cancel pending sends before hiding the user. If the delete below
	// fails the user is still active and the next scan re-inserts them.
	_, err := h.logs.DeleteFutureNonTerminal(cctx, id)

	if err != nil {
		RespondInternal(ctx, "Could not delete user")
		return
	}

	err = h.users.SoftDelete(cctx, id)

	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			RespondNotFound(ctx, "User not found")
			return
		}

		RespondInternal(ctx, "Could not delete user")
		return
	}

	h.invalidateListCache()

	ctx.Status(http.StatusNoContent)
}

// GET /users?limit=20&tz=Europe/Berlin&q=ada&cursor=...

func (h *UsersHandler) ListUsers(ctx *gin.Context) {
	limit := parseIntDefault(ctx.Query("limit"), 20)
	if limit < 1 || limit > 100 {
		RespondBadRequest(ctx, "limit must be between 1 and 100", gin.H{"field": "limit"})
		return
	}

	filter := user.ListUsersFilter{Limit: limit}

	if q := ctx.Query("q"); q != "" {
		filter.Query = &q
	}

	if zone := ctx.Query("tz"); zone != "" {
		if err := tz.ValidateZone(zone); err != nil {
			RespondBadRequest(ctx, "tz must be a canonical IANA zone name", gin.H{"field": "tz"})
			return
		}
		filter.Timezone = &zone
	}

	cursor := ctx.Query("cursor")

	// DESC first-page sentinel: "far future" + max UUID
	afterCreatedAt := time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	afterID := "ffffffff-ffff-ffff-ffff-ffffffffffff"

	if cursor != "" {
		cur, err := utils.DecodeUserCursor(cursor)
		if err != nil {
			RespondBadRequest(ctx, "cursor is invalid", gin.H{"field": "cursor"})
			return
		}
		afterCreatedAt = cur.CreatedAt
		afterID = cur.ID
	}

	// Only the first page is cached, cursor pages are cheap keyset reads.
	cacheKey := ""
	if h.cache != nil && cursor == "" {
		cacheKey = utils.BuildUsersListCacheKey(limit, filter.Timezone, filter.Query)

		if cached, ok := h.cache.Get(cacheKey); ok {
			RespondJSONWithETag(ctx, http.StatusOK, cached)
			return
		}
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, next, hasMore, err := h.users.ListCursor(cctx, filter, afterCreatedAt, afterID)
	if err != nil {
		RespondInternal(ctx, "Could not list users")
		return
	}

	resp := gin.H{
		"limit":      limit,
		"count":      len(items),
		"items":      items,
		"hasMore":    hasMore,
		"nextCursor": next,
	}

	if cacheKey != "" {
		h.cache.Set(cacheKey, resp)
	}

	RespondJSONWithETag(ctx, http.StatusOK, resp)
}

func (h *UsersHandler) invalidateListCache() {
	if h.cache != nil {
		h.cache.Clear()
	}
}
