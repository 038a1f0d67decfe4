package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geocoder89/greethub/internal/domain/message"
	"github.com/geocoder89/greethub/internal/observability"
	"github.com/geocoder89/greethub/internal/utils"
)

var ErrLogNotTerminal = errors.New("message log is not in a terminal status")

type MessageLogsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func (repo *MessageLogsRepo) observe(op string, fn func() error) error {
	if repo.prom != nil {
		return repo.prom.ObserveDB(op, fn)
	}
	return fn()
}

func NewMessageLogsRepo(pool *pgxpool.Pool, prom *observability.Prom) *MessageLogsRepo {
	return &MessageLogsRepo{pool: pool, prom: prom}
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return false
}

// InsertScheduled writes one precomputed occurrence. The unique index on
// idempotency_key is the ground truth for exactly-once scheduling, a
// conflicting insert reports inserted=false and changes nothing.
func (r *MessageLogsRepo) InsertScheduled(ctx context.Context, log message.Log) (bool, error) {
	var tag pgconn.CommandTag
	var err error
	op := "message_logs.insert_scheduled"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `INSERT INTO message_logs(
		 id, user_id, message_type, message_content, scheduled_send_time, idempotency_key, status, retry_count, created_at, updated_at
		 ) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
		 )
		 ON CONFLICT (idempotency_key) DO NOTHING
		 `, log.ID, log.UserID, log.MessageType, log.MessageContent, log.ScheduledSendTime, log.IdempotencyKey, string(log.Status), log.RetryCount, log.CreatedAt, log.UpdatedAt)

		return err
	})

	if err != nil {
		return false, err
	}

	return tag.RowsAffected() == 1, nil
}

// ClaimDueBatch flips a batch of due logs to QUEUED in one statement and
// returns them for publishing. SKIP LOCKED keeps concurrent scheduler
// replicas from claiming the same rows. Due means SCHEDULED with the
// send time inside the lookahead horizon, or RETRYING with an elapsed
// backoff deadline.
func (r *MessageLogsRepo) ClaimDueBatch(ctx context.Context, horizon time.Duration, limit int) ([]message.Log, error) {
	if limit <= 0 {
		limit = 500
	}

	secs := int64(horizon.Seconds())

	if secs < 0 {
		secs = 0
	}

	var rows pgx.Rows
	var err error

	op := "message_logs.claim_due_batch"

	err = r.observe(op, func() error {
		rows, err = r.pool.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM message_logs
			WHERE (status = 'SCHEDULED' AND scheduled_send_time <= NOW() + ($1 * INTERVAL '1 second'))
			   OR (status = 'RETRYING' AND next_attempt_at IS NOT NULL AND next_attempt_at <= NOW() + ($1 * INTERVAL '1 second'))
			ORDER BY scheduled_send_time ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE message_logs
		SET status = 'QUEUED',
		    updated_at = NOW()
		WHERE id IN (SELECT id FROM due)
		RETURNING id, user_id, message_type, message_content, scheduled_send_time, idempotency_key,
		          status, retry_count, last_attempt_at, sent_at, failure_reason,
		          created_at, updated_at
	`, secs, limit)

		return err
	})

	if err != nil {
		return nil, err
	}

	defer rows.Close()

	out := make([]message.Log, 0, limit)

	for rows.Next() {
		var l message.Log
		var status string

		if scanErr := rows.Scan(
			&l.ID, &l.UserID, &l.MessageType, &l.MessageContent, &l.ScheduledSendTime, &l.IdempotencyKey,
			&status, &l.RetryCount, &l.LastAttemptAt, &l.SentAt, &l.FailureReason,
			&l.CreatedAt, &l.UpdatedAt,
		); scanErr != nil {
			return nil, scanErr
		}

		l.Status = message.Status(status)
		out = append(out, l)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return out, nil
}

// Release puts a claimed log back to SCHEDULED after a failed publish so
// the next enqueue tick retries it.
func (r *MessageLogsRepo) Release(ctx context.Context, id string) error {
	var tag pgconn.CommandTag
	var err error
	op := "message_logs.release"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE message_logs
		SET status = 'SCHEDULED',
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'QUEUED'
	`, id)
		return err
	})

	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return message.ErrStatusConflict
	}

	return nil
}

// MarkSending claims one delivery attempt. Only a QUEUED log can move to
// SENDING, anything else means another worker got there first or the log
// is already settled.
func (r *MessageLogsRepo) MarkSending(ctx context.Context, id string) error {
	var tag pgconn.CommandTag
	var err error
	op := "message_logs.mark_sending"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE message_logs
		SET status = 'SENDING',
		    last_attempt_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'QUEUED'
	`, id)
		return err
	})

	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return message.ErrStatusConflict
	}

	return nil
}

// MarkSent settles a delivery. The guard on SENDING means a log that is
// already SENT stays untouched, the losing attempt sees ErrStatusConflict
// and treats it as a duplicate.
func (r *MessageLogsRepo) MarkSent(ctx context.Context, id string) error {
	var tag pgconn.CommandTag
	var err error
	op := "message_logs.mark_sent"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE message_logs
		SET status = 'SENT',
		    sent_at = NOW(),
		    failure_reason = NULL,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'SENDING'
	`, id)
		return err
	})

	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return message.ErrStatusConflict
	}

	return nil
}

// MarkRetrying books a failed attempt and parks the log until the
// backoff deadline. The enqueuer republishes it once next_attempt_at
// falls inside the lookahead horizon.
func (r *MessageLogsRepo) MarkRetrying(ctx context.Context, id string, nextAttemptAt time.Time, reason string) error {
	var tag pgconn.CommandTag
	var err error
	op := "message_logs.mark_retrying"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE message_logs
		SET status = 'RETRYING',
		    retry_count = retry_count + 1,
		    next_attempt_at = $2,
		    failure_reason = $3,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'SENDING'
	`, id, nextAttemptAt, reason)
		return err
	})

	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return message.ErrStatusConflict
	}

	return nil
}

func (r *MessageLogsRepo) MarkFailed(ctx context.Context, id string, reason string) error {
	var tag pgconn.CommandTag
	var err error
	op := "message_logs.mark_failed"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE message_logs
		SET status = 'FAILED',
		    failure_reason = $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'SENDING'
	`, id, reason)
		return err
	})

	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return message.ErrStatusConflict
	}

	return nil
}

// RequeueStale reopens logs stuck in transit longer than the grace
// period. Terminal rows are never touched and retry_count survives, so a
// crashed attempt still counts against the retry budget.
func (r *MessageLogsRepo) RequeueStale(ctx context.Context, grace time.Duration) (int64, error) {
	secs := int64(grace.Seconds())
	if secs <= 0 {
		secs = 300
	}
	var count int64
	var err error

	op := "message_logs.requeue_stale"
	err = r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
		UPDATE message_logs
		SET status = 'SCHEDULED',
		    next_attempt_at = NULL,
		    updated_at = NOW()
		WHERE status IN ('QUEUED','SENDING','RETRYING')
		  AND updated_at < NOW() - ($1 * INTERVAL '1 second')
	`, secs)

		if err != nil {
			return err
		}
		count = tag.RowsAffected()
		return nil
	})

	return count, err
}

func (r *MessageLogsRepo) GetByID(ctx context.Context, id string) (message.Log, error) {
	var l message.Log
	var status string
	var err error
	op := "message_logs.get_by_id"

	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		SELECT id, user_id, message_type, message_content, scheduled_send_time, idempotency_key,
		       status, retry_count, last_attempt_at, sent_at, failure_reason,
		       created_at, updated_at
		FROM message_logs
		WHERE id = $1
	`, id).Scan(
			&l.ID, &l.UserID, &l.MessageType, &l.MessageContent, &l.ScheduledSendTime, &l.IdempotencyKey,
			&status, &l.RetryCount, &l.LastAttemptAt, &l.SentAt, &l.FailureReason,
			&l.CreatedAt, &l.UpdatedAt,
		)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return message.Log{}, message.ErrNotFound
		}
		return message.Log{}, err
	}

	l.Status = message.Status(status)
	return l, nil
}

func (r *MessageLogsRepo) GetByIdempotencyKey(ctx context.Context, key string) (message.Log, error) {
	var l message.Log
	var status string
	var err error
	op := "message_logs.get_by_idempotency_key"

	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		SELECT id, user_id, message_type, message_content, scheduled_send_time, idempotency_key,
		       status, retry_count, last_attempt_at, sent_at, failure_reason,
		       created_at, updated_at
		FROM message_logs
		WHERE idempotency_key = $1
	`, key).Scan(
			&l.ID, &l.UserID, &l.MessageType, &l.MessageContent, &l.ScheduledSendTime, &l.IdempotencyKey,
			&status, &l.RetryCount, &l.LastAttemptAt, &l.SentAt, &l.FailureReason,
			&l.CreatedAt, &l.UpdatedAt,
		)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return message.Log{}, message.ErrNotFound
		}
		return message.Log{}, err
	}

	l.Status = message.Status(status)
	return l, nil
}

// DeleteFutureNonTerminal drops a user's not-yet-due occurrences after a
// timezone or event date change, the next daily run recreates them from
// the new data. SENT and FAILED rows are history and stay. A deleted row
// whose broker message is already in flight settles as a no-op at the
// worker.
func (r *MessageLogsRepo) DeleteFutureNonTerminal(ctx context.Context, userID string) (int64, error) {
	var count int64
	op := "message_logs.delete_future_non_terminal"

	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
		DELETE FROM message_logs
		WHERE user_id = $1
		  AND status IN ('SCHEDULED','QUEUED','SENDING','RETRYING')
		  AND scheduled_send_time > NOW()
	`, userID)

		if err != nil {
			return err
		}
		count = tag.RowsAffected()
		return nil
	})

	return count, err
}

// Admin ops endpoints

type ListLogsFilter struct {
	Status      *string
	MessageType *string
	UserID      *string
}

func (r *MessageLogsRepo) ListCursor(
	ctx context.Context,
	filter ListLogsFilter,
	limit int,
	afterUpdatedAt time.Time,
	afterID string,
) (items []message.Log, nextCursor *string, hasMore bool, err error) {
	op := "message_logs.admin.list_cursor"

	base := `
		SELECT id, user_id, message_type, message_content, scheduled_send_time, idempotency_key,
		       status, retry_count, last_attempt_at, sent_at, failure_reason,
		       created_at, updated_at
		FROM message_logs
	`

	var (
		conds   []string
		args    []any
		argsPos = 1
	)

	if filter.Status != nil {
		conds = append(conds, fmt.Sprintf("status = $%d", argsPos))
		args = append(args, *filter.Status)
		argsPos++
	}

	if filter.MessageType != nil {
		conds = append(conds, fmt.Sprintf("message_type = $%d", argsPos))
		args = append(args, *filter.MessageType)
		argsPos++
	}

	if filter.UserID != nil {
		conds = append(conds, fmt.Sprintf("user_id = $%d", argsPos))
		args = append(args, *filter.UserID)
		argsPos++
	}

	// DESC keyset: fetch rows "older" than cursor
	conds = append(conds, fmt.Sprintf("(updated_at, id) < ($%d, $%d)", argsPos, argsPos+1))
	args = append(args, afterUpdatedAt, afterID)
	argsPos += 2

	q := base
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}

	limitPlusOne := limit + 1
	q += fmt.Sprintf(" ORDER BY updated_at DESC, id DESC LIMIT $%d", argsPos)
	args = append(args, limitPlusOne)

	var rows pgx.Rows

	err = r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, q, args...)
		return qerr
	})
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	out := make([]message.Log, 0, limit)

	for rows.Next() {
		var l message.Log
		var st string

		if scanErr := rows.Scan(
			&l.ID, &l.UserID, &l.MessageType, &l.MessageContent, &l.ScheduledSendTime, &l.IdempotencyKey,
			&st, &l.RetryCount, &l.LastAttemptAt, &l.SentAt, &l.FailureReason,
			&l.CreatedAt, &l.UpdatedAt,
		); scanErr != nil {
			return nil, nil, false, scanErr
		}
		l.Status = message.Status(st)
		out = append(out, l)
	}

	if rows.Err() != nil {
		return nil, nil, false, rows.Err()
	}

	if len(out) > limit {
		hasMore = true
		out = out[:limit]
		last := out[len(out)-1]

		cur, encErr := utils.EncodeLogCursor(last.UpdatedAt, last.ID)
		if encErr != nil {
			return nil, nil, false, encErr
		}
		nextCursor = &cur
	}

	return out, nextCursor, hasMore, nil
}

func (r *MessageLogsRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows pgx.Rows
	var err error
	op := "message_logs.admin.count_by_status"

	err = r.observe(op, func() error {
		rows, err = r.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM message_logs
		GROUP BY status
	`)
		return err
	})

	if err != nil {
		return nil, err
	}

	defer rows.Close()

	out := make(map[string]int64)

	for rows.Next() {
		var status string
		var count int64

		if scanErr := rows.Scan(&status, &count); scanErr != nil {
			return nil, scanErr
		}

		out[status] = count
	}

	return out, rows.Err()
}

// Replay clones a settled log into a fresh SCHEDULED row with a marked
// idempotency key. The original row is never reopened. The row lock
// keeps two concurrent replays of the same log from both reading a
// terminal status before either clone lands.
func (r *MessageLogsRepo) Replay(ctx context.Context, id string, suffix string) (message.Log, error) {
	var clone message.Log
	op := "message_logs.admin.replay"

	err := r.observe(op, func() error {
		tx, err := r.pool.Begin(ctx)

		if err != nil {
			return err
		}

		defer func() { _ = tx.Rollback(ctx) }()

		var orig message.Log
		var status string

		err = tx.QueryRow(ctx, `
		SELECT id, user_id, message_type, message_content, scheduled_send_time, idempotency_key,
		       status, retry_count, last_attempt_at, sent_at, failure_reason,
		       created_at, updated_at
		FROM message_logs
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(
			&orig.ID, &orig.UserID, &orig.MessageType, &orig.MessageContent, &orig.ScheduledSendTime, &orig.IdempotencyKey,
			&status, &orig.RetryCount, &orig.LastAttemptAt, &orig.SentAt, &orig.FailureReason,
			&orig.CreatedAt, &orig.UpdatedAt,
		)

		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return message.ErrNotFound
			}
			return err
		}

		orig.Status = message.Status(status)

		if !orig.Status.IsTerminal() {
			return ErrLogNotTerminal
		}

		// the clone reuses the original content so the replayed send is
		// byte-identical to the first one
		clone = message.New(message.CreateRequest{
			UserID:            orig.UserID,
			MessageType:       orig.MessageType,
			MessageContent:    orig.MessageContent,
			ScheduledSendTime: time.Now().UTC(),
			IdempotencyKey:    fmt.Sprintf("%s#r%s", orig.IdempotencyKey, suffix),
		})

		_, err = tx.Exec(ctx, `INSERT INTO message_logs(
		 id, user_id, message_type, message_content, scheduled_send_time, idempotency_key, status, retry_count, created_at, updated_at
		 ) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
		 )
		 `, clone.ID, clone.UserID, clone.MessageType, clone.MessageContent, clone.ScheduledSendTime, clone.IdempotencyKey, string(clone.Status), clone.RetryCount, clone.CreatedAt, clone.UpdatedAt)

		if err != nil {
			return err
		}

		return tx.Commit(ctx)
	})

	if err != nil {
		return message.Log{}, err
	}

	return clone, nil
}
