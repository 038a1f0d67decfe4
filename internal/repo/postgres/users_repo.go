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

	"github.com/geocoder89/greethub/internal/domain/user"
	"github.com/geocoder89/greethub/internal/observability"
	"github.com/geocoder89/greethub/internal/utils"
)

type UsersRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewUsersRepo(pool *pgxpool.Pool, prom *observability.Prom) *UsersRepo {
	return &UsersRepo{
		pool: pool,
		prom: prom,
	}
}

func (repo *UsersRepo) observe(op string, fn func() error) error {
	if repo.prom != nil {

		return repo.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (repo *UsersRepo) Create(ctx context.Context, u user.User) error {
	err := repo.observe("users.create", func() error {
		_, e := repo.pool.Exec(ctx, `
			INSERT INTO users (id, first_name, last_name, email, timezone, birthday_date, anniversary_date, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, u.ID, u.FirstName, u.LastName, u.Email, u.Timezone, u.BirthdayDate, u.AnniversaryDate, u.CreatedAt, u.UpdatedAt)
		return e
	})

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "users_email_uniq" {
			return user.ErrEmailTaken
		}
		return err
	}

	return nil
}

func (repo *UsersRepo) GetByID(ctx context.Context, id string) (user.User, error) {
	var u user.User

	err := repo.observe("users.get_by_id", func() error {
		return repo.pool.QueryRow(ctx, `
			SELECT id, first_name, last_name, email, timezone, birthday_date, anniversary_date, created_at, updated_at
			FROM users
			WHERE id = $1 AND deleted_at IS NULL
		`, id).Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Timezone, &u.BirthdayDate, &u.AnniversaryDate, &u.CreatedAt, &u.UpdatedAt)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, err
	}

	return u, nil
}

func (repo *UsersRepo) Update(ctx context.Context, u user.User) (user.User, error) {
	var out user.User

	err := repo.observe("users.update", func() error {
		return repo.pool.QueryRow(ctx, `
			UPDATE users
			SET first_name = $2,
					last_name = $3,
					email = $4,
					timezone = $5,
					birthday_date = $6,
					anniversary_date = $7,
					updated_at = NOW()
			WHERE id = $1 AND deleted_at IS NULL
			RETURNING id, first_name, last_name, email, timezone, birthday_date, anniversary_date, created_at, updated_at
		`, u.ID, u.FirstName, u.LastName, u.Email, u.Timezone, u.BirthdayDate, u.AnniversaryDate).Scan(
			&out.ID, &out.FirstName, &out.LastName, &out.Email, &out.Timezone, &out.BirthdayDate, &out.AnniversaryDate, &out.CreatedAt, &out.UpdatedAt,
		)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return user.User{}, user.ErrNotFound
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "users_email_uniq" {
			return user.User{}, user.ErrEmailTaken
		}
		return user.User{}, err
	}

	return out, nil
}

// SoftDelete hides the user from the API and from scheduling scans. The
// row stays so historical message logs keep a valid user reference.
func (repo *UsersRepo) SoftDelete(ctx context.Context, id string) (err error) {
	var tag pgconn.CommandTag
	op := "users.soft_delete"

	err = repo.observe(op, func() error {
		var err error
		tag, err = repo.pool.Exec(ctx, `
			UPDATE users
			SET deleted_at = NOW(),
					updated_at = NOW()
			WHERE id = $1 AND deleted_at IS NULL
		`, id)

		return err
	})

	if err != nil {
		return
	}

	if tag.RowsAffected() == 0 {
		err = user.ErrNotFound

		return
	}

	return
}

func (repo *UsersRepo) ListCursor(
	ctx context.Context,
	filter user.ListUsersFilter,
	afterCreatedAt time.Time,
	afterID string,
) (items []user.User, nextCursor *string, hasMore bool, err error) {
	op := "users.list_cursor"

	base := `
		SELECT id, first_name, last_name, email, timezone, birthday_date, anniversary_date, created_at, updated_at
		FROM users
	`

	conds := []string{"deleted_at IS NULL"}
	var args []interface{}

	argsPosition := 1

	if filter.Timezone != nil {
		conds = append(conds, fmt.Sprintf("timezone = $%d", argsPosition))
		args = append(args, *filter.Timezone)
		argsPosition++
	}

	if filter.Query != nil {
		conds = append(conds, fmt.Sprintf("(first_name ILIKE $%d OR last_name ILIKE $%d OR email ILIKE $%d)", argsPosition, argsPosition, argsPosition))
		args = append(args, "%"+*filter.Query+"%")
		argsPosition++
	}

	// DESC keyset: newest first
	conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", argsPosition, argsPosition+1))
	args = append(args, afterCreatedAt, afterID)
	argsPosition += 2

	limitPlusOne := filter.Limit + 1

	q := base + " WHERE " + strings.Join(conds, " AND ") +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", argsPosition)
	args = append(args, limitPlusOne)

	var rows pgx.Rows

	err = repo.observe(op, func() error {
		var qerr error
		rows, qerr = repo.pool.Query(ctx, q, args...)
		return qerr
	})
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	out := make([]user.User, 0, filter.Limit)

	for rows.Next() {
		var u user.User
		if scanErr := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Timezone, &u.BirthdayDate, &u.AnniversaryDate, &u.CreatedAt, &u.UpdatedAt); scanErr != nil {
			return nil, nil, false, scanErr
		}
		out = append(out, u)
	}
	if rows.Err() != nil {
		return nil, nil, false, rows.Err()
	}

	if len(out) > filter.Limit {
		hasMore = true
		out = out[:filter.Limit]
		last := out[len(out)-1]
		cur, encErr := utils.EncodeUserCursor(last.CreatedAt, last.ID)
		if encErr != nil {
			return nil, nil, false, encErr
		}
		nextCursor = &cur
	}

	return out, nextCursor, hasMore, nil
}

// ListCandidatesBatch pages through users whose birthday or anniversary
// falls on any of the given calendar days. The day match is a coarse
// prefilter, the scheduler still resolves the exact local send instant
// per user. Callers page with afterID until a short batch comes back.
func (repo *UsersRepo) ListCandidatesBatch(
	ctx context.Context,
	days []user.MonthDay,
	afterID string,
	limit int,
) ([]user.User, error) {
	if len(days) == 0 {
		return []user.User{}, nil
	}

	if limit <= 0 {
		limit = 500
	}

	op := "users.list_candidates_batch"

	var birthdayConds []string
	var anniversaryConds []string
	var args []interface{}

	argsPosition := 1

	for _, d := range days {
		birthdayConds = append(birthdayConds,
			fmt.Sprintf("(EXTRACT(MONTH FROM birthday_date) = $%d AND EXTRACT(DAY FROM birthday_date) = $%d)", argsPosition, argsPosition+1))
		anniversaryConds = append(anniversaryConds,
			fmt.Sprintf("(EXTRACT(MONTH FROM anniversary_date) = $%d AND EXTRACT(DAY FROM anniversary_date) = $%d)", argsPosition, argsPosition+1))
		args = append(args, int(d.Month), d.Day)
		argsPosition += 2
	}

	q := fmt.Sprintf(`
		SELECT id, first_name, last_name, email, timezone, birthday_date, anniversary_date, created_at, updated_at
		FROM users
		WHERE deleted_at IS NULL
		  AND id > $%d
		  AND (
		    (%s)
		    OR (anniversary_date IS NOT NULL AND (%s))
		  )
		ORDER BY id ASC
		LIMIT $%d
	`, argsPosition, strings.Join(birthdayConds, " OR "), strings.Join(anniversaryConds, " OR "), argsPosition+1)

	args = append(args, afterID, limit)

	var rows pgx.Rows
	var err error

	err = repo.observe(op, func() error {
		rows, err = repo.pool.Query(ctx, q, args...)
		return err
	})

	if err != nil {
		return nil, err
	}

	defer rows.Close()

	out := make([]user.User, 0, limit)

	for rows.Next() {
		var u user.User

		if scanErr := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Timezone, &u.BirthdayDate, &u.AnniversaryDate, &u.CreatedAt, &u.UpdatedAt); scanErr != nil {
			return nil, scanErr
		}

		out = append(out, u)
	}

	return out, rows.Err()
}

func (repo *UsersRepo) Count(ctx context.Context) (int64, error) {
	op := "users.count"
	var total int64
	err := repo.observe(op, func() error {
		return repo.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE deleted_at IS NULL`).Scan(&total)
	})
	return total, err
}
