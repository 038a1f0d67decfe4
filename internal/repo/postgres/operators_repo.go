package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geocoder89/greethub/internal/domain/operator"
)

type OperatorsRepo struct {
	pool *pgxpool.Pool
}

func NewOperatorsRepo(pool *pgxpool.Pool) *OperatorsRepo {
	return &OperatorsRepo{pool: pool}
}

func (r *OperatorsRepo) GetByEmail(ctx context.Context, email string) (operator.Operator, error) {
	var o operator.Operator

	err := r.pool.QueryRow(
		ctx,
		`SELECT id, email, password_hash, name, role, created_at, updated_at
         FROM operators
         WHERE email = $1`,
		email,
	).Scan(
		&o.ID,
		&o.Email,
		&o.PasswordHash,
		&o.Name,
		&o.Role,
		&o.CreatedAt,
		&o.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {

			return operator.Operator{}, operator.ErrNotFound
		}

		return operator.Operator{}, err
	}
	return o, nil
}

func (r *OperatorsRepo) Create(ctx context.Context, o operator.Operator) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO operators (id, email, password_hash, name, role, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		o.ID, o.Email, o.PasswordHash, o.Name, o.Role, o.CreatedAt, o.UpdatedAt,
	)

	if err != nil {
		if IsUniqueViolation(err) {
			return operator.ErrEmailTaken
		}

		return err
	}

	return nil
}
