package clinic

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opdflow/opdflow/internal/platform/db"
)

const uniqueViolation = "23505"

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const clinicCols = `code, name, description, is_active, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, c *Clinic) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO opd (code, name, description, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		c.Code, c.Name, c.Description, c.Active,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*Clinic, error) {
	var c Clinic
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+clinicCols+` FROM opd WHERE code = $1`, code).
		Scan(&c.Code, &c.Name, &c.Description, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) Update(ctx context.Context, c *Clinic) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE opd SET name = $2, description = $3, is_active = $4, updated_at = NOW()
		WHERE code = $1
		RETURNING updated_at`,
		c.Code, c.Name, c.Description, c.Active,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *repoPG) List(ctx context.Context, activeOnly bool) ([]*Clinic, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+clinicCols+` FROM opd
		WHERE NOT $1 OR is_active
		ORDER BY code`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*Clinic
	for rows.Next() {
		var c Clinic
		if err := rows.Scan(&c.Code, &c.Name, &c.Description, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &c)
	}
	return list, rows.Err()
}
