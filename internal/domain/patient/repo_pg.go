package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opdflow/opdflow/internal/platform/db"
)

type repoPG struct {
	pool       *pgxpool.Pool
	tokenStart int
}

// NewRepo returns the PostgreSQL repository. tokenStart is the first number
// handed out each day.
func NewRepo(pool *pgxpool.Pool, tokenStart int) Repository {
	if tokenStart < 1 {
		tokenStart = 1
	}
	return &repoPG{pool: pool, tokenStart: tokenStart}
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

const patientCols = `id, token_number, name, age, phone, registration_time, current_status,
	allocated_opd, current_room, is_dilated, dilation_time, dilation_flag,
	referred_from, referred_to, completed_at, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (
			id, token_number, name, age, phone, registration_time, current_status,
			allocated_opd, current_room, is_dilated, dilation_time, dilation_flag,
			referred_from, referred_to, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at, updated_at`,
		p.ID, p.Token, p.Name, p.Age, p.Phone, p.RegisteredAt, string(p.Status),
		p.AllocatedOPD, p.CurrentRoom, p.IsDilated, p.DilationTime, p.DilationFlag,
		p.ReferredFrom, p.ReferredTo, p.CompletedAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error) {
	sql := `SELECT ` + patientCols + ` FROM patient WHERE id = $1`
	if db.TxFromContext(ctx) != nil {
		sql += ` FOR UPDATE`
	}
	return scanPatient(r.conn(ctx).QueryRow(ctx, sql, id))
}

func (r *repoPG) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Patient, error) {
	out := make(map[uuid.UUID]*Patient, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := collectPatients(rows)
	if err != nil {
		return nil, err
	}
	for _, p := range list {
		out[p.ID] = p
	}
	return out, nil
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET
			name=$2, age=$3, phone=$4, current_status=$5,
			allocated_opd=$6, current_room=$7, is_dilated=$8, dilation_time=$9, dilation_flag=$10,
			referred_from=$11, referred_to=$12, completed_at=$13, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.Name, p.Age, p.Phone, string(p.Status),
		p.AllocatedOPD, p.CurrentRoom, p.IsDilated, p.DilationTime, p.DilationFlag,
		p.ReferredFrom, p.ReferredTo, p.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("current_status = $%d", len(args)))
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+s+"%")
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR token_number ILIKE $%d OR phone ILIKE $%d)", len(args), len(args), len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM patient%s ORDER BY registration_time DESC LIMIT $%d OFFSET $%d`,
			patientCols, clause, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list, err := collectPatients(rows)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (r *repoPG) ListReferred(ctx context.Context, from, to string) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE current_status = 'referred'
		  AND ($1 = '' OR referred_from = $1)
		  AND ($2 = '' OR referred_to = $2)
		ORDER BY registration_time ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPatients(rows)
}

func (r *repoPG) ListCompletedSince(ctx context.Context, since time.Time) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE completed_at IS NOT NULL AND completed_at >= $1
		ORDER BY completed_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPatients(rows)
}

func (r *repoPG) ListRegisteredBetween(ctx context.Context, from, to time.Time) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE registration_time >= $1 AND registration_time < $2
		ORDER BY registration_time`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPatients(rows)
}

func (r *repoPG) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT current_status, COUNT(*) FROM patient GROUP BY current_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			raw string
			n   int
		)
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, err
		}
		st, err := ParseStatus(raw)
		if err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (r *repoPG) NextTokenNumber(ctx context.Context, day time.Time) (string, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO token_sequence (day, last_value) VALUES ($1, $2)
		ON CONFLICT (day) DO UPDATE SET last_value = token_sequence.last_value + 1
		RETURNING last_value`, TokenDay(day), r.tokenStart).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("next token for %s: %w", TokenDay(day), err)
	}
	return NewToken(day, n)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInto(row scanner) (*Patient, error) {
	var (
		p      Patient
		status string
	)
	err := row.Scan(
		&p.ID, &p.Token, &p.Name, &p.Age, &p.Phone, &p.RegisteredAt, &status,
		&p.AllocatedOPD, &p.CurrentRoom, &p.IsDilated, &p.DilationTime, &p.DilationFlag,
		&p.ReferredFrom, &p.ReferredTo, &p.CompletedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.Status, err = ParseStatus(status); err != nil {
		return nil, fmt.Errorf("patient %s: %w", p.ID, err)
	}
	return &p, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	p, err := scanInto(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func collectPatients(rows pgx.Rows) ([]*Patient, error) {
	var list []*Patient
	for rows.Next() {
		p, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
