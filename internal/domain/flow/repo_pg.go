package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opdflow/opdflow/internal/domain/patient"
	"github.com/opdflow/opdflow/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func conn(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// -- Queue --

type queueRepoPG struct {
	pool *pgxpool.Pool
}

func NewQueueRepo(pool *pgxpool.Pool) QueueStore {
	return &queueRepoPG{pool: pool}
}

const entryCols = `id, opd_code, patient_id, position, status, created_at, updated_at`

func (r *queueRepoPG) ListByOPD(ctx context.Context, code string) ([]*QueueEntry, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+entryCols+` FROM queue_entry WHERE opd_code = $1 ORDER BY position`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *queueRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*QueueEntry, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+entryCols+` FROM queue_entry WHERE patient_id = $1 ORDER BY opd_code`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *queueRepoPG) FindByPatientAndOPD(ctx context.Context, patientID uuid.UUID, code string) (*QueueEntry, error) {
	en, err := scanEntry(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+entryCols+` FROM queue_entry WHERE patient_id = $1 AND opd_code = $2`, patientID, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return en, err
}

func (r *queueRepoPG) Insert(ctx context.Context, e *QueueEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO queue_entry (id, opd_code, patient_id, position, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.OPDCode, e.PatientID, e.Position, string(e.Status), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (r *queueRepoPG) Update(ctx context.Context, e *QueueEntry) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE queue_entry SET status = $2, updated_at = $3 WHERE id = $1`,
		e.ID, string(e.Status), e.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %s vanished", e.ID)
	}
	return nil
}

func (r *queueRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM queue_entry WHERE id = $1`, id)
	return err
}

// NextPosition bumps the clinic's high-water mark, so positions of
// deleted entries are never handed out again.
func (r *queueRepoPG) NextPosition(ctx context.Context, code string) (int, error) {
	var pos int
	err := conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE opd SET last_position = GREATEST(
			last_position,
			(SELECT COALESCE(MAX(position), 0) FROM queue_entry WHERE opd_code = $1)
		) + 1
		WHERE code = $1
		RETURNING last_position`, code).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidClinic, code)
	}
	return pos, err
}

func (r *queueRepoPG) LockClinics(ctx context.Context, codes []string) error {
	if len(codes) == 0 || db.TxFromContext(ctx) == nil {
		return nil
	}
	_, err := conn(ctx, r.pool).Exec(ctx,
		`SELECT code FROM opd WHERE code = ANY($1) ORDER BY code FOR UPDATE`, codes)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*QueueEntry, error) {
	var (
		e      QueueEntry
		status string
	)
	if err := row.Scan(&e.ID, &e.OPDCode, &e.PatientID, &e.Position, &status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	st, err := patient.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("queue entry %s: %w", e.ID, err)
	}
	e.Status = st
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*QueueEntry, error) {
	var list []*QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// -- Audit --

type auditRepoPG struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) AuditLog {
	return &auditRepoPG{pool: pool}
}

func (r *auditRepoPG) Append(ctx context.Context, rec *FlowRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO patient_flow (id, patient_id, from_room, to_room, status, timestamp, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.PatientID, rec.FromRoom, rec.ToRoom, string(rec.Status), rec.Timestamp, rec.Notes,
	)
	return err
}

func (r *auditRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*FlowRecord, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, patient_id, from_room, to_room, status, timestamp, notes
		FROM patient_flow WHERE patient_id = $1 ORDER BY timestamp, id`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*FlowRecord
	for rows.Next() {
		var (
			rec    FlowRecord
			status string
		)
		if err := rows.Scan(&rec.ID, &rec.PatientID, &rec.FromRoom, &rec.ToRoom, &status, &rec.Timestamp, &rec.Notes); err != nil {
			return nil, err
		}
		if rec.Status, err = patient.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("flow record %s: %w", rec.ID, err)
		}
		list = append(list, &rec)
	}
	return list, rows.Err()
}

func (r *auditRepoPG) DeleteByPatient(ctx context.Context, patientID uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM patient_flow WHERE patient_id = $1`, patientID)
	return err
}

func (r *auditRepoPG) Query(ctx context.Context, filter FlowFilter, limit, offset int) ([]*FlowLogItem, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.PatientID != uuid.Nil {
		args = append(args, filter.PatientID)
		where = append(where, fmt.Sprintf("f.patient_id = $%d", len(args)))
	}
	if filter.OPDCode != "" {
		args = append(args, patient.RoomForOPD(filter.OPDCode))
		where = append(where, fmt.Sprintf("(f.from_room = $%d OR f.to_room = $%d)", len(args), len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("f.status = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		where = append(where, fmt.Sprintf("f.timestamp >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		where = append(where, fmt.Sprintf("f.timestamp < $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM patient_flow f`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT f.id, f.patient_id, f.from_room, f.to_room, f.status, f.timestamp, f.notes, p.token_number, p.name
		FROM patient_flow f JOIN patient p ON p.id = f.patient_id` + clause + `
		ORDER BY f.timestamp DESC, f.id DESC`
	if limit > 0 {
		args = append(args, limit, offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var list []*FlowLogItem
	for rows.Next() {
		var (
			it     FlowLogItem
			status string
		)
		if err := rows.Scan(&it.ID, &it.PatientID, &it.FromRoom, &it.ToRoom, &status, &it.Timestamp, &it.Notes, &it.Token, &it.Name); err != nil {
			return nil, 0, err
		}
		if it.Status, err = patient.ParseStatus(status); err != nil {
			return nil, 0, fmt.Errorf("flow record %s: %w", it.ID, err)
		}
		list = append(list, &it)
	}
	return list, total, rows.Err()
}
