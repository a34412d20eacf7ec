package exam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labflow/labflow/internal/platform/db"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== ExamType Repository ===========

type examTypeRepoPG struct{ pool *pgxpool.Pool }

func NewExamTypeRepoPG(pool *pgxpool.Pool) ExamTypeRepository {
	return &examTypeRepoPG{pool: pool}
}

func (r *examTypeRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const examTypeCols = `id, name, default_unit, created_at`

func (r *examTypeRepoPG) scan(row pgx.Row) (*ExamType, error) {
	var et ExamType
	if err := row.Scan(&et.ID, &et.Name, &et.DefaultUnit, &et.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &et, nil
}

func (r *examTypeRepoPG) Create(ctx context.Context, et *ExamType) error {
	if et.ID == uuid.Nil {
		et.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO exam_type (id, name, default_unit) VALUES ($1, $2, $3)
		RETURNING created_at`, et.ID, et.Name, et.DefaultUnit).Scan(&et.CreatedAt)
}

func (r *examTypeRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ExamType, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+examTypeCols+` FROM exam_type WHERE id = $1`, id))
}

func (r *examTypeRepoPG) GetByName(ctx context.Context, name string) (*ExamType, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+examTypeCols+` FROM exam_type WHERE name = $1`, name))
}

// =========== ExamRequest Repository ===========

type requestRepoPG struct{ pool *pgxpool.Pool }

func NewRequestRepoPG(pool *pgxpool.Pool) RequestRepository {
	return &requestRepoPG{pool: pool}
}

func (r *requestRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const requestCols = `id, patient_id, doctor_id, exam_type_id, scheduled_at, status, notes, created_at, updated_at`

func (r *requestRepoPG) scan(row pgx.Row) (*ExamRequest, error) {
	var er ExamRequest
	err := row.Scan(&er.ID, &er.PatientID, &er.DoctorID, &er.ExamTypeID, &er.ScheduledAt,
		&er.Status, &er.Notes, &er.CreatedAt, &er.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &er, nil
}

func (r *requestRepoPG) Create(ctx context.Context, er *ExamRequest) error {
	if er.ID == uuid.Nil {
		er.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO exam_request (id, patient_id, doctor_id, exam_type_id, scheduled_at, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		er.ID, er.PatientID, er.DoctorID, er.ExamTypeID, er.ScheduledAt, er.Status, er.Notes,
	).Scan(&er.CreatedAt, &er.UpdatedAt)
}

func (r *requestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ExamRequest, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM exam_request WHERE id = $1`, id))
}

func (r *requestRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE exam_request SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *requestRepoPG) FindInWindow(ctx context.Context, patientID, examTypeID uuid.UUID, from, to time.Time) ([]*ExamRequest, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+requestCols+` FROM exam_request
		WHERE patient_id = $1 AND exam_type_id = $2
		  AND scheduled_at BETWEEN $3 AND $4
		  AND status <> 'cancelled'
		ORDER BY scheduled_at ASC, created_at ASC, id ASC`,
		patientID, examTypeID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ExamRequest
	for rows.Next() {
		er, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, er)
	}
	return items, rows.Err()
}

// =========== ExamResult Repository ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository {
	return &resultRepoPG{pool: pool}
}

func (r *resultRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const resultCols = `id, request_id, value, unit, lab_technician_id, performed_at, notes, upload_id, created_at`

func (r *resultRepoPG) scan(row pgx.Row) (*ExamResult, error) {
	var res ExamResult
	err := row.Scan(&res.ID, &res.RequestID, &res.Value, &res.Unit, &res.LabTechnicianID,
		&res.PerformedAt, &res.Notes, &res.UploadID, &res.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &res, nil
}

func (r *resultRepoPG) Create(ctx context.Context, res *ExamResult) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO exam_result (id, request_id, value, unit, lab_technician_id, performed_at, notes, upload_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		res.ID, res.RequestID, res.Value, res.Unit, res.LabTechnicianID, res.PerformedAt, res.Notes, res.UploadID,
	).Scan(&res.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrResultExists
	}
	if err != nil {
		return fmt.Errorf("insert exam result: %w", err)
	}
	return nil
}

func (r *resultRepoPG) GetByRequest(ctx context.Context, requestID uuid.UUID) (*ExamResult, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+resultCols+` FROM exam_result WHERE request_id = $1`, requestID))
}

func (r *resultRepoPG) ListByUpload(ctx context.Context, uploadID uuid.UUID, limit, offset int) ([]*ExamResult, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM exam_result WHERE upload_id = $1`, uploadID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+resultCols+` FROM exam_result WHERE upload_id = $1
		ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`, uploadID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ExamResult
	for rows.Next() {
		res, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, res)
	}
	return items, total, rows.Err()
}
