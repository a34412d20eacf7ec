package labimport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labflow/labflow/internal/platform/db"
)

type uploadRepoPG struct {
	pool *pgxpool.Pool
}

func NewUploadRepoPG(pool *pgxpool.Pool) UploadRepository {
	return &uploadRepoPG{pool: pool}
}

func (r *uploadRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const uploadCols = `id, file_name, file_size, file_hash, blob_id, encoding, delimiter, headers,
	status, total_records, processed_records, failed_records, processing_log, error_summary,
	uploaded_by, reprocess_of, created_at, updated_at, processing_started_at, processing_completed_at`

func (r *uploadRepoPG) scan(row pgx.Row) (*UploadRecord, error) {
	var u UploadRecord
	var status string
	err := row.Scan(&u.ID, &u.FileName, &u.FileSize, &u.FileHash, &u.BlobID, &u.Encoding, &u.Delimiter, &u.Headers,
		&status, &u.TotalRecords, &u.ProcessedRecords, &u.FailedRecords, &u.ProcessingLog, &u.ErrorSummary,
		&u.UploadedBy, &u.ReprocessOf, &u.CreatedAt, &u.UpdatedAt, &u.ProcessingStartedAt, &u.ProcessingCompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Status = UploadStatus(status)
	return &u, nil
}

func logOrEmpty(entries []LogEntry) []LogEntry {
	if entries == nil {
		return []LogEntry{}
	}
	return entries
}

func headersOrEmpty(h []string) []string {
	if h == nil {
		return []string{}
	}
	return h
}

func (r *uploadRepoPG) Create(ctx context.Context, u *UploadRecord) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_upload (id, file_name, file_size, file_hash, blob_id, encoding, delimiter, headers,
			status, total_records, processed_records, failed_records, processing_log, error_summary,
			uploaded_by, reprocess_of)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at`,
		u.ID, u.FileName, u.FileSize, u.FileHash, u.BlobID, u.Encoding, u.Delimiter, headersOrEmpty(u.Headers),
		string(u.Status), u.TotalRecords, u.ProcessedRecords, u.FailedRecords, logOrEmpty(u.ProcessingLog), u.ErrorSummary,
		u.UploadedBy, u.ReprocessOf,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
}

func (r *uploadRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*UploadRecord, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+uploadCols+` FROM lab_upload WHERE id = $1`, id))
}

func (r *uploadRepoPG) Claim(ctx context.Context, u *UploadRecord) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE lab_upload SET
			status = $2, processing_log = $3, processing_started_at = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING updated_at`,
		u.ID, string(u.Status), logOrEmpty(u.ProcessingLog), u.ProcessingStartedAt,
	).Scan(&u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.missingOr(ctx, u.ID, fmt.Errorf("%w: upload %s is already claimed", ErrInvalidTransition, u.ID))
	}
	return err
}

// missingOr returns ErrUploadNotFound when id does not exist, else err.
func (r *uploadRepoPG) missingOr(ctx context.Context, id uuid.UUID, err error) error {
	var exists bool
	if qerr := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lab_upload WHERE id = $1)`, id).Scan(&exists); qerr != nil {
		return qerr
	}
	if !exists {
		return ErrUploadNotFound
	}
	return err
}

// Update writes the mutable fields. Records that are already terminal in
// the database are left alone and ErrInvalidTransition is returned.
func (r *uploadRepoPG) Update(ctx context.Context, u *UploadRecord) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE lab_upload SET
			encoding = $2, delimiter = $3, headers = $4, status = $5,
			total_records = $6, processed_records = $7, failed_records = $8,
			processing_log = $9, error_summary = $10,
			processing_started_at = $11, processing_completed_at = $12,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING updated_at`,
		u.ID, u.Encoding, u.Delimiter, headersOrEmpty(u.Headers), string(u.Status),
		u.TotalRecords, u.ProcessedRecords, u.FailedRecords,
		logOrEmpty(u.ProcessingLog), u.ErrorSummary,
		u.ProcessingStartedAt, u.ProcessingCompletedAt,
	).Scan(&u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.missingOr(ctx, u.ID, fmt.Errorf("%w: upload %s is already finished", ErrInvalidTransition, u.ID))
	}
	return err
}

func (r *uploadRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*UploadRecord, int, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.UploadedBy != nil {
		args = append(args, *f.UploadedBy)
		where = append(where, fmt.Sprintf("uploaded_by = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_upload`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM lab_upload%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		uploadCols, clause, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*UploadRecord
	for rows.Next() {
		u, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, u)
	}
	return items, total, rows.Err()
}

func (r *uploadRepoPG) MarkStale(ctx context.Context, cutoff time.Time, message string) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE lab_upload SET
			status = 'failed',
			error_summary = $2,
			processing_completed_at = NOW(),
			processing_log = processing_log || jsonb_build_array(jsonb_build_object(
				'timestamp', to_jsonb(NOW()), 'level', 'error', 'message', $2::text)),
			updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
		RETURNING id`, cutoff, message)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
