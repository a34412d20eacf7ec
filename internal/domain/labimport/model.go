package labimport

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UploadStatus is the lifecycle state of an UploadRecord.
type UploadStatus string

const (
	StatusPending               UploadStatus = "pending"
	StatusProcessing            UploadStatus = "processing"
	StatusCompleted             UploadStatus = "completed"
	StatusCompletedWithWarnings UploadStatus = "completed_with_warnings"
	StatusFailed                UploadStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s UploadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCompletedWithWarnings || s == StatusFailed
}

var (
	ErrUploadNotFound    = errors.New("upload not found")
	ErrInvalidTransition = errors.New("invalid upload status transition")
	ErrTotalAlreadySet   = errors.New("total records already set")
	ErrCountOverflow     = errors.New("processed plus failed would exceed total")
	ErrNotReprocessable  = errors.New("upload cannot be reprocessed")
)

// Log levels used in the processing log.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// LogEntry is one line of an upload's processing log. Row is 0 for
// file-level messages.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Row       int       `json:"row,omitempty"`
	Message   string    `json:"message"`
}

// UploadRecord tracks one import run of one CSV file.
type UploadRecord struct {
	ID                    uuid.UUID    `db:"id" json:"id"`
	FileName              string       `db:"file_name" json:"file_name"`
	FileSize              int64        `db:"file_size" json:"file_size"`
	FileHash              string       `db:"file_hash" json:"file_hash"`
	BlobID                string       `db:"blob_id" json:"blob_id"`
	Encoding              string       `db:"encoding" json:"encoding,omitempty"`
	Delimiter             string       `db:"delimiter" json:"delimiter,omitempty"`
	Headers               []string     `db:"headers" json:"headers"`
	Status                UploadStatus `db:"status" json:"status"`
	TotalRecords          int          `db:"total_records" json:"total_records"`
	ProcessedRecords      int          `db:"processed_records" json:"processed_records"`
	FailedRecords         int          `db:"failed_records" json:"failed_records"`
	ProcessingLog         []LogEntry   `db:"processing_log" json:"-"`
	ErrorSummary          string       `db:"error_summary" json:"error_summary,omitempty"`
	UploadedBy            uuid.UUID    `db:"uploaded_by" json:"uploaded_by"`
	ReprocessOf           *uuid.UUID   `db:"reprocess_of" json:"reprocess_of,omitempty"`
	CreatedAt             time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time    `db:"updated_at" json:"updated_at"`
	ProcessingStartedAt   *time.Time   `db:"processing_started_at" json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time   `db:"processing_completed_at" json:"processing_completed_at,omitempty"`

	totalSet bool
}

// UploadView is the API representation of an UploadRecord with derived rates.
type UploadView struct {
	*UploadRecord
	SuccessRate float64 `json:"success_rate"`
	FailureRate float64 `json:"failure_rate"`
}

func (u *UploadRecord) View() *UploadView {
	return &UploadView{UploadRecord: u, SuccessRate: u.SuccessRate(), FailureRate: u.FailureRate()}
}

// ListFilter narrows ListUploads.
type ListFilter struct {
	Status     UploadStatus
	UploadedBy *uuid.UUID
}

// Row is one data row keyed by normalized header. Number is 1-based.
type Row struct {
	Number int
	Fields map[string]string
}

func (r Row) Get(key string) string {
	return r.Fields[key]
}

// RowError is a row-scoped failure whose message is shown to the uploader.
type RowError struct {
	Reason string
}

func (e *RowError) Error() string { return e.Reason }

func rowErrorf(reason string) *RowError { return &RowError{Reason: reason} }

// RowStatus is the tag of a RowOutcome.
type RowStatus string

const (
	RowSuccess RowStatus = "success"
	RowFailure RowStatus = "failure"
)

// RowOutcome is the result of processing a single row.
type RowOutcome struct {
	Row            int
	Status         RowStatus
	Reason         string
	RequestID      uuid.UUID
	ResultID       uuid.UUID
	RequestCreated bool
	ResultCreated  bool
	Reused         bool
}

func failedRow(n int, reason string) RowOutcome {
	return RowOutcome{Row: n, Status: RowFailure, Reason: reason}
}

// resolvedRow holds the entities a row refers to once they have been
// looked up.
type resolvedRow struct {
	Number     int
	PatientID  uuid.UUID
	ExamTypeID uuid.UUID
	ExamName   string
	Value      decimal.Decimal
	Unit       string
	MeasuredAt time.Time
}
