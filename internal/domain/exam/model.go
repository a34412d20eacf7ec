package exam

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExamRequest statuses.
const (
	StatusPending   = "pending"
	StatusScheduled = "scheduled"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

var (
	ErrNotFound         = errors.New("exam record not found")
	ErrResultExists     = errors.New("exam request already has a result")
	ErrRequestCancelled = errors.New("exam request is cancelled")
)

// ExamType maps to the exam_type table.
type ExamType struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	DefaultUnit string    `db:"default_unit" json:"default_unit"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ExamRequest maps to the exam_request table. A request has at most one
// result and moves to completed when that result is recorded.
type ExamRequest struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	DoctorID    uuid.UUID `db:"doctor_id" json:"doctor_id"`
	ExamTypeID  uuid.UUID `db:"exam_type_id" json:"exam_type_id"`
	ScheduledAt time.Time `db:"scheduled_at" json:"scheduled_at"`
	Status      string    `db:"status" json:"status"`
	Notes       string    `db:"notes" json:"notes"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// ExamResult maps to the exam_result table. UploadID is nil for results
// entered outside the CSV import.
type ExamResult struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	RequestID       uuid.UUID       `db:"request_id" json:"request_id"`
	Value           decimal.Decimal `db:"value" json:"value"`
	Unit            string          `db:"unit" json:"unit"`
	LabTechnicianID uuid.UUID       `db:"lab_technician_id" json:"lab_technician_id"`
	PerformedAt     time.Time       `db:"performed_at" json:"performed_at"`
	Notes           string          `db:"notes" json:"notes"`
	UploadID        *uuid.UUID      `db:"upload_id" json:"upload_id,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// RequestWithResult is the read view returned by the API.
type RequestWithResult struct {
	*ExamRequest
	Result *ExamResult `json:"result,omitempty"`
}
