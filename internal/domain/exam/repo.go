package exam

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ExamTypeRepository interface {
	Create(ctx context.Context, et *ExamType) error
	GetByID(ctx context.Context, id uuid.UUID) (*ExamType, error)
	GetByName(ctx context.Context, name string) (*ExamType, error)
}

type RequestRepository interface {
	Create(ctx context.Context, r *ExamRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*ExamRequest, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	// FindInWindow returns non-cancelled requests for the patient and exam
	// type scheduled within [from, to], earliest first.
	FindInWindow(ctx context.Context, patientID, examTypeID uuid.UUID, from, to time.Time) ([]*ExamRequest, error)
}

type ResultRepository interface {
	Create(ctx context.Context, res *ExamResult) error
	GetByRequest(ctx context.Context, requestID uuid.UUID) (*ExamResult, error)
	ListByUpload(ctx context.Context, uploadID uuid.UUID, limit, offset int) ([]*ExamResult, int, error)
}
