package labimport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/labflow/labflow/internal/domain/exam"
	"github.com/labflow/labflow/internal/domain/identity"
	"github.com/labflow/labflow/internal/platform/blobstore"
)

type UploadRepository interface {
	Create(ctx context.Context, u *UploadRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*UploadRecord, error)
	// Claim saves a record that Begin just moved to processing, but only
	// while the stored record is still pending. Otherwise it returns
	// ErrInvalidTransition and writes nothing.
	Claim(ctx context.Context, u *UploadRecord) error
	Update(ctx context.Context, u *UploadRecord) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*UploadRecord, int, error)
	// MarkStale fails every processing record not updated since cutoff and
	// returns the ids it touched.
	MarkStale(ctx context.Context, cutoff time.Time, message string) ([]uuid.UUID, error)
}

// UserDirectory finds users for the resolver. Lookups that find nothing
// return identity.ErrNotFound.
type UserDirectory interface {
	FindByEmailWithRole(ctx context.Context, email, role string) (*identity.User, error)
	// FirstWithRole returns the oldest active user holding role.
	FirstWithRole(ctx context.Context, role string) (*identity.User, error)
	HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error)
}

// ExamTypeDirectory returns exam.ErrNotFound for unknown names.
type ExamTypeDirectory interface {
	FindByName(ctx context.Context, name string) (*exam.ExamType, error)
}

type ExamRequests interface {
	FindMatching(ctx context.Context, patientID, examTypeID uuid.UUID, from, to time.Time) ([]*exam.ExamRequest, error)
	CreateRequest(ctx context.Context, r *exam.ExamRequest) error
	HasResult(ctx context.Context, requestID uuid.UUID) (bool, error)
}

type ExamResults interface {
	RecordResult(ctx context.Context, res *exam.ExamResult) error
}

// TxRunner runs fn in one transaction. LockKey serializes concurrent
// transactions on the same key until commit.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	LockKey(ctx context.Context, key string) error
}

type BlobStore interface {
	Put(ctx context.Context, meta blobstore.Metadata, content []byte) (*blobstore.Metadata, error)
	Get(ctx context.Context, id string) ([]byte, *blobstore.Metadata, error)
}

// Dispatcher hands a pending upload to the background worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, uploadID uuid.UUID) error
}
