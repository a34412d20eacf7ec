package labimport

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/labflow/labflow/internal/domain/exam"
	"github.com/labflow/labflow/internal/domain/identity"
)

// userDirectory adapts identity.UserRepository to UserDirectory.
type userDirectory struct {
	repo identity.UserRepository
}

func NewUserDirectory(repo identity.UserRepository) UserDirectory {
	return &userDirectory{repo: repo}
}

func (d *userDirectory) FindByEmailWithRole(ctx context.Context, email, role string) (*identity.User, error) {
	return d.repo.FindByEmailWithRole(ctx, email, role)
}

func (d *userDirectory) FirstWithRole(ctx context.Context, role string) (*identity.User, error) {
	return d.repo.FirstWithRole(ctx, role)
}

func (d *userDirectory) HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error) {
	u, err := d.repo.GetByID(ctx, userID)
	if errors.Is(err, identity.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Active && u.HasRole(role), nil
}

// ExamCatalog exposes exam.Service as the exam type, request and result
// collaborators of the import.
type ExamCatalog struct {
	svc *exam.Service
}

func NewExamCatalog(svc *exam.Service) *ExamCatalog {
	return &ExamCatalog{svc: svc}
}

func (c *ExamCatalog) FindByName(ctx context.Context, name string) (*exam.ExamType, error) {
	return c.svc.ExamTypeByName(ctx, name)
}

func (c *ExamCatalog) FindMatching(ctx context.Context, patientID, examTypeID uuid.UUID, from, to time.Time) ([]*exam.ExamRequest, error) {
	return c.svc.FindInWindow(ctx, patientID, examTypeID, from, to)
}

func (c *ExamCatalog) CreateRequest(ctx context.Context, r *exam.ExamRequest) error {
	return c.svc.CreateRequest(ctx, r)
}

func (c *ExamCatalog) HasResult(ctx context.Context, requestID uuid.UUID) (bool, error) {
	return c.svc.HasResult(ctx, requestID)
}

func (c *ExamCatalog) RecordResult(ctx context.Context, res *exam.ExamResult) error {
	return c.svc.RecordResult(ctx, res)
}
