package exam

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	types    ExamTypeRepository
	requests RequestRepository
	results  ResultRepository
}

func NewService(et ExamTypeRepository, rq RequestRepository, rs ResultRepository) *Service {
	return &Service{types: et, requests: rq, results: rs}
}

// -- Request Workflow State Machine --

var requestTransitions = map[string][]string{
	StatusPending:   {StatusScheduled, StatusCompleted, StatusCancelled},
	StatusScheduled: {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

var ErrInvalidTransition = errors.New("invalid exam request transition")

// ValidateTransition reports whether an exam request may move from one status
// to another.
func ValidateTransition(from, to string) error {
	allowed, ok := requestTransitions[from]
	if !ok {
		return fmt.Errorf("unknown from-status: %s", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}

// -- ExamType --

func (s *Service) CreateExamType(ctx context.Context, et *ExamType) error {
	et.Name = strings.TrimSpace(et.Name)
	if et.Name == "" {
		return fmt.Errorf("name is required")
	}
	return s.types.Create(ctx, et)
}

// ExamTypeByName looks an exam type up by exact name.
func (s *Service) ExamTypeByName(ctx context.Context, name string) (*ExamType, error) {
	return s.types.GetByName(ctx, name)
}

// -- ExamRequest --

func (s *Service) CreateRequest(ctx context.Context, r *ExamRequest) error {
	if r.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if r.DoctorID == uuid.Nil {
		return fmt.Errorf("doctor_id is required")
	}
	if r.ExamTypeID == uuid.Nil {
		return fmt.Errorf("exam_type_id is required")
	}
	if r.ScheduledAt.IsZero() {
		return fmt.Errorf("scheduled_at is required")
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if _, ok := requestTransitions[r.Status]; !ok {
		return fmt.Errorf("invalid status: %s", r.Status)
	}
	return s.requests.Create(ctx, r)
}

func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*ExamRequest, error) {
	return s.requests.GetByID(ctx, id)
}

// GetRequestWithResult returns the request and its result, if one exists.
func (s *Service) GetRequestWithResult(ctx context.Context, id uuid.UUID) (*RequestWithResult, error) {
	r, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &RequestWithResult{ExamRequest: r}
	res, err := s.results.GetByRequest(ctx, id)
	switch {
	case err == nil:
		out.Result = res
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return out, nil
}

func (s *Service) TransitionRequest(ctx context.Context, id uuid.UUID, to string) error {
	r, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := ValidateTransition(r.Status, to); err != nil {
		return err
	}
	return s.requests.UpdateStatus(ctx, id, to)
}

// FindMatching returns live requests for the patient and exam type whose
// scheduled time lies within tolerance of at, earliest first.
func (s *Service) FindMatching(ctx context.Context, patientID, examTypeID uuid.UUID, at time.Time, tolerance time.Duration) ([]*ExamRequest, error) {
	return s.FindInWindow(ctx, patientID, examTypeID, at.Add(-tolerance), at.Add(tolerance))
}

func (s *Service) FindInWindow(ctx context.Context, patientID, examTypeID uuid.UUID, from, to time.Time) ([]*ExamRequest, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("window end %s is before start %s", to, from)
	}
	return s.requests.FindInWindow(ctx, patientID, examTypeID, from, to)
}

// HasResult reports whether a result is already attached to the request.
func (s *Service) HasResult(ctx context.Context, requestID uuid.UUID) (bool, error) {
	_, err := s.results.GetByRequest(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// -- ExamResult --

// RecordResult attaches a result to its request and completes the request.
// A request that already has a result is rejected with ErrResultExists.
func (s *Service) RecordResult(ctx context.Context, res *ExamResult) error {
	if res.RequestID == uuid.Nil {
		return fmt.Errorf("request_id is required")
	}
	if res.LabTechnicianID == uuid.Nil {
		return fmt.Errorf("lab_technician_id is required")
	}
	if res.PerformedAt.IsZero() {
		return fmt.Errorf("performed_at is required")
	}
	r, err := s.requests.GetByID(ctx, res.RequestID)
	if err != nil {
		return err
	}
	if r.Status == StatusCancelled {
		return ErrRequestCancelled
	}
	exists, err := s.HasResult(ctx, r.ID)
	if err != nil {
		return err
	}
	if exists {
		return ErrResultExists
	}
	if err := s.results.Create(ctx, res); err != nil {
		return err
	}
	if r.Status == StatusCompleted {
		return nil
	}
	if err := ValidateTransition(r.Status, StatusCompleted); err != nil {
		return err
	}
	return s.requests.UpdateStatus(ctx, r.ID, StatusCompleted)
}

func (s *Service) ListResultsByUpload(ctx context.Context, uploadID uuid.UUID, limit, offset int) ([]*ExamResult, int, error) {
	return s.results.ListByUpload(ctx, uploadID, limit, offset)
}
