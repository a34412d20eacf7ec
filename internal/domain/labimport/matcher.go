package labimport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/labflow/labflow/internal/domain/exam"
	"github.com/labflow/labflow/internal/domain/identity"
)

// DefaultMatchTolerance is how far a request's scheduled time may lie from
// the measurement time and still be reused.
const DefaultMatchTolerance = 24 * time.Hour

// runInfo identifies the upload a row belongs to.
type runInfo struct {
	UploadID   uuid.UUID
	FileName   string
	UploadedBy uuid.UUID
}

// Matcher attaches a resolved row to an exam request, reusing a scheduled one
// when possible, and records the result.
type Matcher struct {
	users     UserDirectory
	requests  ExamRequests
	results   ExamResults
	tx        TxRunner
	tolerance time.Duration
}

func NewMatcher(users UserDirectory, requests ExamRequests, results ExamResults, tx TxRunner, tolerance time.Duration) *Matcher {
	if tolerance <= 0 {
		tolerance = DefaultMatchTolerance
	}
	return &Matcher{users: users, requests: requests, results: results, tx: tx, tolerance: tolerance}
}

func lockKey(rr *resolvedRow) string {
	return "labimport:" + rr.PatientID.String() + ":" + rr.ExamTypeID.String()
}

// Apply runs match-or-create, technician lookup and result creation in one
// transaction. A *RowError means the row is rejected and nothing was written.
func (m *Matcher) Apply(ctx context.Context, run runInfo, rr *resolvedRow) (RowOutcome, error) {
	out := RowOutcome{Row: rr.Number, Status: RowSuccess}
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := m.tx.LockKey(ctx, lockKey(rr)); err != nil {
			return err
		}

		req, err := m.matchExisting(ctx, rr)
		if err != nil {
			return err
		}
		if req != nil {
			out.Reused = true
			out.RequestID = req.ID
			has, err := m.requests.HasResult(ctx, req.ID)
			if err != nil {
				return fmt.Errorf("check result for request %s: %w", req.ID, err)
			}
			if has {
				return nil
			}
		} else {
			req, err = m.createCompletedRequest(ctx, run, rr)
			if err != nil {
				return err
			}
			out.RequestID = req.ID
			out.RequestCreated = true
		}

		techID, err := m.labTechnician(ctx, run.UploadedBy)
		if err != nil {
			return err
		}

		uploadID := run.UploadID
		res := &exam.ExamResult{
			RequestID:       req.ID,
			Value:           rr.Value,
			Unit:            rr.Unit,
			LabTechnicianID: techID,
			PerformedAt:     rr.MeasuredAt,
			Notes:           fmt.Sprintf("Imported from upload %s (%s), row %d", run.UploadID, run.FileName, rr.Number),
			UploadID:        &uploadID,
		}
		if err := m.results.RecordResult(ctx, res); err != nil {
			if errors.Is(err, exam.ErrResultExists) {
				return rowErrorf("Exam request already has a result")
			}
			return fmt.Errorf("record result: %w", err)
		}
		out.ResultID = res.ID
		out.ResultCreated = true
		return nil
	})
	if err != nil {
		return RowOutcome{}, err
	}
	return out, nil
}

// matchExisting returns the earliest live request within tolerance of the
// measurement, or nil.
func (m *Matcher) matchExisting(ctx context.Context, rr *resolvedRow) (*exam.ExamRequest, error) {
	found, err := m.requests.FindMatching(ctx, rr.PatientID, rr.ExamTypeID,
		rr.MeasuredAt.Add(-m.tolerance), rr.MeasuredAt.Add(m.tolerance))
	if err != nil {
		return nil, fmt.Errorf("find matching requests: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// createCompletedRequest makes a request for a measurement nobody ordered,
// assigned to the first available doctor.
func (m *Matcher) createCompletedRequest(ctx context.Context, run runInfo, rr *resolvedRow) (*exam.ExamRequest, error) {
	doctor, err := m.users.FirstWithRole(ctx, identity.RoleDoctor)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, rowErrorf("No doctor available to assign auto-created exam request")
	}
	if err != nil {
		return nil, fmt.Errorf("find doctor: %w", err)
	}
	req := &exam.ExamRequest{
		PatientID:   rr.PatientID,
		DoctorID:    doctor.ID,
		ExamTypeID:  rr.ExamTypeID,
		ScheduledAt: rr.MeasuredAt,
		Status:      exam.StatusCompleted,
		Notes:       fmt.Sprintf("Auto-created from CSV import %s (upload %s), row %d", run.FileName, run.UploadID, rr.Number),
	}
	if err := m.requests.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create exam request: %w", err)
	}
	return req, nil
}

// labTechnician credits the uploader when they are a lab technician and
// otherwise the first available one.
func (m *Matcher) labTechnician(ctx context.Context, uploader uuid.UUID) (uuid.UUID, error) {
	if uploader != uuid.Nil {
		ok, err := m.users.HasRole(ctx, uploader, identity.RoleLabTechnician)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("check uploader role: %w", err)
		}
		if ok {
			return uploader, nil
		}
	}
	tech, err := m.users.FirstWithRole(ctx, identity.RoleLabTechnician)
	if errors.Is(err, identity.ErrNotFound) {
		return uuid.Nil, rowErrorf("No lab technician available")
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("find lab technician: %w", err)
	}
	return tech.ID, nil
}
