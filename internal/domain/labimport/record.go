package labimport

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxSummaryFailures caps how many row failures are copied into ErrorSummary.
const maxSummaryFailures = 20

var uploadTransitions = map[UploadStatus][]UploadStatus{
	StatusPending:               {StatusProcessing},
	StatusProcessing:            {StatusCompleted, StatusCompletedWithWarnings, StatusFailed},
	StatusCompleted:             {},
	StatusCompletedWithWarnings: {},
	StatusFailed:                {},
}

// ValidateTransition reports whether an upload may move from one status to
// another.
func ValidateTransition(from, to UploadStatus) error {
	allowed, ok := uploadTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %s", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}

// FinalStatus decides the terminal status of a run that iterated its rows.
func FinalStatus(total, processed, failed int) UploadStatus {
	switch {
	case failed == 0:
		return StatusCompleted
	case processed == 0 && total > 0:
		return StatusFailed
	default:
		return StatusCompletedWithWarnings
	}
}

// NewUploadRecord returns a pending record for a stored file.
func NewUploadRecord(fileName string, size int64, hash, blobID string, uploadedBy uuid.UUID) *UploadRecord {
	return &UploadRecord{
		ID:         uuid.New(),
		FileName:   fileName,
		FileSize:   size,
		FileHash:   hash,
		BlobID:     blobID,
		Headers:    []string{},
		Status:     StatusPending,
		UploadedBy: uploadedBy,
		CreatedAt:  time.Now().UTC(),
	}
}

func (u *UploadRecord) transition(to UploadStatus) error {
	if err := ValidateTransition(u.Status, to); err != nil {
		return err
	}
	u.Status = to
	return nil
}

// Begin moves a pending record to processing.
func (u *UploadRecord) Begin(now time.Time) error {
	if err := u.transition(StatusProcessing); err != nil {
		return err
	}
	u.ProcessingStartedAt = &now
	u.AppendLog(now, LevelInfo, 0, "Processing started")
	return nil
}

// SetTotal fixes the number of data rows. It may be called once per run.
func (u *UploadRecord) SetTotal(n int) error {
	if u.totalSet || u.TotalRecords != 0 {
		return ErrTotalAlreadySet
	}
	if n < u.ProcessedRecords+u.FailedRecords {
		return ErrCountOverflow
	}
	u.TotalRecords = n
	u.totalSet = true
	return nil
}

func (u *UploadRecord) checkRoom() error {
	if u.Status != StatusProcessing {
		return fmt.Errorf("%w: rows counted while %s", ErrInvalidTransition, u.Status)
	}
	if u.ProcessedRecords+u.FailedRecords+1 > u.TotalRecords {
		return ErrCountOverflow
	}
	return nil
}

// RecordRowSuccess counts one processed row.
func (u *UploadRecord) RecordRowSuccess() error {
	if err := u.checkRoom(); err != nil {
		return err
	}
	u.ProcessedRecords++
	return nil
}

// RecordRowFailure counts one failed row and logs the reason.
func (u *UploadRecord) RecordRowFailure(now time.Time, row int, reason string) error {
	if err := u.checkRoom(); err != nil {
		return err
	}
	u.FailedRecords++
	u.AppendLog(now, LevelError, row, fmt.Sprintf("Row %d failed: %s", row, reason))
	return nil
}

// Finish moves a processing record to its terminal status and writes the
// error summary and the closing log entry.
func (u *UploadRecord) Finish(now time.Time) error {
	status := FinalStatus(u.TotalRecords, u.ProcessedRecords, u.FailedRecords)
	if err := u.transition(status); err != nil {
		return err
	}
	u.ProcessingCompletedAt = &now
	u.ErrorSummary = u.rowFailureSummary()
	level := LevelInfo
	if status != StatusCompleted {
		level = LevelWarning
	}
	u.AppendLog(now, level, 0, fmt.Sprintf("Processed %d of %d rows (%d failed)",
		u.ProcessedRecords, u.TotalRecords, u.FailedRecords))
	return nil
}

// Fail aborts the run. Every message is logged and joined into ErrorSummary.
// A pending record is moved through processing first.
func (u *UploadRecord) Fail(now time.Time, messages ...string) error {
	if u.Status == StatusPending {
		if err := u.Begin(now); err != nil {
			return err
		}
	}
	if err := u.transition(StatusFailed); err != nil {
		return err
	}
	u.ProcessingCompletedAt = &now
	for _, m := range messages {
		u.AppendLog(now, LevelError, 0, m)
	}
	u.ErrorSummary = strings.Join(messages, "; ")
	return nil
}

func (u *UploadRecord) AppendLog(now time.Time, level string, row int, msg string) {
	u.ProcessingLog = append(u.ProcessingLog, LogEntry{Timestamp: now, Level: level, Row: row, Message: msg})
}

func (u *UploadRecord) rowFailureSummary() string {
	var failures []string
	for _, e := range u.ProcessingLog {
		if e.Level == LevelError && e.Row > 0 {
			failures = append(failures, e.Message)
			if len(failures) == maxSummaryFailures {
				break
			}
		}
	}
	if len(failures) == 0 {
		return ""
	}
	summary := strings.Join(failures, "\n")
	if u.FailedRecords > len(failures) {
		summary += fmt.Sprintf("\n... and %d more", u.FailedRecords-len(failures))
	}
	return summary
}

func (u *UploadRecord) SuccessRate() float64 {
	if u.TotalRecords == 0 {
		return 0
	}
	return float64(u.ProcessedRecords) / float64(u.TotalRecords) * 100
}

func (u *UploadRecord) FailureRate() float64 {
	if u.TotalRecords == 0 {
		return 0
	}
	return float64(u.FailedRecords) / float64(u.TotalRecords) * 100
}
