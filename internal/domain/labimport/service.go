package labimport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/platform/blobstore"
)

// DefaultProgressEvery is how many rows are processed between progress saves.
const DefaultProgressEvery = 50

// abortSaveTimeout bounds the final save after a run has been aborted.
const abortSaveTimeout = 10 * time.Second

var ErrNoDispatcher = errors.New("no background dispatcher configured")

// Service drives lab result imports from upload to terminal status.
type Service struct {
	uploads       UploadRepository
	blobs         BlobStore
	resolver      *Resolver
	matcher       *Matcher
	dispatcher    Dispatcher
	logger        zerolog.Logger
	progressEvery int
	now           func() time.Time
}

func NewService(uploads UploadRepository, blobs BlobStore, resolver *Resolver, matcher *Matcher, logger zerolog.Logger, progressEvery int) *Service {
	if progressEvery <= 0 {
		progressEvery = DefaultProgressEvery
	}
	return &Service{
		uploads:       uploads,
		blobs:         blobs,
		resolver:      resolver,
		matcher:       matcher,
		logger:        logger.With().Str("component", "labimport").Logger(),
		progressEvery: progressEvery,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetDispatcher attaches the background worker client.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// HasDispatcher reports whether uploads can be handed to a worker.
func (s *Service) HasDispatcher() bool {
	return s.dispatcher != nil
}

// Analyze reports the structure of raw without writing anything.
func (s *Service) Analyze(raw []byte) *Analysis {
	return Analyze(raw)
}

// CreateUpload stores raw and creates a pending record for it.
func (s *Service) CreateUpload(ctx context.Context, fileName string, raw []byte, uploader uuid.UUID) (*UploadRecord, error) {
	if uploader == uuid.Nil {
		return nil, fmt.Errorf("uploader is required")
	}
	meta, err := s.blobs.Put(ctx, blobstore.Metadata{
		FileName:    fileName,
		ContentType: "text/csv",
		CreatedBy:   uploader.String(),
	}, raw)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	u := NewUploadRecord(fileName, meta.Size, meta.Hash, meta.ID, uploader)
	if err := s.uploads.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("create upload record: %w", err)
	}
	s.logger.Info().Str("upload_id", u.ID.String()).Str("file_name", fileName).
		Int64("size", u.FileSize).Msg("upload received")
	return u, nil
}

// Dispatch queues a pending upload for the background worker.
func (s *Service) Dispatch(ctx context.Context, uploadID uuid.UUID) error {
	if s.dispatcher == nil {
		return ErrNoDispatcher
	}
	return s.dispatcher.Dispatch(ctx, uploadID)
}

// RunUpload loads the stored bytes of a pending upload and imports them.
func (s *Service) RunUpload(ctx context.Context, uploadID uuid.UUID) (*UploadRecord, error) {
	u, err := s.uploads.GetByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if u.Status != StatusPending {
		return nil, fmt.Errorf("%w: upload %s is %s", ErrInvalidTransition, u.ID, u.Status)
	}
	raw, _, err := s.blobs.Get(ctx, u.BlobID)
	if err != nil {
		log := s.runLogger(u)
		return s.abort(ctx, log, u, fmt.Errorf("load stored file: %w", err))
	}
	return s.ImportFile(ctx, uploadID, raw)
}

// ImportFile runs the whole pipeline for one pending upload. Structural and
// row problems end up on the record; the returned error is non-nil only when
// the record cannot be loaded or is not pending, including when another run
// claimed it first.
func (s *Service) ImportFile(ctx context.Context, uploadID uuid.UUID, raw []byte) (*UploadRecord, error) {
	u, err := s.uploads.GetByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if u.Status != StatusPending {
		return nil, fmt.Errorf("%w: upload %s is %s", ErrInvalidTransition, u.ID, u.Status)
	}
	log := s.runLogger(u)

	if err := u.Begin(s.now()); err != nil {
		return nil, err
	}
	if err := s.uploads.Claim(ctx, u); err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrUploadNotFound) {
			log.Warn().Err(err).Msg("upload taken by another run")
			return nil, err
		}
		return s.abort(ctx, log, u, err)
	}

	a := Analyze(raw)
	u.Encoding = a.Encoding
	u.Delimiter = a.Delimiter
	u.Headers = a.Headers
	if !a.ValidForImport {
		log.Warn().Strs("errors", a.ValidationErrors).Msg("file failed structural validation")
		return s.abort(ctx, log, u, nil, a.ValidationErrors...)
	}
	rows, err := ParseRows(a, a.Text())
	if err != nil {
		return s.abort(ctx, log, u, err)
	}

	if err := u.SetTotal(len(rows)); err != nil {
		return s.abort(ctx, log, u, err)
	}
	u.AppendLog(s.now(), LevelInfo, 0, fmt.Sprintf("Detected %s encoding, %q delimiter, %d data rows",
		a.Encoding, a.Delimiter, len(rows)))
	if err := s.uploads.Update(ctx, u); err != nil {
		return s.abort(ctx, log, u, err)
	}
	log.Info().Int("total", len(rows)).Msg("import started")

	run := runInfo{UploadID: u.ID, FileName: u.FileName, UploadedBy: u.UploadedBy}
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return s.abort(ctx, log, u, err)
		}
		out, fatal := s.processRow(ctx, run, row)
		if fatal != nil {
			return s.abort(ctx, log, u, fatal)
		}
		if err := s.recordOutcome(log, u, out); err != nil {
			return s.abort(ctx, log, u, err)
		}
		if (i+1)%s.progressEvery == 0 && i+1 < len(rows) {
			if err := s.uploads.Update(ctx, u); err != nil {
				return s.abort(ctx, log, u, err)
			}
		}
	}

	if err := u.Finish(s.now()); err != nil {
		return s.abort(ctx, log, u, err)
	}
	if err := s.uploads.Update(ctx, u); err != nil {
		log.Error().Err(err).Msg("could not persist finished upload")
		return u, nil
	}
	log.Info().Str("status", string(u.Status)).
		Int("processed", u.ProcessedRecords).
		Int("failed", u.FailedRecords).
		Msg("import finished")
	return u, nil
}

func (s *Service) runLogger(u *UploadRecord) zerolog.Logger {
	return s.logger.With().Str("upload_id", u.ID.String()).Str("file_name", u.FileName).Logger()
}

// processRow resolves and applies one row. A panic or a row-scoped error
// becomes a failed outcome; only cancellation is returned as fatal.
func (s *Service) processRow(ctx context.Context, run runInfo, row Row) (out RowOutcome, fatal error) {
	defer func() {
		if r := recover(); r != nil {
			out = failedRow(row.Number, fmt.Sprintf("internal error: %v", r))
			fatal = nil
		}
	}()
	rr, err := s.resolver.Resolve(ctx, row)
	if err != nil {
		return classifyRowError(row.Number, err)
	}
	out, err = s.matcher.Apply(ctx, run, rr)
	if err != nil {
		return classifyRowError(row.Number, err)
	}
	return out, nil
}

func classifyRowError(n int, err error) (RowOutcome, error) {
	var re *RowError
	if errors.As(err, &re) {
		return failedRow(n, re.Reason), nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return RowOutcome{}, err
	}
	return failedRow(n, err.Error()), nil
}

func (s *Service) recordOutcome(log zerolog.Logger, u *UploadRecord, out RowOutcome) error {
	now := s.now()
	if out.Status == RowFailure {
		log.Warn().Int("row", out.Row).Str("reason", out.Reason).Msg("row failed")
		return u.RecordRowFailure(now, out.Row, out.Reason)
	}
	if err := u.RecordRowSuccess(); err != nil {
		return err
	}
	switch {
	case out.RequestCreated:
		u.AppendLog(now, LevelInfo, out.Row, fmt.Sprintf("Row %d: auto-created exam request %s", out.Row, out.RequestID))
	case out.Reused && !out.ResultCreated:
		u.AppendLog(now, LevelInfo, out.Row, fmt.Sprintf("Row %d: exam request %s already has a result, nothing imported", out.Row, out.RequestID))
	case out.Reused:
		u.AppendLog(now, LevelInfo, out.Row, fmt.Sprintf("Row %d: matched exam request %s", out.Row, out.RequestID))
	}
	log.Debug().Int("row", out.Row).
		Str("request_id", out.RequestID.String()).
		Bool("request_created", out.RequestCreated).
		Bool("result_created", out.ResultCreated).
		Msg("row processed")
	return nil
}

// abort fails the run with cause, or with messages when cause is nil, and
// saves the record with a context that outlives cancellation of ctx.
func (s *Service) abort(ctx context.Context, log zerolog.Logger, u *UploadRecord, cause error, messages ...string) (*UploadRecord, error) {
	if cause != nil {
		log.Error().Err(cause).Msg("import aborted")
		messages = []string{cause.Error()}
	}
	if !u.Status.Terminal() {
		if err := u.Fail(s.now(), messages...); err != nil {
			log.Error().Err(err).Msg("could not mark upload failed")
		}
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortSaveTimeout)
	defer cancel()
	if err := s.uploads.Update(saveCtx, u); err != nil {
		log.Error().Err(err).Msg("could not persist failed upload")
	}
	return u, nil
}

// Reprocess creates a new pending upload over the same stored file as a
// failed or partially failed one.
func (s *Service) Reprocess(ctx context.Context, uploadID, uploader uuid.UUID) (*UploadRecord, error) {
	orig, err := s.uploads.GetByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if orig.Status != StatusFailed && orig.Status != StatusCompletedWithWarnings {
		return nil, fmt.Errorf("%w: upload %s is %s", ErrNotReprocessable, orig.ID, orig.Status)
	}
	if uploader == uuid.Nil {
		uploader = orig.UploadedBy
	}
	u := NewUploadRecord(orig.FileName, orig.FileSize, orig.FileHash, orig.BlobID, uploader)
	u.ReprocessOf = &orig.ID
	u.AppendLog(s.now(), LevelInfo, 0, fmt.Sprintf("Reprocessing upload %s", orig.ID))
	if err := s.uploads.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("create upload record: %w", err)
	}
	s.logger.Info().Str("upload_id", u.ID.String()).Str("reprocess_of", orig.ID.String()).Msg("reprocess requested")
	return u, nil
}

// MarkStale fails processing uploads that made no progress within olderThan.
func (s *Service) MarkStale(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	cutoff := s.now().Add(-olderThan)
	ids, err := s.uploads.MarkStale(ctx, cutoff, fmt.Sprintf("Import abandoned: no progress for %s", olderThan))
	if err != nil {
		return nil, fmt.Errorf("mark stale uploads: %w", err)
	}
	for _, id := range ids {
		s.logger.Warn().Str("upload_id", id.String()).Msg("stale import marked failed")
	}
	return ids, nil
}

func (s *Service) GetUpload(ctx context.Context, id uuid.UUID) (*UploadRecord, error) {
	return s.uploads.GetByID(ctx, id)
}

func (s *Service) ListUploads(ctx context.Context, f ListFilter, limit, offset int) ([]*UploadRecord, int, error) {
	return s.uploads.List(ctx, f, limit, offset)
}

func (s *Service) GetProcessingLog(ctx context.Context, id uuid.UUID) ([]LogEntry, error) {
	u, err := s.uploads.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return u.ProcessingLog, nil
}

// GetFile returns the stored bytes of an upload.
func (s *Service) GetFile(ctx context.Context, id uuid.UUID) (*UploadRecord, []byte, error) {
	u, err := s.uploads.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	raw, _, err := s.blobs.Get(ctx, u.BlobID)
	if err != nil {
		return nil, nil, err
	}
	return u, raw, nil
}
