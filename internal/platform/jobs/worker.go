package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/domain/labimport"
)

// Importer runs a stored upload. *labimport.Service satisfies it.
type Importer interface {
	RunUpload(ctx context.Context, uploadID uuid.UUID) (*labimport.UploadRecord, error)
}

// ImportHandler processes TypeImportUpload tasks.
type ImportHandler struct {
	importer Importer
	logger   zerolog.Logger
}

func NewImportHandler(importer Importer, logger zerolog.Logger) *ImportHandler {
	return &ImportHandler{importer: importer, logger: logger}
}

// ProcessTask implements asynq.Handler. Uploads that are gone or no longer
// pending are skipped without retry; the record already tells their story.
func (h *ImportHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	p, err := ParseImportPayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log := h.logger.With().Str("upload_id", p.UploadID.String()).Logger()

	u, err := h.importer.RunUpload(ctx, p.UploadID)
	switch {
	case errors.Is(err, labimport.ErrUploadNotFound), errors.Is(err, labimport.ErrInvalidTransition):
		log.Warn().Err(err).Msg("import skipped")
		return nil
	case err != nil:
		log.Error().Err(err).Msg("import failed")
		return err
	}
	log.Info().Str("status", string(u.Status)).
		Int("processed", u.ProcessedRecords).Int("failed", u.FailedRecords).
		Msg("import finished")
	return nil
}

// NewMux routes every task type the worker understands.
func NewMux(h *ImportHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeImportUpload, h)
	return mux
}

// NewServer builds the asynq server that runs imports with the given
// concurrency.
func NewServer(opt asynq.RedisConnOpt, concurrency int, logger zerolog.Logger) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueImports: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task_type", task.Type()).Msg("task error")
		}),
		Logger:   asynqLogger{logger},
		LogLevel: asynq.InfoLevel,
	})
}

// asynqLogger adapts zerolog to asynq.Logger.
type asynqLogger struct{ l zerolog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
