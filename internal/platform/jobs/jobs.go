// Package jobs queues lab upload imports on Redis through asynq and runs them
// in a worker process.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const (
	TypeImportUpload = "labimport:run"
	QueueImports     = "imports"

	// An import may run for a long time on large files; the stale sweeper
	// fails anything that stops making progress.
	importTimeout = 30 * time.Minute
)

// ImportPayload is the task body for TypeImportUpload.
type ImportPayload struct {
	UploadID uuid.UUID `json:"upload_id"`
}

// NewImportTask builds the task that imports one pending upload. The upload
// id doubles as the task id so the same upload is never queued twice.
func NewImportTask(uploadID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(ImportPayload{UploadID: uploadID})
	if err != nil {
		return nil, fmt.Errorf("marshal import payload: %w", err)
	}
	return asynq.NewTask(TypeImportUpload, payload,
		asynq.TaskID(uploadID.String()),
		asynq.Queue(QueueImports),
		asynq.MaxRetry(0),
		asynq.Timeout(importTimeout),
	), nil
}

// ParseImportPayload decodes a TypeImportUpload task body.
func ParseImportPayload(t *asynq.Task) (ImportPayload, error) {
	var p ImportPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode import payload: %w", err)
	}
	if p.UploadID == uuid.Nil {
		return p, fmt.Errorf("import payload has no upload_id")
	}
	return p, nil
}

// RedisOpt parses a redis:// URL into asynq connection options.
func RedisOpt(redisURL string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return opt, nil
}

// enqueuer is the part of *asynq.Client the dispatcher needs.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher enqueues imports for the worker.
type Dispatcher struct {
	client enqueuer
	logger zerolog.Logger
}

// NewDispatcher wraps an asynq client.
func NewDispatcher(client *asynq.Client, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{client: client, logger: logger}
}

func (d *Dispatcher) Dispatch(ctx context.Context, uploadID uuid.UUID) error {
	task, err := NewImportTask(uploadID)
	if err != nil {
		return err
	}
	info, err := d.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue import %s: %w", uploadID, err)
	}
	d.logger.Info().Str("upload_id", uploadID.String()).Str("task_id", info.ID).
		Str("queue", info.Queue).Msg("import queued")
	return nil
}
