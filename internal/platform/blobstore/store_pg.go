package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labflow/labflow/internal/platform/db"
)

// PGStore keeps blobs in the blob table.
type PGStore struct {
	pool    *pgxpool.Pool
	maxSize int64
}

func NewPGStore(pool *pgxpool.Pool, maxSize int64) *PGStore {
	return &PGStore{pool: pool, maxSize: limitOrDefault(maxSize)}
}

func (s *PGStore) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, s.pool)
}

func (s *PGStore) Put(ctx context.Context, meta Metadata, content []byte) (*Metadata, error) {
	meta, err := prepare(meta, content, s.maxSize)
	if err != nil {
		return nil, err
	}
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO blob (id, file_name, content_type, size, hash, content, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		meta.ID, meta.FileName, meta.ContentType, meta.Size, meta.Hash, content, meta.CreatedBy, meta.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert blob: %w", err)
	}
	return &meta, nil
}

func (s *PGStore) Get(ctx context.Context, id string) ([]byte, *Metadata, error) {
	var meta Metadata
	var content []byte
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, file_name, content_type, size, hash, content, created_by, created_at
		FROM blob WHERE id = $1`, id,
	).Scan(&meta.ID, &meta.FileName, &meta.ContentType, &meta.Size, &meta.Hash, &content, &meta.CreatedBy, &meta.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load blob %s: %w", id, err)
	}
	return content, &meta, nil
}
