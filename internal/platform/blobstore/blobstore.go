// Package blobstore keeps the raw bytes of uploaded files so that an import
// can be re-run against exactly what was received.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingFileName = errors.New("file name is required")
	ErrEmptyCreator    = errors.New("created_by is required")
)

// DefaultMaxFileSize is used when a store is built with a non-positive limit.
const DefaultMaxFileSize = 10 * 1024 * 1024

// Metadata describes a stored blob.
type Metadata struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
}

// Store is implemented by every blob backend.
type Store interface {
	Put(ctx context.Context, meta Metadata, content []byte) (*Metadata, error)
	Get(ctx context.Context, id string) ([]byte, *Metadata, error)
}

// Hash returns the hex SHA-256 of content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// prepare validates meta and fills in the derived fields.
func prepare(meta Metadata, content []byte, maxSize int64) (Metadata, error) {
	if meta.FileName == "" {
		return meta, ErrMissingFileName
	}
	if meta.CreatedBy == "" {
		return meta, ErrEmptyCreator
	}
	if int64(len(content)) > maxSize {
		return meta, ErrFileTooLarge
	}
	if meta.ContentType == "" {
		meta.ContentType = "text/csv"
	}
	meta.ID = uuid.New().String()
	meta.Size = int64(len(content))
	meta.Hash = Hash(content)
	meta.CreatedAt = time.Now().UTC()
	return meta, nil
}

func limitOrDefault(maxSize int64) int64 {
	if maxSize <= 0 {
		return DefaultMaxFileSize
	}
	return maxSize
}

type storedBlob struct {
	metadata Metadata
	content  []byte
}

// InMemoryStore is a thread-safe Store for tests and local tooling.
type InMemoryStore struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	maxSize int64
}

func NewInMemoryStore(maxSize int64) *InMemoryStore {
	return &InMemoryStore{
		blobs:   make(map[string]*storedBlob),
		maxSize: limitOrDefault(maxSize),
	}
}

func (s *InMemoryStore) Put(_ context.Context, meta Metadata, content []byte) (*Metadata, error) {
	meta, err := prepare(meta, content, s.maxSize)
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(content))
	copy(data, content)

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) ([]byte, *Metadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	data := make([]byte, len(blob.content))
	copy(data, blob.content)
	return data, &meta, nil
}
