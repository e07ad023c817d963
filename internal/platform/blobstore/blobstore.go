// Package blobstore persists attachment bytes for the record store. Blobs are
// addressed by (patient id, stored name); the record store owns the index of
// which names exist. Three backends are provided: a directory tree on disk
// (the default, one folder per patient), a LevelDB database, and an
// in-memory map for tests and throwaway deployments.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrInvalidKey   = errors.New("invalid blob key")
)

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store is the attachment storage collaborator. Writes are write-through:
// once Put returns nil the bytes are readable by Open.
type Store interface {
	Put(ctx context.Context, patientID, name string, content io.Reader) (int64, error)
	Open(ctx context.Context, patientID, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, patientID, name string) error
	Close() error
}

// Backend names accepted by New.
const (
	BackendFS      = "fs"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Backend     string
	UploadDir   string
	LevelDBPath string
}

// New opens the backend named in cfg.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFS:
		return NewFSStore(cfg.UploadDir)
	case BackendLevelDB:
		return NewLevelDBStore(cfg.LevelDBPath)
	case BackendMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown attachment backend %q", cfg.Backend)
}

// Namespace maps a patient id onto a single path segment. Any non-empty id
// is accepted: separators and percent signs are escaped, and the dot-only
// segments that name the current or parent directory are spelled out.
func Namespace(patientID string) string {
	switch patientID {
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return url.PathEscape(patientID)
}

// validateKey rejects empty ids and stored names that are not a single path
// segment. Patient ids are escaped by Namespace instead.
func validateKey(patientID, name string) error {
	if patientID == "" {
		return fmt.Errorf("%w: empty patient id", ErrInvalidKey)
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, name)
	}
	return nil
}

// ctxReader aborts a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// MemoryStore is a thread-safe, in-memory Store for tests/dev.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func memKey(patientID, name string) string {
	return Namespace(patientID) + "/" + name
}

// Put reads content fully and stores it.
func (s *MemoryStore) Put(ctx context.Context, patientID, name string, content io.Reader) (int64, error) {
	if err := validateKey(patientID, name); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(ctxReader{ctx: ctx, r: content})
	if err != nil {
		return 0, fmt.Errorf("reading content: %w", err)
	}

	s.mu.Lock()
	s.blobs[memKey(patientID, name)] = data
	s.mu.Unlock()
	return int64(len(data)), nil
}

// Open returns a reader over a stored blob.
func (s *MemoryStore) Open(_ context.Context, patientID, name string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.blobs[memKey(patientID, name)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes a blob.
func (s *MemoryStore) Delete(_ context.Context, patientID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(patientID, name)
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

// Len reports the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
