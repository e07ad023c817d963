package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// LevelDBStore keeps blobs in a single LevelDB database under keys of the
// form "att/<patient namespace>/<name>".
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens (or creates) the database at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	if path == "" {
		return nil, fmt.Errorf("leveldb path is required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb at %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

// NewLevelDBMemStore opens a LevelDB database backed by memory.
func NewLevelDBMemStore() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory leveldb: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func levelKey(patientID, name string) []byte {
	return []byte("att/" + Namespace(patientID) + "/" + name)
}

// Put stores content under the patient's key prefix.
func (s *LevelDBStore) Put(ctx context.Context, patientID, name string, content io.Reader) (int64, error) {
	if err := validateKey(patientID, name); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(ctxReader{ctx: ctx, r: content})
	if err != nil {
		return 0, fmt.Errorf("reading content: %w", err)
	}
	if err := s.db.Put(levelKey(patientID, name), data, nil); err != nil {
		return 0, fmt.Errorf("leveldb put: %w", err)
	}
	return int64(len(data)), nil
}

// Open returns the stored bytes.
func (s *LevelDBStore) Open(_ context.Context, patientID, name string) (io.ReadCloser, error) {
	if err := validateKey(patientID, name); err != nil {
		return nil, err
	}
	data, err := s.db.Get(levelKey(patientID, name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes a stored blob.
func (s *LevelDBStore) Delete(_ context.Context, patientID, name string) error {
	if err := validateKey(patientID, name); err != nil {
		return err
	}
	key := levelKey(patientID, name)
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return fmt.Errorf("leveldb has: %w", err)
	}
	if !ok {
		return ErrBlobNotFound
	}
	return s.db.Delete(key, nil)
}

// Close closes the database.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
