package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FSStore keeps each patient's files in root/<patient namespace>/<name>,
// see Namespace.
type FSStore struct {
	root string
}

// NewFSStore creates root if needed.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("upload directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(patientID, name string) string {
	return filepath.Join(s.root, Namespace(patientID), name)
}

// Put writes to a temporary file in the patient folder and renames it into
// place, so a cancelled or failed copy never leaves a partial blob behind.
func (s *FSStore) Put(ctx context.Context, patientID, name string, content io.Reader) (int64, error) {
	if err := validateKey(patientID, name); err != nil {
		return 0, err
	}
	dir := filepath.Join(s.root, Namespace(patientID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("creating patient folder: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	n, err := io.Copy(tmp, ctxReader{ctx: ctx, r: content})
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Rename(tmpName, s.path(patientID, name)); err != nil {
		return 0, fmt.Errorf("renaming %s: %w", name, err)
	}
	return n, nil
}

// Open opens the stored file.
func (s *FSStore) Open(_ context.Context, patientID, name string) (io.ReadCloser, error) {
	if err := validateKey(patientID, name); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(patientID, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	return f, err
}

// Delete removes the stored file.
func (s *FSStore) Delete(_ context.Context, patientID, name string) error {
	if err := validateKey(patientID, name); err != nil {
		return err
	}
	err := os.Remove(s.path(patientID, name))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrBlobNotFound
	}
	return err
}

// Close is a no-op.
func (s *FSStore) Close() error { return nil }
