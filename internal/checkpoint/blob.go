package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/miradorstack/mirador-recovery/internal/storage"
)

// BlobStore holds checkpoint payloads. Metadata lives separately in the orchestrator's store.
type BlobStore interface {
	Put(ctx context.Context, ref string, data []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
	Name() string
}

// ErrBlobNotFound is returned when a payload is missing from its backend.
var ErrBlobNotFound = errors.New("checkpoint payload not found")

// BadgerBlobs keeps payloads in the embedded store, next to metadata.
type BadgerBlobs struct {
	db *storage.DB
}

// NewBadgerBlobs wraps db as a BlobStore.
func NewBadgerBlobs(db *storage.DB) *BadgerBlobs {
	return &BadgerBlobs{db: db}
}

func (b *BadgerBlobs) Put(_ context.Context, ref string, data []byte) error {
	return b.db.PutBlob(ref, data)
}

func (b *BadgerBlobs) Get(_ context.Context, ref string) ([]byte, error) {
	data, err := b.db.GetBlob(ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrBlobNotFound
	}
	return data, err
}

func (b *BadgerBlobs) Delete(_ context.Context, ref string) error {
	return b.db.DeleteBlob(ref)
}

func (b *BadgerBlobs) Name() string { return "badger" }

// FileBlobs keeps payloads as files under a root directory.
type FileBlobs struct {
	root string
}

// NewFileBlobs creates the root directory if needed.
func NewFileBlobs(root string) (*FileBlobs, error) {
	if root == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileBlobs{root: root}, nil
}

func (f *FileBlobs) path(ref string) (string, error) {
	clean := filepath.Clean("/" + ref)
	if strings.Contains(ref, "..") {
		return "", fmt.Errorf("invalid checkpoint reference %q", ref)
	}
	return filepath.Join(f.root, clean), nil
}

func (f *FileBlobs) Put(_ context.Context, ref string, data []byte) error {
	path, err := f.path(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return os.Rename(tmp, path)
}

func (f *FileBlobs) Get(_ context.Context, ref string) ([]byte, error) {
	path, err := f.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	return data, err
}

func (f *FileBlobs) Delete(_ context.Context, ref string) error {
	path, err := f.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileBlobs) Name() string { return "filesystem" }
