package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/lamim/storyforge/pkg/models"
)

// FileStore keeps blobs under root/<first two hex chars>/<digest>
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore creates the root directory if needed
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStore{root: root, logger: logger}, nil
}

func (s *FileStore) path(ref models.ArtifactRef) string {
	digest := ref.Digest()
	return filepath.Join(s.root, digest[:2], digest)
}

// Put writes data atomically unless the reference already exists
func (s *FileStore) Put(ctx context.Context, ref models.ArtifactRef, data []byte) error {
	if err := checkRef(ref); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	finalPath := s.path(ref)
	if _, err := os.Stat(finalPath); err == nil {
		s.logger.Debug("Artifact already stored", "ref", ref)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	// Atomic write: write to temp file, then rename
	tempPath := finalPath + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp artifact: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename artifact: %w", err)
	}

	s.logger.Debug("Artifact stored", "ref", ref, "bytes", len(data))
	return nil
}

// Get reads the blob for ref
func (s *FileStore) Get(ctx context.Context, ref models.ArtifactRef) ([]byte, error) {
	if err := checkRef(ref); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// Exists reports whether a blob is stored for ref
func (s *FileStore) Exists(_ context.Context, ref models.ArtifactRef) (bool, error) {
	if err := checkRef(ref); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
