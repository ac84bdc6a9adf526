package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/lamim/storyforge/pkg/models"
)

// GCSStore keeps blobs as objects in a Cloud Storage bucket
type GCSStore struct {
	bucket *storage.BucketHandle
	prefix string
	logger *slog.Logger
}

// NewGCSStore creates a store on bucket with an optional object name prefix
func NewGCSStore(bucket *storage.BucketHandle, prefix string, logger *slog.Logger) *GCSStore {
	return &GCSStore{bucket: bucket, prefix: prefix, logger: logger}
}

func (s *GCSStore) objectName(ref models.ArtifactRef) string {
	return objectName(s.prefix, ref)
}

func objectName(prefix string, ref models.ArtifactRef) string {
	return path.Join(prefix, "sha256", ref.Digest())
}

// Put writes the object only if it does not already exist
func (s *GCSStore) Put(ctx context.Context, ref models.ArtifactRef, data []byte) error {
	if err := checkRef(ref); err != nil {
		return err
	}

	name := s.objectName(ref)
	writer := s.bucket.Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = http.DetectContentType(data)

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			s.logger.Debug("Artifact already stored", "object", name)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			s.logger.Debug("Artifact already stored", "object", name)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}

	s.logger.Debug("Artifact stored", "object", name, "bytes", len(data))
	return nil
}

// Get downloads the object for ref
func (s *GCSStore) Get(ctx context.Context, ref models.ArtifactRef) ([]byte, error) {
	if err := checkRef(ref); err != nil {
		return nil, err
	}

	reader, err := s.bucket.Object(s.objectName(ref)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object: %w", err)
	}
	defer func() {
		if err := reader.Close(); err != nil {
			s.logger.Warn("Failed to close GCS reader", "error", err)
		}
	}()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object: %w", err)
	}
	return data, nil
}

// Exists checks object attributes for ref
func (s *GCSStore) Exists(ctx context.Context, ref models.ArtifactRef) (bool, error) {
	if err := checkRef(ref); err != nil {
		return false, err
	}
	_, err := s.bucket.Object(s.objectName(ref)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat GCS object: %w", err)
	}
	return true, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
