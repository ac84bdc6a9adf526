// Package storage provides write-once, content-addressed blob storage for page
// illustrations and finished books.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"

	"github.com/lamim/storyforge/internal/config"
	"github.com/lamim/storyforge/pkg/models"
)

var (
	// ErrNotFound is returned when no blob exists for a reference
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidRef is returned for references that are not sha256:<hex>
	ErrInvalidRef = errors.New("invalid artifact reference")
)

// Store persists immutable blobs under content-addressed references.
// Put on an existing reference is a no-op: the first write wins.
type Store interface {
	Put(ctx context.Context, ref models.ArtifactRef, data []byte) error
	Get(ctx context.Context, ref models.ArtifactRef) ([]byte, error)
	Exists(ctx context.Context, ref models.ArtifactRef) (bool, error)
}

// RefFor returns the content address of data
func RefFor(data []byte) models.ArtifactRef {
	sum := sha256.Sum256(data)
	return models.NewArtifactRef(hex.EncodeToString(sum[:]))
}

// PutContent stores data under its own content address
func PutContent(ctx context.Context, s Store, data []byte) (models.ArtifactRef, error) {
	ref := RefFor(data)
	if err := s.Put(ctx, ref, data); err != nil {
		return "", err
	}
	return ref, nil
}

// New builds the configured backend wrapped in a read cache
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, func() error, error) {
	var (
		backend Store
		closer  = func() error { return nil }
	)

	switch cfg.Backend {
	case config.StorageFilesystem:
		fs, err := NewFileStore(cfg.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		backend = fs
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		backend = NewGCSStore(client.Bucket(cfg.Bucket), cfg.Prefix, logger)
		closer = client.Close
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	logger.Info("Artifact store ready", "backend", cfg.Backend, "cache_ttl_minutes", cfg.CacheTTLMinutes)
	if cfg.CacheTTLMinutes > 0 {
		backend = NewCachedStore(backend, time.Duration(cfg.CacheTTLMinutes)*time.Minute)
	}
	return backend, closer, nil
}

func checkRef(ref models.ArtifactRef) error {
	if !ref.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}
