// Package repository provides data access for recordarr models.
package repository

import (
	"context"

	"github.com/jmylchreest/recordarr/internal/models"
)

// ArtifactRepository defines operations for finished recordings.
type ArtifactRepository interface {
	// Create persists a new artifact.
	Create(ctx context.Context, artifact *models.Artifact) error
	// GetByID retrieves an artifact, or nil when it does not exist.
	GetByID(ctx context.Context, id models.ULID) (*models.Artifact, error)
	// GetAll retrieves every artifact, oldest first.
	GetAll(ctx context.Context) ([]*models.Artifact, error)
	// GetByStream retrieves the artifacts of one stream, oldest first.
	GetByStream(ctx context.Context, stream string) ([]*models.Artifact, error)
	// Count returns the number of artifacts.
	Count(ctx context.Context) (int64, error)
	// Delete soft-deletes an artifact.
	Delete(ctx context.Context, id models.ULID) error
}
