package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jmylchreest/recordarr/internal/models"
)

// artifactRepo implements ArtifactRepository using GORM.
type artifactRepo struct {
	db *gorm.DB
}

// NewArtifactRepository creates a new ArtifactRepository.
func NewArtifactRepository(db *gorm.DB) *artifactRepo {
	return &artifactRepo{db: db}
}

// Create creates a new artifact.
func (r *artifactRepo) Create(ctx context.Context, artifact *models.Artifact) error {
	if err := artifact.Validate(); err != nil {
		return fmt.Errorf("validating artifact: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(artifact).Error; err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}
	return nil
}

// GetByID retrieves an artifact by ID.
func (r *artifactRepo) GetByID(ctx context.Context, id models.ULID) (*models.Artifact, error) {
	var artifact models.Artifact
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&artifact).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting artifact by ID: %w", err)
	}
	return &artifact, nil
}

// GetAll retrieves all artifacts.
func (r *artifactRepo) GetAll(ctx context.Context) ([]*models.Artifact, error) {
	var artifacts []*models.Artifact
	if err := r.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&artifacts).Error; err != nil {
		return nil, fmt.Errorf("getting all artifacts: %w", err)
	}
	return artifacts, nil
}

// GetByStream retrieves artifacts for one stream.
func (r *artifactRepo) GetByStream(ctx context.Context, stream string) ([]*models.Artifact, error) {
	var artifacts []*models.Artifact
	if err := r.db.WithContext(ctx).Where("stream_name = ?", stream).Order("created_at ASC, id ASC").Find(&artifacts).Error; err != nil {
		return nil, fmt.Errorf("getting artifacts by stream: %w", err)
	}
	return artifacts, nil
}

// Count returns the number of artifacts.
func (r *artifactRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Artifact{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting artifacts: %w", err)
	}
	return count, nil
}

// Delete soft-deletes an artifact.
func (r *artifactRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Artifact{}).Error; err != nil {
		return fmt.Errorf("deleting artifact: %w", err)
	}
	return nil
}

var _ ArtifactRepository = (*artifactRepo)(nil)
