// Package startup provides utilities for application startup tasks.
package startup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmylchreest/recordarr/internal/models"
	"github.com/jmylchreest/recordarr/internal/state"
)

// CleanupStaleWorkDirs removes per-stream work directories under workRoot
// whose modification time is older than maxAge. They are left behind when
// the recorder exits mid-session. A zero maxAge removes every directory.
//
// Returns the number of directories removed and any error encountered.
func CleanupStaleWorkDirs(logger *slog.Logger, workRoot string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(workRoot); os.IsNotExist(err) {
		logger.Debug("work directory does not exist, skipping cleanup",
			slog.String("path", workRoot))
		return 0, nil
	}

	entries, err := os.ReadDir(workRoot)
	if err != nil {
		logger.Error("failed to read work directory for cleanup",
			slog.String("path", workRoot),
			slog.String("error", err.Error()))
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dirPath := filepath.Join(workRoot, entry.Name())
		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get directory info",
				slog.String("path", dirPath),
				slog.String("error", err.Error()))
			continue
		}

		age := time.Since(info.ModTime()).Round(time.Second)
		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent work directory",
				slog.String("path", dirPath),
				slog.Duration("age", age))
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove stale work directory",
				slog.String("path", dirPath),
				slog.String("error", err.Error()))
			continue
		}

		logger.Info("removed stale work directory",
			slog.String("path", dirPath),
			slog.Duration("age", age))
		removed++
	}

	return removed, nil
}

// ArtifactLister lists persisted artifacts, oldest first.
type ArtifactLister interface {
	GetAll(ctx context.Context) ([]*models.Artifact, error)
}

// SeedArtifacts loads persisted artifacts into the store so the artifact
// list survives restarts.
//
// Returns the number of artifacts loaded and any error encountered.
func SeedArtifacts(ctx context.Context, logger *slog.Logger, repo ArtifactLister, store *state.Store) (int, error) {
	artifacts, err := repo.GetAll(ctx)
	if err != nil {
		logger.Error("failed to load persisted artifacts", slog.String("error", err.Error()))
		return 0, err
	}

	seeded := make([]state.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		seeded = append(seeded, state.Artifact{
			Name:      a.Name,
			Location:  a.Location,
			CreatedAt: a.CreatedAt,
			Size:      a.Size,
		})
	}
	store.SeedArtifacts(seeded)

	logger.Info("loaded persisted artifacts", slog.Int("count", len(seeded)))
	return len(seeded), nil
}
