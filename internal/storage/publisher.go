package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Publisher applies the upload failure policy around an Uploader.
type Publisher struct {
	uploader        Uploader
	timeout         time.Duration
	deleteOnFailure bool
	logger          *slog.Logger
}

// NewPublisher wraps uploader. A failed upload removes the local file only
// when deleteOnFailure is set.
func NewPublisher(uploader Uploader, timeout time.Duration, deleteOnFailure bool) *Publisher {
	return &Publisher{
		uploader:        uploader,
		timeout:         timeout,
		deleteOnFailure: deleteOnFailure,
		logger:          slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (p *Publisher) WithLogger(logger *slog.Logger) *Publisher {
	p.logger = logger
	return p
}

// Enabled reports whether uploads go anywhere.
func (p *Publisher) Enabled() bool {
	if p == nil || p.uploader == nil {
		return false
	}
	_, noop := p.uploader.(NoopUploader)
	return !noop
}

// Publish uploads localPath under key and returns the remote location.
func (p *Publisher) Publish(ctx context.Context, key, localPath string) (string, error) {
	if !p.Enabled() {
		return "", ErrUploadDisabled
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	location, err := p.uploader.Upload(ctx, key, localPath)
	if err != nil {
		p.logger.Warn("upload failed",
			slog.String("key", key),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))

		if p.deleteOnFailure {
			if rmErr := os.Remove(localPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				p.logger.Warn("failed to remove local file after upload failure",
					slog.String("path", localPath),
					slog.String("error", rmErr.Error()))
			}
		}
		return "", fmt.Errorf("publishing %s: %w", key, err)
	}

	p.logger.Info("uploaded file",
		slog.String("key", key),
		slog.String("location", location),
		slog.Duration("elapsed", time.Since(start)))
	return location, nil
}
