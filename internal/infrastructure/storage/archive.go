package storage

import (
	"context"
	"fmt"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/config"
	"go.uber.org/zap"
)

// NopRunArchive discards records. Used when archiving is disabled.
type NopRunArchive struct{}

// Archive does nothing
func (NopRunArchive) Archive(context.Context, *integration.ReconciliationRunRecord) error {
	return nil
}

// NewRunArchive builds the archive selected by cfg.Backend ("none", "file" or "s3")
func NewRunArchive(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (integration.RunArchive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend {
	case "", "none":
		return NopRunArchive{}, nil
	case "file":
		archive, err := NewFileRunArchive(cfg.FilePath)
		if err != nil {
			return nil, err
		}
		logger.Info("Archiving run records to file", zap.String("path", archive.Path()))
		return archive, nil
	case "s3":
		archive, err := NewS3RunArchive(&cfg.S3, WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		logger.Info("Archiving run records to S3", zap.String("bucket", archive.Bucket()))
		return archive, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}
