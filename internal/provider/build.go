package provider

import (
	"context"

	"github.com/SirClappington/shortsq/internal/config"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FromConfig registers every backend that has configuration. A backend that
// fails to initialize is logged and left out.
func FromConfig(ctx context.Context, cfg config.Config, log *zap.Logger) (*Registry, error) {
	var (
		gws  []Gateway
		errs error
	)
	if cfg.GCSBucket != "" {
		if g, err := NewGCS(ctx, cfg.GCSBucket); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			gws = append(gws, g)
		}
	}
	if cfg.AzureAccount != "" && cfg.AzureKey != "" {
		if a, err := NewAzure(cfg.AzureAccount, cfg.AzureKey, cfg.AzureContainer); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			gws = append(gws, a)
		}
	}
	if cfg.S3Bucket != "" {
		if s, err := NewS3(ctx, cfg.S3Bucket, cfg.S3Region); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			gws = append(gws, s)
		}
	}
	for _, err := range multierr.Errors(errs) {
		log.Warn("storage provider disabled", zap.Error(err))
	}
	reg := NewRegistry(gws...)
	log.Info("storage providers", zap.Strings("enabled", reg.Names()))
	return reg, nil
}
