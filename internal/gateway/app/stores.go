package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"storyforge/internal/artifact"
	"storyforge/internal/gateway/config"
)

// initArtifactStore opens the configured backend and, unless disabled, puts
// the LRU cache in front of it. The returned closer releases backend resources.
func initArtifactStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (artifact.Store, func() error, error) {
	origin, closer, err := openArtifactOrigin(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if origin == nil {
		return nil, nil, fmt.Errorf("artifact origin store is nil")
	}
	if cfg.Artifact.CacheDisabled || cfg.Artifact.Backend == config.BackendMemory {
		return origin, closer, nil
	}
	return artifact.NewCachedStore(origin, artifact.DefaultCacheConfig()), closer, nil
}

func openArtifactOrigin(ctx context.Context, cfg *config.Config, logger *zap.Logger) (artifact.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Artifact.Backend {
	case config.BackendMemory:
		logger.Info("artifact store: in-memory")
		return artifact.NewMemoryStore(), noop, nil

	case config.BackendDisk:
		logger.Info("artifact store: disk", zap.String("dir", cfg.Artifact.Dir))
		return artifact.NewDiskStore(cfg.Artifact.Dir), noop, nil

	case config.BackendS3:
		if !cfg.Artifact.CanUseS3() {
			return nil, nil, fmt.Errorf("artifact store: s3 config incomplete (endpoint, access key, secret key and bucket are required)")
		}
		s3Store, err := artifact.NewS3Store(artifact.S3Config{
			Endpoint:  cfg.Artifact.Endpoint,
			Region:    cfg.Artifact.Region,
			AccessKey: cfg.Artifact.AccessKey,
			SecretKey: cfg.Artifact.SecretKey,
			Bucket:    cfg.Artifact.Bucket,
			UseSSL:    cfg.Artifact.UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("artifact store: s3",
			zap.String("bucket", cfg.Artifact.Bucket),
			zap.String("endpoint", cfg.Artifact.Endpoint),
		)
		return s3Store, noop, nil

	case config.BackendPostgres:
		dsn := strings.TrimSpace(cfg.DatabaseURL)
		if dsn == "" {
			return nil, nil, fmt.Errorf("artifact store: DATABASE_URL is required for the postgres backend")
		}
		pool, err := artifact.OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("artifact store: %w", err)
		}
		logger.Info("artifact store: postgres")
		return artifact.NewPostgresStore(pool), func() error { pool.Close(); return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown artifact backend %q", cfg.Artifact.Backend)
	}
}
