package store

import (
	"github.com/agent-brain/agent-brain/internal/config"
	"github.com/agent-brain/agent-brain/internal/errors"
)

// NewBackend builds the configured storage backend rooted at stateDir.
// The caller owns Initialize and Close.
func NewBackend(cfg *config.Config, stateDir string) (Backend, error) {
	switch cfg.Storage.Backend {
	case "chroma":
		return NewChromaBackend(stateDir), nil
	case "postgres":
		pg := cfg.Storage.Postgres
		return NewPostgresBackend(PostgresOptions{
			URL:                pg.URL(),
			PoolSize:           pg.PoolSize,
			Language:           pg.Language,
			Metric:             DistanceMetric(pg.Metric),
			HNSWM:              pg.HNSWM,
			HNSWEfConstruction: pg.HNSWEfConstruction,
		}), nil
	default:
		return nil, errors.Newf(errors.ErrCodeUnknownBackend,
			"unknown storage backend %q", cfg.Storage.Backend)
	}
}
