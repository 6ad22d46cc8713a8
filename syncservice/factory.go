package syncservice

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/config"
	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/docstore/memstore"
	"github.com/ansplan/schedsync/internal/docstore/sqldoc"
	"github.com/ansplan/schedsync/internal/health"
)

// Store is a document store the health checker can probe.
type Store interface {
	docstore.Store
	health.HealthPinger
}

// NewStore opens the document store selected by cfg.DBDriver and applies
// its schema. The connection is opened synchronously since health checks
// need it immediately.
func NewStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (Store, error) {
	switch cfg.DBDriver {
	case "memory":
		log.Warn().Msg("in-memory document store, data is lost on exit")
		return memstore.New(), nil
	case "sqlite":
		db, err := sqldoc.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return migrated(ctx, sqldoc.New(db, sqldoc.SQLite), log.With().Str("path", cfg.SQLitePath).Logger())
	case "postgres":
		db, err := sqldoc.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return migrated(ctx, sqldoc.New(db, sqldoc.Postgres), log)
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER: %s", cfg.DBDriver)
	}
}

func migrated(ctx context.Context, st *sqldoc.Store, log zerolog.Logger) (Store, error) {
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	log.Info().Msg("document store ready")
	return st, nil
}
