package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"nefrit/internal/database"
)

type migrationStep struct {
	Name string
	SQL  map[database.Dialect]string
}

var steps = []migrationStep{
	{
		Name: "create_table_users",
		SQL: map[database.Dialect]string{
			database.DialectSQLite: `CREATE TABLE IF NOT EXISTS users (
  id          INTEGER   PRIMARY KEY AUTOINCREMENT,
  user_id     INTEGER   NOT NULL UNIQUE,
  username    TEXT      NOT NULL DEFAULT '',
  user_uuid   TEXT      NOT NULL UNIQUE,
  path        TEXT      NOT NULL UNIQUE,
  created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  is_active   BOOLEAN   NOT NULL DEFAULT 1
);`,
			database.DialectPostgres: `CREATE TABLE IF NOT EXISTS users (
  id          BIGSERIAL   PRIMARY KEY,
  user_id     BIGINT      NOT NULL UNIQUE,
  username    TEXT        NOT NULL DEFAULT '',
  user_uuid   TEXT        NOT NULL UNIQUE,
  path        TEXT        NOT NULL UNIQUE,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  is_active   BOOLEAN     NOT NULL DEFAULT TRUE
);`,
		},
	},
	{
		Name: "create_table_keys",
		SQL: map[database.Dialect]string{
			database.DialectSQLite: `CREATE TABLE IF NOT EXISTS keys (
  id       INTEGER PRIMARY KEY AUTOINCREMENT,
  key      TEXT    NOT NULL UNIQUE,
  is_used  BOOLEAN NOT NULL DEFAULT 0,
  used_by  INTEGER
);`,
			database.DialectPostgres: `CREATE TABLE IF NOT EXISTS keys (
  id       BIGSERIAL PRIMARY KEY,
  key      TEXT      NOT NULL UNIQUE,
  is_used  BOOLEAN   NOT NULL DEFAULT FALSE,
  used_by  BIGINT
);`,
		},
	},
	{
		Name: "create_index_keys_is_used",
		SQL: map[database.Dialect]string{
			database.DialectSQLite:   `CREATE INDEX IF NOT EXISTS idx_keys_is_used ON keys (is_used);`,
			database.DialectPostgres: `CREATE INDEX IF NOT EXISTS idx_keys_is_used ON keys (is_used);`,
		},
	},
}

var sentinelQuery = map[database.Dialect]string{
	database.DialectSQLite:   "SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = 'keys'",
	database.DialectPostgres: "SELECT to_regclass('public.keys') IS NOT NULL",
}

// EnsureMigrated checks if the 'keys' table exists and runs migrations if it doesn't.
func EnsureMigrated(ctx context.Context, db *sql.DB, dialect database.Dialect, log *zap.Logger) error {
	start := time.Now()
	log = log.With(zap.String("component", "database"), zap.String("dialect", string(dialect)))

	query, ok := sentinelQuery[dialect]
	if !ok {
		return fmt.Errorf("no migrations for dialect %q", dialect)
	}

	var exists bool
	if err := db.QueryRowContext(ctx, query).Scan(&exists); err != nil {
		log.Error("db_migration_failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return fmt.Errorf("failed to check sentinel table: %w", err)
	}
	if exists {
		log.Info("db_migration_skip", zap.String("msg", "schema already exists"))
		return nil
	}

	log.Info("db_migration_start")
	for _, step := range steps {
		stepStart := time.Now()
		if _, err := db.ExecContext(ctx, step.SQL[dialect]); err != nil {
			log.Error("db_migration_failed",
				zap.String("migration_step", step.Name),
				zap.Error(err),
				zap.Duration("step_duration", time.Since(stepStart)),
			)
			return fmt.Errorf("migration step %s failed: %w", step.Name, err)
		}
		log.Info("db_migration_step",
			zap.String("migration_step", step.Name),
			zap.Duration("step_duration", time.Since(stepStart)),
		)
	}

	log.Info("db_migration_success", zap.Duration("duration", time.Since(start)))
	return nil
}
