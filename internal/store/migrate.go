package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/clanhub/appcore/internal/apperrors"
	"github.com/clanhub/appcore/internal/logging"
	"github.com/clanhub/appcore/internal/models"
)

// migration is one versioned schema step. Statements run in a single
// transaction together with the version bookkeeping.
type migration struct {
	version     int
	description string
	statements  []string
}

// migrations is the full ordered schema history. The cache table carries no
// user data and may be dropped on upgrade, so migrations are free to
// recreate it.
var migrations = []migration{
	{
		version:     1,
		description: "entity tables",
		statements:  entityTableStatements(),
	},
	{
		version:     2,
		description: "cache entries",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS cache_entries (
				key TEXT PRIMARY KEY,
				value BLOB NOT NULL,
				expires_at INTEGER NOT NULL,
				created_at INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);`,
		},
	},
	{
		version:     3,
		description: "sync queue and cursors",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS sync_queue (
				action_id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				target_kind TEXT NOT NULL,
				target_id TEXT NOT NULL,
				payload BLOB,
				priority INTEGER NOT NULL DEFAULT 0,
				attempts INTEGER NOT NULL DEFAULT 0 CHECK(attempts >= 0),
				scheduled_at INTEGER NOT NULL,
				created_at INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending'
			);`,
			`CREATE INDEX IF NOT EXISTS idx_sync_queue_order ON sync_queue(priority, created_at);`,
			`CREATE TABLE IF NOT EXISTS sync_cursors (
				kind TEXT PRIMARY KEY,
				since_ms INTEGER NOT NULL DEFAULT 0
			);`,
		},
	},
	{
		version:     4,
		description: "conflict rows",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS conflicts (
				conflict_id TEXT PRIMARY KEY,
				target_kind TEXT NOT NULL,
				target_id TEXT NOT NULL,
				local_payload BLOB,
				server_payload BLOB,
				detected_at INTEGER NOT NULL,
				resolution TEXT NOT NULL DEFAULT 'pending'
			);`,
			`CREATE INDEX IF NOT EXISTS idx_conflicts_target ON conflicts(target_kind, target_id);`,
		},
	},
}

func entityTableStatements() []string {
	var stmts []string
	for _, kind := range models.Kinds {
		table := kind.TableName()
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				payload BLOB,
				updated_at INTEGER NOT NULL DEFAULT 0,
				sync_status TEXT NOT NULL DEFAULT 'clean'
			);`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_updated_at ON %s(updated_at);`, table, table),
		)
	}
	return stmts
}

// migrate applies all pending migrations. Each migration runs in its own
// transaction so a failure leaves the schema at the last good version.
func (s *DB) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL,
		description TEXT NOT NULL
	);`); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "create schema_migrations", err)
	}

	current, err := s.schemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return apperrors.Wrap(apperrors.CodeUnavailable,
				fmt.Sprintf("apply migration v%d (%s)", m.version, m.description), err)
		}
		logging.Debug("applied schema migration", logging.Fields{
			"version":     m.version,
			"description": m.description,
		})
	}
	return nil
}

func (s *DB) schemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeUnavailable, "read schema version", err)
	}
	return version, nil
}

func (s *DB) applyMigration(m migration) error {
	return s.withTx(func(tx *sql.Tx) error {
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		_, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`,
			m.version, time.Now().UnixMilli(), m.description,
		)
		return err
	})
}

// SchemaVersion reports the current schema version. Exposed for diagnostics.
func (s *DB) SchemaVersion() (int, error) {
	return s.schemaVersion()
}
