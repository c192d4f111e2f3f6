// Package store provides the durable local cache: entity tables, the TTL'd
// key/value cache, the persisted sync queue, sync cursors and conflict rows.
// It is the only package allowed to issue SQL; every other component
// mutates persisted state through its API.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/clanhub/appcore/internal/apperrors"
)

// DB wraps the sqlite handle with data-plane configuration.
type DB struct {
	db *sql.DB
}

// unavailable wraps a row-op failure so callers see the same Unavailable
// code as open and commit failures.
func unavailable(message string, err error) error {
	return apperrors.Wrap(apperrors.CodeUnavailable, message, err)
}

// Open opens (creating if needed) the local store under dataDir and applies
// pending migrations. The database is opened with WAL mode, foreign keys,
// and a single connection: sqlite allows one writer, and a single connection
// also serializes readers behind committed state.
//
// A failed open is fatal to the core and surfaces as Unavailable.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "create data directory", err)
	}

	dbPath := filepath.Join(dataDir, "appcore.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "open database", err)
	}

	s := &DB{db: db}
	if err := s.configure(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory store. Used by tests and ephemeral guest
// sessions.
func OpenMemory() (*DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "open in-memory database", err)
	}

	s := &DB{db: db}
	if err := s.configure(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) configure() error {
	s.db.SetMaxOpenConns(1)
	s.db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return apperrors.Wrap(apperrors.CodeUnavailable, fmt.Sprintf("apply %s", pragma), err)
		}
	}
	return nil
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction. The transaction is rolled back on any
// error so a failed call leaves no partial rows.
func (s *DB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "commit transaction", err)
	}
	return nil
}
