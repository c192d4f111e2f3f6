package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clanhub/appcore/internal/logging"
	"github.com/clanhub/appcore/internal/models"
)

// CacheGet returns the cached value for key, or nil on a miss. An expired
// entry counts as a miss and is deleted in the same call.
func (s *DB) CacheGet(key string) (*models.CacheEntry, error) {
	var e models.CacheEntry
	var value []byte
	err := s.db.QueryRow(
		`SELECT key, value, expires_at, created_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&e.Key, &value, &e.ExpiresAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("cache get %q", key), err)
	}

	if e.Expired(time.Now()) {
		if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			logging.Warn("failed to evict expired cache entry", logging.Fields{"key": key})
		}
		return nil, nil
	}

	e.Value = value
	return &e, nil
}

// CachePut stores value under key with the given TTL, replacing any previous
// entry.
func (s *DB) CachePut(key string, value json.RawMessage, ttl time.Duration) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO cache_entries (key, value, expires_at, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`,
		key, []byte(value), now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return unavailable(fmt.Sprintf("cache put %q", key), err)
	}
	return nil
}

// CacheSweep deletes all expired entries and returns how many were removed.
func (s *DB) CacheSweep() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, unavailable("cache sweep", err)
	}
	return res.RowsAffected()
}
