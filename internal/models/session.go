package models

import (
	"encoding/json"
	"time"
)

// AuthSession holds the credentials for the current subject. It is owned by
// the request gateway; every other component treats it as read-only.
type AuthSession struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	SubjectID    string `json:"subjectId"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// ExpiresAtTime returns ExpiresAt as time.Time.
func (s *AuthSession) ExpiresAtTime() time.Time {
	return time.UnixMilli(s.ExpiresAt)
}

// Expired reports whether the access token expiry has passed. Sessions
// without a known expiry are assumed live; the server will answer 401 if not.
func (s *AuthSession) Expired(now time.Time) bool {
	return s.ExpiresAt > 0 && now.UnixMilli() >= s.ExpiresAt
}

// CacheEntry is one row of the TTL'd key/value cache backing offline GET
// rerouting.
type CacheEntry struct {
	Key       string          `db:"key" json:"key"`
	Value     json.RawMessage `db:"value" json:"value"`
	ExpiresAt int64           `db:"expires_at" json:"expiresAt"`
	CreatedAt int64           `db:"created_at" json:"createdAt"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// Expired reports whether the entry is past its expiry.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.UnixMilli() >= e.ExpiresAt
}
