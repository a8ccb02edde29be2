// Package apikey implements the API Key Store (design doc Section 4.4):
// mcp_-prefixed bearer tokens, SHA-256 hashed at rest, carrying a
// permission set and optional expiry.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a key hash has no matching record.
var ErrNotFound = errors.New("apikey: not found")

// ErrRevoked is returned by Validate for a key that was explicitly
// revoked.
var ErrRevoked = errors.New("apikey: revoked")

// ErrExpired is returned by Validate for a key past its expiry.
var ErrExpired = errors.New("apikey: expired")

// Record is the stored (hashed) representation of one issued key
// (design doc Section 3.4). The plaintext token is never persisted —
// only returned once, at Generate time.
type Record struct {
	ID          string            `json:"id"`
	HashedKey   string            `json:"hashed_key"`
	Name        string            `json:"name"`
	Permissions []string          `json:"permissions"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Revoked     bool              `json:"revoked"`
	RevokedAt   *time.Time        `json:"revoked_at,omitempty"`
	LastUsedAt  *time.Time        `json:"last_used_at,omitempty"`
}

// HasPermission reports whether the record grants perm, honoring the "*"
// wildcard (design doc Section 3.4).
func (r Record) HasPermission(perm string) bool {
	for _, p := range r.Permissions {
		if p == "*" || p == perm {
			return true
		}
	}
	return false
}

// keyPrefix marks every generated token so downstream log scrubbers and
// operators can recognize an mcpgate credential on sight (design doc
// Section 3.4: "mcp_-prefixed").
const keyPrefix = "mcp_"

// Generate creates a new random token and its Record, ready for storage.
// The returned plaintext must be shown to the caller exactly once; only
// its hash is retained in Record.
func Generate(name string, permissions []string, ttl time.Duration, metadata map[string]string) (plaintext string, rec Record, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", Record{}, err
	}
	plaintext = keyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	rec = Record{
		ID:          uuid.NewString(),
		HashedKey:   hashKey(plaintext),
		Name:        name,
		Permissions: permissions,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
	}
	if ttl > 0 {
		exp := rec.CreatedAt.Add(ttl)
		rec.ExpiresAt = &exp
	}
	return plaintext, rec, nil
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Repository is the persistence contract for key records (design doc
// Section 9: "Repository pattern" keeps the store's algorithms
// independent of where records live).
type Repository interface {
	Put(rec Record) error
	Get(hashedKey string) (Record, error)
	List() ([]Record, error)
	Delete(hashedKey string) error
}

// Store validates and manages API keys against a Repository.
type Store struct {
	repo Repository
}

// New builds a Store backed by repo.
func New(repo Repository) *Store {
	return &Store{repo: repo}
}

// Issue generates a new key and persists its record.
func (s *Store) Issue(name string, permissions []string, ttl time.Duration, metadata map[string]string) (string, Record, error) {
	plaintext, rec, err := Generate(name, permissions, ttl, metadata)
	if err != nil {
		return "", Record{}, err
	}
	if err := s.repo.Put(rec); err != nil {
		return "", Record{}, err
	}
	return plaintext, rec, nil
}

// Validate checks a presented plaintext token: looks up its hash,
// rejects revoked or expired records, and records last-used time
// (design doc Section 4.4: validate_key).
func (s *Store) Validate(plaintext string) (Record, error) {
	rec, err := s.repo.Get(hashKey(plaintext))
	if err != nil {
		return Record{}, ErrNotFound
	}
	if rec.Revoked {
		return Record{}, ErrRevoked
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return Record{}, ErrExpired
	}

	now := time.Now()
	rec.LastUsedAt = &now
	_ = s.repo.Put(rec)
	return rec, nil
}

// Revoke marks a key unusable without deleting its audit trail.
func (s *Store) Revoke(hashedKey string) error {
	rec, err := s.repo.Get(hashedKey)
	if err != nil {
		return ErrNotFound
	}
	rec.Revoked = true
	now := time.Now()
	rec.RevokedAt = &now
	return s.repo.Put(rec)
}

// List returns every stored record (hashes only — plaintext is never
// retained).
func (s *Store) List() ([]Record, error) {
	return s.repo.List()
}

// CompareHashesConstantTime exposes a constant-time hash comparison for
// callers that already hold both sides of the SHA-256 digest (e.g.
// legacy key migration checks), avoiding timing side channels.
func CompareHashesConstantTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
