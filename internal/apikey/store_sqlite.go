package apikey

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteRepository persists key records in a local SQLite database, the
// same embedded-storage choice the teacher's audit log index makes for
// queryable local state.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLiteRepository opens (or creates) the key store database at path.
func OpenSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("apikey: opening sqlite store %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS api_keys (
			hashed_key   TEXT PRIMARY KEY,
			id           TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			permissions  TEXT NOT NULL DEFAULT '[]',
			metadata     TEXT NOT NULL DEFAULT '{}',
			created_at   TEXT NOT NULL,
			expires_at   TEXT,
			revoked      INTEGER NOT NULL DEFAULT 0,
			revoked_at   TEXT,
			last_used_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_id ON api_keys(id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("apikey: creating sqlite schema: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Put(rec Record) error {
	permsJSON, _ := json.Marshal(rec.Permissions)
	metaJSON, _ := json.Marshal(rec.Metadata)

	_, err := r.db.Exec(
		`INSERT INTO api_keys (hashed_key, id, name, permissions, metadata, created_at, expires_at, revoked, revoked_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(hashed_key) DO UPDATE SET
			name=excluded.name, permissions=excluded.permissions, metadata=excluded.metadata,
			expires_at=excluded.expires_at, revoked=excluded.revoked,
			revoked_at=excluded.revoked_at, last_used_at=excluded.last_used_at`,
		rec.HashedKey, rec.ID, rec.Name, string(permsJSON), string(metaJSON),
		formatTime(&rec.CreatedAt), formatTime(rec.ExpiresAt), boolToInt(rec.Revoked),
		formatTime(rec.RevokedAt), formatTime(rec.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("apikey: storing record: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(hashedKey string) (Record, error) {
	row := r.db.QueryRow(
		`SELECT hashed_key, id, name, permissions, metadata, created_at, expires_at, revoked, revoked_at, last_used_at
		 FROM api_keys WHERE hashed_key = ?`, hashedKey)
	return scanRecord(row)
}

func (r *SQLiteRepository) List() ([]Record, error) {
	rows, err := r.db.Query(
		`SELECT hashed_key, id, name, permissions, metadata, created_at, expires_at, revoked, revoked_at, last_used_at
		 FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("apikey: listing records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) Delete(hashedKey string) error {
	_, err := r.db.Exec(`DELETE FROM api_keys WHERE hashed_key = ?`, hashedKey)
	return err
}

// Close releases the underlying database handle.
func (r *SQLiteRepository) Close() error { return r.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var rec Record
	var permsJSON, metaJSON, createdAt string
	var expiresAt, revokedAt, lastUsedAt sql.NullString
	var revoked int

	err := s.Scan(&rec.HashedKey, &rec.ID, &rec.Name, &permsJSON, &metaJSON,
		&createdAt, &expiresAt, &revoked, &revokedAt, &lastUsedAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("apikey: scanning record: %w", err)
	}

	_ = json.Unmarshal([]byte(permsJSON), &rec.Permissions)
	_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.Revoked = revoked != 0
	rec.ExpiresAt = parseNullTime(expiresAt)
	rec.RevokedAt = parseNullTime(revokedAt)
	rec.LastUsedAt = parseNullTime(lastUsedAt)
	return rec, nil
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
