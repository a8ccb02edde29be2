package telemetry

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// auditEntry is one hash-chained record of a tool call's disposition.
// The hash depends on the previous entry's hash, so tampering with any
// entry invalidates every entry after it.
type auditEntry struct {
	Seq        int64  `json:"seq"`
	Timestamp  string `json:"timestamp"`
	Kind       string `json:"kind"`
	UpstreamID string `json:"upstream_id"`
	ToolName   string `json:"tool_name"`
	Principal  string `json:"principal"`
	LatencyUS  int64  `json:"latency_us"`
	Err        string `json:"err,omitempty"`
	PrevHash   string `json:"prev_hash"`
	Hash       string `json:"hash"`
}

func computeAuditHash(e auditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%d|%s",
		e.PrevHash, e.Seq, e.Timestamp, e.Principal, e.ToolName, e.Kind,
		e.UpstreamID, e.LatencyUS, e.Err)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// AuditSink records every telemetry event to a hash-chained SQLite log,
// tamper-evident the way chained audit logs are: verifying the chain
// from seq 1 detects any entry modified after the fact.
type AuditSink struct {
	mu       sync.Mutex
	db       *sql.DB
	seq      int64
	lastHash string
}

// NewAuditSink opens (or creates) the audit database at path.
func NewAuditSink(path string) (*AuditSink, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq         INTEGER PRIMARY KEY,
			ts          TEXT NOT NULL,
			kind        TEXT NOT NULL,
			upstream_id TEXT NOT NULL DEFAULT '',
			tool_name   TEXT NOT NULL DEFAULT '',
			principal   TEXT NOT NULL DEFAULT '',
			latency_us  INTEGER NOT NULL DEFAULT 0,
			err         TEXT NOT NULL DEFAULT '',
			prev_hash   TEXT NOT NULL DEFAULT '',
			hash        TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_principal ON entries(principal);
		CREATE INDEX IF NOT EXISTS idx_tool ON entries(tool_name);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	s := &AuditSink{db: db}
	row := db.QueryRow(`SELECT seq, hash FROM entries ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&s.seq, &s.lastHash); err != nil && err != sql.ErrNoRows {
		db.Close()
		return nil, fmt.Errorf("reading last audit entry: %w", err)
	}
	return s, nil
}

// Emit implements telemetry.Sink. Write failures are logged, not
// returned, so a degraded audit log never blocks a tool call.
func (s *AuditSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	errMsg := ""
	if e.Err != nil {
		errMsg = e.Err.Error()
	}
	entry := auditEntry{
		Seq:        s.seq + 1,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Kind:       string(e.Kind),
		UpstreamID: e.UpstreamID,
		ToolName:   e.ToolName,
		Principal:  e.Principal,
		LatencyUS:  e.Duration.Microseconds(),
		Err:        errMsg,
		PrevHash:   s.lastHash,
	}
	entry.Hash = computeAuditHash(entry)

	_, err := s.db.Exec(
		`INSERT INTO entries (seq, ts, kind, upstream_id, tool_name, principal, latency_us, err, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Seq, entry.Timestamp, entry.Kind, entry.UpstreamID, entry.ToolName,
		entry.Principal, entry.LatencyUS, entry.Err, entry.PrevHash, entry.Hash,
	)
	if err != nil {
		slog.Error("audit sink: failed to write entry", "error", err)
		return
	}
	s.seq = entry.Seq
	s.lastHash = entry.Hash
}

// Verify walks the chain from seq 1 and reports the first broken link,
// if any. Returns (true, 0) when the whole chain is intact.
func (s *AuditSink) Verify() (ok bool, brokenAtSeq int64) {
	rows, err := s.db.Query(`SELECT seq, ts, kind, upstream_id, tool_name, principal, latency_us, err, prev_hash, hash FROM entries ORDER BY seq ASC`)
	if err != nil {
		slog.Error("audit sink: verify query failed", "error", err)
		return false, 0
	}
	defer rows.Close()

	prevHash := ""
	for rows.Next() {
		var e auditEntry
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Kind, &e.UpstreamID, &e.ToolName,
			&e.Principal, &e.LatencyUS, &e.Err, &e.PrevHash, &e.Hash); err != nil {
			slog.Error("audit sink: verify scan failed", "error", err)
			return false, 0
		}
		if e.PrevHash != prevHash || computeAuditHash(e) != e.Hash {
			return false, e.Seq
		}
		prevHash = e.Hash
	}
	return true, 0
}

// Tail returns the most recent n entries as JSON, newest last.
func (s *AuditSink) Tail(n int) ([]json.RawMessage, error) {
	rows, err := s.db.Query(
		`SELECT seq, ts, kind, upstream_id, tool_name, principal, latency_us, err, prev_hash, hash
		 FROM entries ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying audit tail: %w", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var e auditEntry
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Kind, &e.UpstreamID, &e.ToolName,
			&e.Principal, &e.LatencyUS, &e.Err, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshaling audit entry: %w", err)
		}
		out = append([]json.RawMessage{data}, out...)
	}
	return out, nil
}

// Close closes the underlying database handle.
func (s *AuditSink) Close() error {
	return s.db.Close()
}
