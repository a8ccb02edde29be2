package telemetry

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestAuditSink(t *testing.T) *AuditSink {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := NewAuditSink(path)
	if err != nil {
		t.Fatalf("NewAuditSink: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestComputeAuditHash_Deterministic(t *testing.T) {
	e := auditEntry{Seq: 1, Timestamp: "2026-02-12T10:00:00Z", Principal: "alice", ToolName: "search.run", Kind: "call", PrevHash: "sha256:00"}

	if computeAuditHash(e) != computeAuditHash(e) {
		t.Error("same input should produce the same hash")
	}
}

func TestComputeAuditHash_SensitiveToFields(t *testing.T) {
	base := auditEntry{Seq: 1, Timestamp: "t", Principal: "alice", ToolName: "search.run", Kind: "call", PrevHash: "sha256:00"}
	baseHash := computeAuditHash(base)

	variants := []auditEntry{
		{Seq: 2, Timestamp: "t", Principal: "alice", ToolName: "search.run", Kind: "call", PrevHash: "sha256:00"},
		{Seq: 1, Timestamp: "t2", Principal: "alice", ToolName: "search.run", Kind: "call", PrevHash: "sha256:00"},
		{Seq: 1, Timestamp: "t", Principal: "bob", ToolName: "search.run", Kind: "call", PrevHash: "sha256:00"},
		{Seq: 1, Timestamp: "t", Principal: "alice", ToolName: "other.run", Kind: "call", PrevHash: "sha256:00"},
		{Seq: 1, Timestamp: "t", Principal: "alice", ToolName: "search.run", Kind: "deny", PrevHash: "sha256:00"},
		{Seq: 1, Timestamp: "t", Principal: "alice", ToolName: "search.run", Kind: "call", PrevHash: "sha256:ff"},
	}
	for i, v := range variants {
		if computeAuditHash(v) == baseHash {
			t.Errorf("variant %d should produce a different hash", i)
		}
	}
}

func TestAuditSink_EmitAndVerify(t *testing.T) {
	s := newTestAuditSink(t)

	s.Emit(Event{Kind: EventCallCompleted, UpstreamID: "search", ToolName: "search.run", Principal: "alice", Duration: 10 * time.Millisecond})
	s.Emit(Event{Kind: EventPolicyDenied, UpstreamID: "search", ToolName: "search.run", Principal: "bob"})

	ok, brokenAt := s.Verify()
	if !ok {
		t.Fatalf("expected an intact chain, broke at seq %d", brokenAt)
	}

	entries, err := s.Tail(2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestAuditSink_ChainSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	s1, err := NewAuditSink(path)
	if err != nil {
		t.Fatalf("NewAuditSink: %v", err)
	}
	s1.Emit(Event{Kind: EventCallCompleted, ToolName: "search.run", Principal: "alice"})
	s1.Close()

	s2, err := NewAuditSink(path)
	if err != nil {
		t.Fatalf("reopen NewAuditSink: %v", err)
	}
	defer s2.Close()
	s2.Emit(Event{Kind: EventCallCompleted, ToolName: "search.run", Principal: "bob"})

	ok, brokenAt := s2.Verify()
	if !ok {
		t.Fatalf("expected an intact chain across reopen, broke at seq %d", brokenAt)
	}
}
