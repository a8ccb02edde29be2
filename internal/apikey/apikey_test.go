package apikey

import (
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	s := New(NewMemoryRepository())

	plaintext, rec, err := s.Issue("ci-runner", []string{"tools/call"}, 0, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if rec.ID == "" {
		t.Error("expected a non-empty record ID")
	}

	got, err := s.Validate(plaintext)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.Name != "ci-runner" {
		t.Errorf("expected name ci-runner, got %q", got.Name)
	}
	if got.LastUsedAt == nil {
		t.Error("expected LastUsedAt to be set after validation")
	}
}

func TestValidate_WrongToken(t *testing.T) {
	s := New(NewMemoryRepository())
	if _, _, err := s.Issue("alice", nil, 0, nil); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := s.Validate("mcp_not-a-real-token"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	s := New(NewMemoryRepository())
	plaintext, rec, _ := s.Issue("alice", nil, 0, nil)

	if err := s.Revoke(rec.HashedKey); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := s.Validate(plaintext); err != ErrRevoked {
		t.Errorf("expected ErrRevoked, got %v", err)
	}
}

func TestValidate_Expired(t *testing.T) {
	s := New(NewMemoryRepository())
	plaintext, _, _ := s.Issue("alice", nil, -time.Minute, nil)

	if _, err := s.Validate(plaintext); err != ErrExpired {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestHasPermission_Wildcard(t *testing.T) {
	rec := Record{Permissions: []string{"*"}}
	if !rec.HasPermission("anything") {
		t.Error("expected wildcard permission to match")
	}

	rec2 := Record{Permissions: []string{"tools/call"}}
	if rec2.HasPermission("tools/list") {
		t.Error("expected no match for an unlisted permission")
	}
}

func TestList(t *testing.T) {
	s := New(NewMemoryRepository())
	s.Issue("a", nil, 0, nil)
	s.Issue("b", nil, 0, nil)

	recs, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
}
