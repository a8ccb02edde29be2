package health

import (
	"errors"
	"testing"
	"time"
)

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d: expected closed circuit to allow, got %v", i, err)
		}
		b.RecordFailure()
	}
	if got := b.Snapshot().State; got != CircuitClosed {
		t.Fatalf("expected still closed before threshold, got %s", got)
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("expected the third call through before it fails: %v", err)
	}
	b.RecordFailure()

	if got := b.Snapshot().State; got != CircuitOpen {
		t.Fatalf("expected open after reaching the failure threshold, got %s", got)
	}

	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen while open, got %v", err)
	}
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})

	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}
	b.RecordFailure()
	if got := b.Snapshot().State; got != CircuitOpen {
		t.Fatalf("expected open, got %s", got)
	}

	time.Sleep(15 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected a trial call to be admitted once the recovery timeout elapses: %v", err)
	}
	if got := b.Snapshot().State; got != CircuitHalfOpen {
		t.Fatalf("expected half-open after the trial call is admitted, got %s", got)
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	b.Allow()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()

	if got := b.Snapshot().State; got != CircuitClosed {
		t.Fatalf("expected a successful trial call to close the circuit, got %s", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 10 * time.Millisecond})
	b.Allow()
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(15 * time.Millisecond)
	b.Allow()

	b.RecordFailure()

	if got := b.Snapshot().State; got != CircuitOpen {
		t.Fatalf("expected a failed trial call to reopen the circuit immediately, got %s", got)
	}
}

func TestBreaker_RejectedCallsAreCounted(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	b.Allow()
	b.RecordFailure()

	b.Allow()
	b.Allow()

	snap := b.Snapshot()
	if snap.RejectedRequests != 2 {
		t.Errorf("expected 2 rejected requests, got %d", snap.RejectedRequests)
	}
	if snap.TotalRequests != 3 {
		t.Errorf("expected 3 total requests, got %d", snap.TotalRequests)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	b.Allow()
	b.RecordFailure()
	if got := b.Snapshot().State; got != CircuitOpen {
		t.Fatalf("expected open, got %s", got)
	}

	b.Reset()

	if err := b.Allow(); err != nil {
		t.Fatalf("expected reset circuit to allow calls again: %v", err)
	}
}
