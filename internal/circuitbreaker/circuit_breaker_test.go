package circuitbreaker

import (
	"testing"
	"time"
)

func TestOpensAfterFailureThreshold(t *testing.T) {
	cb := New("p1", 3, 1, time.Minute)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if !cb.Allow() {
			t.Fatalf("opened after %d failures", i+1)
		}
	}
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("expected open after threshold")
	}
	if cb.State() != StateOpen {
		t.Fatalf("state %v", cb.State())
	}
}

func TestHalfOpenAfterTimeout(t *testing.T) {
	cb := New("p1", 1, 1, 20*time.Millisecond)
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("expected open")
	}

	time.Sleep(40 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected half-open to allow a probe")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state %v", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after probe success, got %v", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New("p1", 1, 1, 20*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(40 * time.Millisecond)
	_ = cb.Allow() // transition to half-open

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected reopened, got %v", cb.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New("p1", 2, 1, time.Minute)
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if !cb.Allow() {
		t.Fatal("failure count should have been reset by success")
	}
}

func TestStateString(t *testing.T) {
	if StateClosed.String() != "closed" || StateOpen.String() != "open" || StateHalfOpen.String() != "half_open" {
		t.Fatal("unexpected state names")
	}
}
