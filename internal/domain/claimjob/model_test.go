package claimjob

import (
	"testing"
	"time"
)

func TestStatus_Transitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusManualReview},
		{StatusPending, StatusCancelled},
		{StatusProcessing, StatusAccepted},
		{StatusProcessing, StatusRejected},
		{StatusProcessing, StatusSent},
		{StatusProcessing, StatusPending},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusManualReview},
		{StatusProcessing, StatusCancelled},
		{StatusSent, StatusAccepted},
		{StatusSent, StatusRejected},
		{StatusSent, StatusCancelled},
		{StatusFailed, StatusPending},
		{StatusRejected, StatusPending},
		{StatusManualReview, StatusPending},
	}
	for _, tt := range allowed {
		if !tt.from.CanTransition(tt.to) {
			t.Errorf("expected %s -> %s to be allowed", tt.from, tt.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusAccepted},
		{StatusPending, StatusFailed},
		{StatusAccepted, StatusPending},
		{StatusAccepted, StatusCancelled},
		{StatusCancelled, StatusPending},
		{StatusFailed, StatusProcessing},
		{StatusManualReview, StatusProcessing},
		{StatusSent, StatusPending},
	}
	for _, tt := range denied {
		if tt.from.CanTransition(tt.to) {
			t.Errorf("expected %s -> %s to be denied", tt.from, tt.to)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusSent, StatusAccepted, StatusRejected, StatusFailed, StatusCancelled, StatusManualReview} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusProcessing} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestStatus_Valid(t *testing.T) {
	if Status("PENDING").Valid() {
		t.Error("status values are lowercase")
	}
	if !StatusManualReview.Valid() {
		t.Error("expected manual_review to be valid")
	}
}

func TestBackoff(t *testing.T) {
	base := 60 * time.Second
	if got := Backoff(base, 1); got != 60*time.Second {
		t.Errorf("attempt 1: expected 60s, got %v", got)
	}
	if got := Backoff(base, 2); got != 120*time.Second {
		t.Errorf("attempt 2: expected 120s, got %v", got)
	}
	if got := Backoff(base, 3); got != 240*time.Second {
		t.Errorf("attempt 3: expected 240s, got %v", got)
	}
	if got := Backoff(0, 5); got != 0 {
		t.Errorf("zero base: expected 0, got %v", got)
	}
}

func TestBackoff_MonotonicNonDecreasing(t *testing.T) {
	for _, base := range []time.Duration{time.Second, 45 * time.Second, time.Hour, 30 * time.Hour} {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 64; attempt++ {
			d := Backoff(base, attempt)
			if d < prev {
				t.Fatalf("base %v: attempt %d backoff %v < previous %v", base, attempt, d, prev)
			}
			if d <= 0 {
				t.Fatalf("base %v: attempt %d backoff %v overflowed", base, attempt, d)
			}
			prev = d
		}
	}
}
