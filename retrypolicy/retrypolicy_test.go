package retrypolicy

import (
	"errors"
	"testing"
	"time"
)

func TestNextDelayBackoffAndCap(t *testing.T) {
	p := Policy{MaximumAttempts: 5, InitialInterval: time.Second, BackoffCoefficient: 2, MaximumInterval: 10 * time.Second}

	d1, ok := p.NextDelay(1)
	if !ok || d1 != time.Second {
		t.Fatalf("attempt 1: got %v, ok=%v", d1, ok)
	}
	d2, ok := p.NextDelay(2)
	if !ok || d2 != 2*time.Second {
		t.Fatalf("attempt 2: got %v, ok=%v", d2, ok)
	}
	d5, ok := p.NextDelay(5)
	if !ok || d5 != 10*time.Second {
		t.Fatalf("attempt 5 should be capped at max: got %v, ok=%v", d5, ok)
	}
	if _, ok := p.NextDelay(6); ok {
		t.Fatal("attempt 6 should exceed MaximumAttempts")
	}
}

func TestRetryBoundInvariant(t *testing.T) {
	p := Policy{MaximumAttempts: 3, InitialInterval: time.Millisecond, BackoffCoefficient: 2, MaximumInterval: time.Second}
	attempts := 0
	for {
		attempts++
		if _, ok := p.NextDelay(attempts); !ok {
			break
		}
		if attempts > 1000 {
			t.Fatal("retry loop did not terminate")
		}
	}
	if attempts-1 != p.MaximumAttempts {
		t.Fatalf("expected exactly %d retries before exhaustion, got %d", p.MaximumAttempts, attempts-1)
	}
}

func TestErrorAsAndSilent(t *testing.T) {
	base := errors.New("boom")
	err := New(KindCollation, 0, base)
	re, ok := As(err)
	if !ok || re.Kind != KindCollation {
		t.Fatalf("As() = %v, %v", re, ok)
	}
	if !re.Kind.Silent() {
		t.Fatal("collation errors must be silent")
	}
	if KindFatal.Silent() {
		t.Fatal("fatal errors must not be silent")
	}
	if !errors.Is(err, err) {
		t.Fatal("errors.Is should match itself")
	}
	if errors.Unwrap(err) != base {
		t.Fatal("Unwrap should return the cause")
	}
}
