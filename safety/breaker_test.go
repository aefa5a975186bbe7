package safety

import (
	"sync"
	"testing"
	"time"
)

func testBreaker(cooldown time.Duration) *Breaker {
	return NewBreaker("demo", BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         cooldown,
	})
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	b := testBreaker(time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("after 4 failures state = %v, want closed", got)
	}
	if !b.Allow() {
		t.Fatal("closed breaker should allow calls")
	}

	b.RecordFailure() // 5th
	if got := b.State(); got != StateOpen {
		t.Fatalf("after 5 failures state = %v, want open", got)
	}

	b.RecordFailure() // 6th changes nothing
	if got := b.State(); got != StateOpen {
		t.Fatalf("after 6 failures state = %v, want open", got)
	}
	if b.Allow() {
		t.Fatal("open breaker should reject calls before cooldown")
	}
}

func TestBreakerSuccessResetsClosedFailures(t *testing.T) {
	b := testBreaker(time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	if got := b.Status().Failures; got != 0 {
		t.Fatalf("failures after success = %d, want 0", got)
	}

	// The reset means 4 more failures still don't open it.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestBreakerCooldownMovesToHalfOpen(t *testing.T) {
	b := testBreaker(50 * time.Millisecond)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if b.Allow() {
		t.Fatal("open breaker should reject before cooldown")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("breaker should allow after cooldown")
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after cooldown check = %v, want half-open", got)
	}
}

func TestBreakerHalfOpenCloses(t *testing.T) {
	b := testBreaker(time.Millisecond)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(5 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected half-open transition")
	}

	b.RecordSuccess()
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("after 1 success state = %v, want half-open", got)
	}
	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Fatalf("after 2 successes state = %v, want closed", got)
	}
	if got := b.Status().Failures; got != 0 {
		t.Fatalf("failures after close = %d, want 0", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := testBreaker(time.Millisecond)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(5 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected half-open transition")
	}

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("after half-open failure state = %v, want open", got)
	}
	if b.Allow() {
		t.Fatal("reopened breaker should reject calls")
	}
}

func TestBreakerReset(t *testing.T) {
	b := testBreaker(time.Minute)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	b.Reset()

	st := b.Status()
	if st.State != StateClosed || st.Failures != 0 || st.Successes != 0 {
		t.Fatalf("after reset status = %+v, want closed with zero counters", st)
	}
	if !b.Allow() {
		t.Fatal("reset breaker should allow calls")
	}
}

func TestBreakerConcurrentChecks(t *testing.T) {
	b := testBreaker(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Allow()
				if j%2 == 0 {
					b.RecordSuccess()
				} else {
					b.RecordFailure()
				}
			}
		}()
	}
	wg.Wait()

	if got := b.State(); got != StateClosed && got != StateOpen && got != StateHalfOpen {
		t.Fatalf("state = %v, want a valid state", got)
	}
}

func TestBreakerStateString(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{BreakerState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
