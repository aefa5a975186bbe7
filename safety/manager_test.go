package safety

import (
	"testing"
	"time"
)

func TestManagerAllowsUnknownExtensions(t *testing.T) {
	m := NewManager()
	if !m.IsAllowed("fresh") {
		t.Fatal("an extension with no history should be allowed")
	}
}

func TestManagerDelegatesToBreaker(t *testing.T) {
	m := NewManager(WithBreakerConfig(BreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
	}))

	m.RecordFailure("ext")
	if !m.IsAllowed("ext") {
		t.Fatal("one failure should not trip the breaker")
	}
	m.RecordFailure("ext")
	if m.IsAllowed("ext") {
		t.Fatal("breaker at threshold should reject calls")
	}
}

func TestManagerDisableOverridesBreaker(t *testing.T) {
	m := NewManager()

	m.Disable("ext", "operator request", false)
	if m.IsAllowed("ext") {
		t.Fatal("disabled extension must not be allowed")
	}

	st := m.Status("ext")
	if st.Disabled == nil || st.Disabled.Reason != "operator request" {
		t.Fatalf("status disabled = %+v, want operator request", st.Disabled)
	}

	m.Enable("ext")
	if !m.IsAllowed("ext") {
		t.Fatal("enabled extension should be allowed again")
	}
}

func TestManagerAutoRecoverableDisableSelfHeals(t *testing.T) {
	m := NewManager(WithRecoveryWindow(20 * time.Millisecond))

	m.Disable("ext", "transient fault", true)
	if m.IsAllowed("ext") {
		t.Fatal("freshly disabled extension must not be allowed")
	}

	time.Sleep(30 * time.Millisecond)

	if !m.IsAllowed("ext") {
		t.Fatal("auto-recoverable disable should self-heal after the window")
	}
	// The record is gone, not just bypassed.
	if st := m.Status("ext"); st.Disabled != nil {
		t.Fatalf("disable record survived self-heal: %+v", st.Disabled)
	}
}

func TestManagerPanicThresholdDisables(t *testing.T) {
	m := NewManager()

	m.RecordPanic("ext")
	m.RecordPanic("ext")
	if !m.IsAllowed("ext") {
		t.Fatal("two panics should not disable the extension")
	}

	m.RecordPanic("ext")
	if m.IsAllowed("ext") {
		t.Fatal("three panics must disable the extension")
	}

	st := m.Status("ext")
	if st.Disabled == nil {
		t.Fatal("expected a disable record after three panics")
	}
	if st.Disabled.AutoRecoverable {
		t.Fatal("panic disable must not be auto-recoverable")
	}
	if st.Panics == nil || st.Panics.Count != 3 {
		t.Fatalf("panic info = %+v, want count 3", st.Panics)
	}
}

func TestManagerEnableResetsEverything(t *testing.T) {
	m := NewManager(WithBreakerConfig(BreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
	}))

	m.RecordFailure("ext")
	m.RecordFailure("ext")
	for i := 0; i < 3; i++ {
		m.RecordPanic("ext")
	}
	if m.IsAllowed("ext") {
		t.Fatal("extension should be fully blocked")
	}

	m.Enable("ext")

	if !m.IsAllowed("ext") {
		t.Fatal("enable must make the extension callable")
	}
	st := m.Status("ext")
	if st.Breaker.Failures != 0 {
		t.Fatalf("breaker failures after enable = %d, want 0", st.Breaker.Failures)
	}
	if st.Panics != nil {
		t.Fatalf("panic record after enable = %+v, want none", st.Panics)
	}
	if st.Disabled != nil {
		t.Fatalf("disable record after enable = %+v, want none", st.Disabled)
	}
}

func TestManagerEnableIsIdempotent(t *testing.T) {
	m := NewManager()
	m.Enable("never-seen")
	m.Enable("never-seen")
	if !m.IsAllowed("never-seen") {
		t.Fatal("enable on an unknown id should leave it callable")
	}
}

func TestManagerStatusAll(t *testing.T) {
	m := NewManager()
	m.RecordFailure("a")
	m.Disable("b", "maintenance", true)
	m.RecordPanic("c")

	all := m.StatusAll()
	for _, id := range []string{"a", "b", "c"} {
		if _, ok := all[id]; !ok {
			t.Errorf("StatusAll missing %q", id)
		}
	}
}
