package safety

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// panicDisableThreshold is the panic count at which an extension
	// is disabled without auto-recovery.
	panicDisableThreshold = 3

	// defaultRecoveryWindow is how long an auto-recoverable disable
	// lasts before the next eligibility check clears it.
	defaultRecoveryWindow = 5 * time.Minute
)

// DisabledInfo records why an extension is disabled.
type DisabledInfo struct {
	Reason          string    `json:"reason"`
	At              time.Time `json:"at"`
	AutoRecoverable bool      `json:"auto_recoverable"`
}

// PanicInfo tracks contained panics for one extension.
type PanicInfo struct {
	Count int       `json:"count"`
	Last  time.Time `json:"last"`
}

// ExtensionStatus is the merged per-extension safety snapshot.
type ExtensionStatus struct {
	ID       string        `json:"id"`
	Breaker  BreakerStatus `json:"breaker"`
	Disabled *DisabledInfo `json:"disabled,omitempty"`
	Panics   *PanicInfo    `json:"panics,omitempty"`
}

// Manager is the single "may I call this extension now?" gate. It owns
// one breaker per extension alongside disable records and panic
// counters. A disable record always overrides breaker state.
type Manager struct {
	breakerCfg     BreakerConfig
	recoveryWindow time.Duration
	log            *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
	disabled map[string]DisabledInfo
	panics   map[string]PanicInfo
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBreakerConfig sets the thresholds applied to every breaker the
// manager creates.
func WithBreakerConfig(cfg BreakerConfig) ManagerOption {
	return func(m *Manager) {
		m.breakerCfg = cfg
	}
}

// WithLogger sets the manager's logger.
func WithLogger(log *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// WithRecoveryWindow overrides how long auto-recoverable disables last.
func WithRecoveryWindow(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.recoveryWindow = d
	}
}

// NewManager creates a safety manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		breakerCfg:     DefaultBreakerConfig(),
		recoveryWindow: defaultRecoveryWindow,
		log:            zap.NewNop(),
		breakers:       make(map[string]*Breaker),
		disabled:       make(map[string]DisabledInfo),
		panics:         make(map[string]PanicInfo),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// breaker returns the extension's breaker, creating it on first use.
func (m *Manager) breaker(id string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[id]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[id]; ok {
		return b
	}
	b = NewBreaker(id, m.breakerCfg)
	m.breakers[id] = b
	return b
}

// IsAllowed reports whether calls to the extension may proceed right
// now. Disabled extensions are rejected unless the disable was
// auto-recoverable and its recovery window has elapsed, in which case
// the record self-heals. Otherwise the decision is the breaker's.
func (m *Manager) IsAllowed(id string) bool {
	m.mu.RLock()
	info, off := m.disabled[id]
	m.mu.RUnlock()

	if off {
		if !info.AutoRecoverable || time.Since(info.At) < m.recoveryWindow {
			return false
		}
		m.mu.Lock()
		// Re-check: Enable or a concurrent self-heal may have run.
		if cur, still := m.disabled[id]; still && cur.AutoRecoverable {
			delete(m.disabled, id)
			m.log.Info("extension auto-recovered from disable",
				zap.String("extension", id),
				zap.String("reason", cur.Reason))
		}
		m.mu.Unlock()
		return true
	}

	return m.breaker(id).Allow()
}

// RecordSuccess reports a successful call to the extension's breaker.
func (m *Manager) RecordSuccess(id string) {
	m.breaker(id).RecordSuccess()
}

// RecordFailure reports a failed call to the extension's breaker.
func (m *Manager) RecordFailure(id string) {
	m.breaker(id).RecordFailure()
}

// RecordPanic notes a contained panic. Reaching the panic threshold
// disables the extension without auto-recovery; only an explicit
// Enable brings it back.
func (m *Manager) RecordPanic(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.panics[id]
	p.Count++
	p.Last = time.Now()
	m.panics[id] = p

	m.log.Warn("extension panic recorded",
		zap.String("extension", id),
		zap.Int("count", p.Count))

	if p.Count >= panicDisableThreshold {
		if _, already := m.disabled[id]; !already {
			m.disabled[id] = DisabledInfo{
				Reason:          fmt.Sprintf("disabled after %d panics", p.Count),
				At:              time.Now(),
				AutoRecoverable: false,
			}
			m.log.Error("extension disabled after repeated panics",
				zap.String("extension", id),
				zap.Int("panics", p.Count))
		}
	}
}

// Disable blocks all calls to the extension. An auto-recoverable
// disable clears itself after the recovery window.
func (m *Manager) Disable(id, reason string, autoRecoverable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled[id] = DisabledInfo{
		Reason:          reason,
		At:              time.Now(),
		AutoRecoverable: autoRecoverable,
	}
	m.log.Info("extension disabled",
		zap.String("extension", id),
		zap.String("reason", reason),
		zap.Bool("auto_recoverable", autoRecoverable))
}

// Enable clears any disable record and panic count for the extension
// and resets its breaker. Enabling an already-enabled extension is a
// no-op.
func (m *Manager) Enable(id string) {
	m.mu.Lock()
	_, wasDisabled := m.disabled[id]
	delete(m.disabled, id)
	delete(m.panics, id)
	b := m.breakers[id]
	m.mu.Unlock()

	if b != nil {
		b.Reset()
	}
	if wasDisabled {
		m.log.Info("extension enabled", zap.String("extension", id))
	}
}

// Status returns the merged safety snapshot for one extension.
func (m *Manager) Status(id string) ExtensionStatus {
	b := m.breaker(id)

	m.mu.RLock()
	defer m.mu.RUnlock()

	st := ExtensionStatus{ID: id, Breaker: b.Status()}
	if info, ok := m.disabled[id]; ok {
		d := info
		st.Disabled = &d
	}
	if p, ok := m.panics[id]; ok {
		pc := p
		st.Panics = &pc
	}
	return st
}

// StatusAll returns safety snapshots for every extension the manager
// has seen, keyed by id.
func (m *Manager) StatusAll() map[string]ExtensionStatus {
	m.mu.RLock()
	ids := make(map[string]struct{}, len(m.breakers))
	for id := range m.breakers {
		ids[id] = struct{}{}
	}
	for id := range m.disabled {
		ids[id] = struct{}{}
	}
	for id := range m.panics {
		ids[id] = struct{}{}
	}
	m.mu.RUnlock()

	out := make(map[string]ExtensionStatus, len(ids))
	for id := range ids {
		out[id] = m.Status(id)
	}
	return out
}
