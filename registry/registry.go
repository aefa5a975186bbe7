// Package registry is the catalogue of loaded extensions. It drives
// the per-extension lifecycle state machine, keeps statistics, and
// gates every command through the safety layer so one misbehaving
// extension never destabilizes the host.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/perch-ai/perch"
	"github.com/perch-ai/perch/safety"
)

// Loader resolves a file path into a capability handle. The wasm,
// native, and script packages each provide one; the registry never
// branches on extension kind beyond choosing a loader.
type Loader interface {
	Load(ctx context.Context, path string) (perch.Extension, error)
}

// Registry is the top-level catalogue of loaded extensions.
//
// The catalogue map is guarded by one read-write lock: listing and
// lookups take read locks, mutations take the write lock. Each
// capability handle synchronizes itself, so a long-running command
// never blocks catalogue-wide listing.
type Registry struct {
	log    *zap.Logger
	safety *safety.Manager

	mu      sync.RWMutex
	items   map[string]*instance
	loaders map[perch.Kind]Loader
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// WithSafetyManager sets the safety manager gating extension calls.
func WithSafetyManager(m *safety.Manager) Option {
	return func(r *Registry) {
		r.safety = m
	}
}

// WithLoader registers the loader used for a kind, enabling discovery
// and reload for extensions of that kind.
func WithLoader(kind perch.Kind, l Loader) Option {
	return func(r *Registry) {
		r.loaders[kind] = l
	}
}

// New creates a registry. The global panic containment hook is
// installed on first construction so faults during extension calls
// are logged instead of crashing the host.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:     zap.NewNop(),
		items:   make(map[string]*instance),
		loaders: make(map[perch.Kind]Loader),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.safety == nil {
		r.safety = safety.NewManager(safety.WithLogger(r.log))
	}
	safety.InstallPanicHook(nil, safety.WithHookLogger(r.log))
	return r
}

// SafetyManager returns the manager gating this registry's calls.
func (r *Registry) SafetyManager() *safety.Manager { return r.safety }

// Register adds a capability handle to the catalogue under the given
// id. The handle's declared id must equal the registration id.
func (r *Registry) Register(id string, kind perch.Kind, ext perch.Extension) error {
	meta := ext.Metadata()
	if meta.ID != id {
		return fmt.Errorf("%w: extension declares id %q, registered as %q",
			perch.ErrInitializationFailed, meta.ID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[id]; exists {
		return fmt.Errorf("%w: %q is already registered", perch.ErrInitializationFailed, id)
	}
	r.items[id] = &instance{
		ext:      ext,
		kind:     kind,
		source:   meta.Source,
		state:    StateLoaded,
		enabled:  true,
		loadedAt: time.Now(),
	}
	r.log.Info("extension registered",
		zap.String("extension", id),
		zap.String("kind", string(kind)),
		zap.String("version", meta.Version))
	return nil
}

// Unregister stops and shuts down an extension and removes it from
// the catalogue. Teardown errors are swallowed as warnings so removal
// always succeeds; unregistering an unknown id is a no-op.
func (r *Registry) Unregister(ctx context.Context, id string) {
	r.mu.Lock()
	inst, ok := r.items[id]
	if ok {
		if inst.state == StateRunning {
			inst.recordStop()
		}
		delete(r.items, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := inst.ext.Close(ctx); err != nil {
		r.log.Warn("extension shutdown failed during unregister",
			zap.String("extension", id), zap.Error(err))
	}
	r.log.Info("extension unregistered", zap.String("extension", id))
}

// Get returns the capability handle for an id.
func (r *Registry) Get(id string) (perch.Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", perch.ErrNotFound, id)
	}
	return inst.ext, nil
}

// GetInfo returns a snapshot of an extension's lifecycle record.
func (r *Registry) GetInfo(id string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.items[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", perch.ErrNotFound, id)
	}
	return inst.snapshot(), nil
}

// List returns snapshots of every registered extension, ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.items))
	for _, inst := range r.items {
		out = append(out, inst.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.ID < out[j].Metadata.ID })
	return out
}

// ListByKind returns snapshots of extensions of one kind, ordered by id.
func (r *Registry) ListByKind(kind perch.Kind) []Info {
	all := r.List()
	out := all[:0]
	for _, info := range all {
		if info.Kind == kind {
			out = append(out, info)
		}
	}
	return out
}

// Initialize moves an extension from Loaded to Initialized, applying
// its configuration. A failed configuration leaves it Loaded.
//
// The state stays Loaded while Configure runs: a concurrent Start
// must never observe Initialized before the configuration has been
// applied. The configuring flag makes concurrent Initialize calls
// elect one winner.
func (r *Registry) Initialize(ctx context.Context, id string, config map[string]interface{}) error {
	r.mu.Lock()
	inst, ok := r.items[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", perch.ErrNotFound, id)
	}
	if inst.configuring || !inst.state.canTransition(StateInitialized) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q cannot move from %s to %s",
			perch.ErrInitializationFailed, id, inst.state, StateInitialized)
	}
	inst.configuring = true
	r.mu.Unlock()

	// Configure runs outside the catalogue lock so a slow extension
	// never blocks listing.
	err := inst.ext.Configure(config)

	r.mu.Lock()
	inst.configuring = false
	if err != nil {
		inst.stats.ErrorCount++
		r.mu.Unlock()
		return fmt.Errorf("%w: configuring %q: %v", perch.ErrInitializationFailed, id, err)
	}
	inst.state = StateInitialized
	inst.config = config
	r.mu.Unlock()
	r.log.Info("extension initialized", zap.String("extension", id))
	return nil
}

// Start moves an extension to Running. Starting a disabled extension
// is rejected.
func (r *Registry) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %q", perch.ErrNotFound, id)
	}
	if !inst.enabled {
		return fmt.Errorf("%w: %q is disabled", perch.ErrInitializationFailed, id)
	}
	if !inst.state.canTransition(StateRunning) {
		return fmt.Errorf("%w: cannot start %q from state %s",
			perch.ErrInitializationFailed, id, inst.state)
	}
	inst.state = StateRunning
	inst.lastStart = time.Now()
	inst.stats.StartCount++
	inst.stats.LastStartAt = inst.lastStart
	r.log.Info("extension started", zap.String("extension", id))
	return nil
}

// Stop moves a running extension to Stopped, accumulating its uptime.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %q", perch.ErrNotFound, id)
	}
	if !inst.state.canTransition(StateStopped) {
		return fmt.Errorf("%w: cannot stop %q from state %s",
			perch.ErrInitializationFailed, id, inst.state)
	}
	inst.recordStop()
	r.log.Info("extension stopped", zap.String("extension", id))
	return nil
}

// recordStop transitions to Stopped and books the run duration.
// Caller holds the write lock.
func (in *instance) recordStop() {
	in.state = StateStopped
	in.stats.StopCount++
	if !in.lastStart.IsZero() {
		in.stats.TotalUptime += time.Since(in.lastStart)
	}
}

// Enable re-enables an extension and clears its safety state:
// breaker, panic count, and any disable record. Enabling an enabled
// extension is a no-op.
func (r *Registry) Enable(id string) error {
	r.mu.Lock()
	inst, ok := r.items[id]
	if ok {
		inst.enabled = true
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", perch.ErrNotFound, id)
	}
	r.safety.Enable(id)
	return nil
}

// Disable blocks calls to an extension, stopping it first when it is
// running.
func (r *Registry) Disable(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	inst, ok := r.items[id]
	if ok {
		if inst.state == StateRunning {
			inst.recordStop()
		}
		inst.enabled = false
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", perch.ErrNotFound, id)
	}
	r.safety.Disable(id, reason, false)
	r.log.Info("extension disabled", zap.String("extension", id), zap.String("reason", reason))
	return nil
}

// ExecuteCommand runs a command on a running extension. The call is
// gated by the safety manager, wrapped in panic containment, and its
// outcome is reported back so the breaker can react. A gate rejection
// is a fast skip: the extension is never invoked.
func (r *Registry) ExecuteCommand(ctx context.Context, id, command string, args map[string]interface{}) (json.RawMessage, error) {
	r.mu.RLock()
	inst, ok := r.items[id]
	var (
		ext     perch.Extension
		state   State
		enabled bool
	)
	if ok {
		ext, state, enabled = inst.ext, inst.state, inst.enabled
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", perch.ErrNotFound, id)
	}
	if state != StateRunning {
		return nil, fmt.Errorf("%w: %q is %s, not running", perch.ErrExecutionFailed, id, state)
	}
	if !enabled || !r.safety.IsAllowed(id) {
		return nil, fmt.Errorf("%w: calls to %q are currently suspended", perch.ErrExecutionFailed, id)
	}

	var raw json.RawMessage
	err := safety.Contain(id, func() error {
		var execErr error
		raw, execErr = ext.ExecuteCommand(ctx, command, args)
		return execErr
	})

	r.recordOutcome(id, inst, err)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// ProduceMetrics collects the current metric values of a running
// extension through the same safety gate as commands.
func (r *Registry) ProduceMetrics(ctx context.Context, id string) ([]perch.MetricValue, error) {
	r.mu.RLock()
	inst, ok := r.items[id]
	var (
		ext     perch.Extension
		state   State
		enabled bool
	)
	if ok {
		ext, state, enabled = inst.ext, inst.state, inst.enabled
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", perch.ErrNotFound, id)
	}
	if state != StateRunning {
		return nil, fmt.Errorf("%w: %q is %s, not running", perch.ErrExecutionFailed, id, state)
	}
	if !enabled || !r.safety.IsAllowed(id) {
		return nil, fmt.Errorf("%w: calls to %q are currently suspended", perch.ErrExecutionFailed, id)
	}

	var values []perch.MetricValue
	err := safety.Contain(id, func() error {
		var produceErr error
		values, produceErr = ext.ProduceMetrics(ctx)
		return produceErr
	})

	r.recordOutcome(id, inst, err)
	if err != nil {
		return nil, err
	}
	return values, nil
}

// recordOutcome feeds a call result into the safety manager and the
// registry's counters. Panics travel a separate channel from plain
// failures.
func (r *Registry) recordOutcome(id string, inst *instance, err error) {
	var pe *safety.PanicError
	switch {
	case errors.As(err, &pe):
		r.safety.RecordPanic(id)
	case err != nil:
		r.safety.RecordFailure(id)
	default:
		r.safety.RecordSuccess(id)
	}

	r.mu.Lock()
	inst.stats.CallCount++
	if err != nil {
		inst.stats.ErrorCount++
	}
	r.mu.Unlock()
}

// HealthCheck probes one extension, contained like any other call.
func (r *Registry) HealthCheck(ctx context.Context, id string) (bool, error) {
	ext, err := r.Get(id)
	if err != nil {
		return false, err
	}
	healthy := false
	containErr := safety.Contain(id, func() error {
		healthy = ext.HealthCheck(ctx)
		return nil
	})
	if containErr != nil {
		var pe *safety.PanicError
		if errors.As(containErr, &pe) {
			r.safety.RecordPanic(id)
		}
		return false, nil
	}
	return healthy, nil
}

// HealthCheckAll probes every registered extension concurrently.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	infos := r.List()

	var mu sync.Mutex
	results := make(map[string]bool, len(infos))

	g, ctx := errgroup.WithContext(ctx)
	for _, info := range infos {
		id := info.Metadata.ID
		g.Go(func() error {
			healthy, err := r.HealthCheck(ctx, id)
			mu.Lock()
			results[id] = err == nil && healthy
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Stats returns an extension's merged statistics.
func (r *Registry) Stats(id string) (Stats, error) {
	info, err := r.GetInfo(id)
	if err != nil {
		return Stats{}, err
	}
	return info.Stats, nil
}

// ShutdownAll stops and closes every extension concurrently and
// empties the catalogue.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	items := r.items
	r.items = make(map[string]*instance)
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for id, inst := range items {
		id, inst := id, inst
		g.Go(func() error {
			if inst.state == StateRunning {
				inst.recordStop()
			}
			if err := inst.ext.Close(ctx); err != nil {
				r.log.Warn("extension shutdown failed",
					zap.String("extension", id), zap.Error(err))
				return fmt.Errorf("shutting down %q: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}
