package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/perch-ai/perch"
)

// Well-known commands the handle looks for in the declared command
// list. Modules that declare them get richer metric and health
// behavior; modules that don't still work.
const (
	metricsCommand = "metrics"
	healthCommand  = "health_check"
	configCommand  = "configure"
)

// executor abstracts the sandbox so the handle can be exercised
// without instantiating real modules.
type executor interface {
	Execute(ctx context.Context, name, command string, args map[string]interface{}) (json.RawMessage, error)
}

// Extension is the capability handle for a sandboxed module. It owns
// its descriptor lists and a cache of last-seen metric values, updated
// from every successful command result.
type Extension struct {
	meta     perch.Metadata
	metrics  []perch.MetricDescriptor
	commands []perch.CommandDefinition

	exec    executor
	closeFn func(ctx context.Context) error

	calls  atomic.Int64
	errors atomic.Int64

	mu     sync.RWMutex
	config map[string]interface{}
	cache  map[string]interface{} // metric name -> last-seen value
}

var _ perch.Extension = (*Extension)(nil)
var _ perch.StatsReporter = (*Extension)(nil)

// Metadata implements perch.Extension.
func (e *Extension) Metadata() perch.Metadata { return e.meta }

// Metrics implements perch.Extension.
func (e *Extension) Metrics() []perch.MetricDescriptor { return e.metrics }

// Commands implements perch.Extension.
func (e *Extension) Commands() []perch.CommandDefinition { return e.commands }

// CallCount implements perch.StatsReporter.
func (e *Extension) CallCount() int64 { return e.calls.Load() }

// ErrorCount implements perch.StatsReporter.
func (e *Extension) ErrorCount() int64 { return e.errors.Load() }

// findCommand returns the declared definition for name, or nil when
// the extension declares no commands at all (commands are then
// forwarded to the module as-is).
func (e *Extension) findCommand(name string) (*perch.CommandDefinition, error) {
	if len(e.commands) == 0 {
		return nil, nil
	}
	for i := range e.commands {
		if e.commands[i].Name == name {
			return &e.commands[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no command %q", perch.ErrCommandNotFound, e.meta.ID, name)
}

// ExecuteCommand runs a command in the sandbox and returns the raw
// JSON result. Declared fixed values and parameter defaults are merged
// into the arguments; results update the metric cache.
func (e *Extension) ExecuteCommand(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	def, err := e.findCommand(name)
	if err != nil {
		return nil, err
	}

	merged := perch.ApplyDefaults(def, perch.MergeArgs(def, args))
	if err := perch.ValidateArgs(def, merged); err != nil {
		return nil, err
	}

	e.calls.Add(1)
	raw, err := e.exec.Execute(ctx, e.meta.ID, name, merged)
	if err != nil {
		e.errors.Add(1)
		return nil, err
	}

	// A well-formed envelope can still report failure.
	if res := gjson.GetBytes(raw, "success"); res.Exists() && !res.Bool() {
		e.errors.Add(1)
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = "module reported failure"
		}
		return nil, fmt.Errorf("%w: %s/%s: %s", perch.ErrExecutionFailed, e.meta.ID, name, msg)
	}

	e.updateMetricCache(raw)
	return raw, nil
}

// updateMetricCache runs metric extraction over a result for every
// declared metric. Metrics absent from the result keep their previous
// cached value.
func (e *Extension) updateMetricCache(raw []byte) {
	if len(raw) == 0 || len(e.metrics) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.metrics {
		if v, ok := extractMetric(raw, e.metrics[i].Name); ok {
			e.cache[e.metrics[i].Name] = v
		}
	}
}

// ProduceMetrics returns the last-seen value of every declared metric.
// When the module declares a "metrics" command it is executed first to
// refresh the cache.
func (e *Extension) ProduceMetrics(ctx context.Context) ([]perch.MetricValue, error) {
	if def, err := e.findCommand(metricsCommand); err == nil && def != nil {
		if _, err := e.ExecuteCommand(ctx, metricsCommand, nil); err != nil {
			return nil, err
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	now := time.Now()
	values := make([]perch.MetricValue, 0, len(e.metrics))
	for i := range e.metrics {
		m := &e.metrics[i]
		v, ok := e.cache[m.Name]
		if !ok {
			continue
		}
		values = append(values, perch.MetricValue{
			Name:      m.Name,
			Value:     v,
			Unit:      m.Unit,
			Timestamp: now,
		})
	}
	return values, nil
}

// HealthCheck executes the module's health command when it declares
// one; otherwise a loaded module is considered healthy.
func (e *Extension) HealthCheck(ctx context.Context) bool {
	def, err := e.findCommand(healthCommand)
	if err != nil || def == nil {
		return true
	}
	raw, err := e.ExecuteCommand(ctx, healthCommand, nil)
	if err != nil {
		return false
	}
	if res := gjson.GetBytes(raw, "healthy"); res.Exists() {
		return res.Bool()
	}
	return true
}

// Configure validates the configuration against the declared schema,
// stores it, and forwards it to the module's "configure" command when
// one is declared.
func (e *Extension) Configure(config map[string]interface{}) error {
	if err := perch.ValidateConfig(e.meta.ConfigSchema, config); err != nil {
		return err
	}

	e.mu.Lock()
	e.config = config
	e.mu.Unlock()

	if def, err := e.findCommand(configCommand); err == nil && def != nil {
		if _, err := e.ExecuteCommand(context.Background(), configCommand, config); err != nil {
			return fmt.Errorf("%w: applying configuration: %v", perch.ErrInitializationFailed, err)
		}
	}
	return nil
}

// Close unloads the module from the sandbox.
func (e *Extension) Close(ctx context.Context) error {
	if e.closeFn == nil {
		return nil
	}
	return e.closeFn(ctx)
}
