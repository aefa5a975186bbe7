// Package script runs Lua scripts as lightweight extensions. A script
// declares its identity in header comments and exposes commands as
// global functions:
//
//	-- @id: cpu-monitor
//	-- @name: CPU Monitor
//	-- @version: 1.2.0
//	-- @command: sample
//	-- @metric: cpu_load %
//
//	function sample(args)
//	  return { cpu_load = read_load() }
//	end
//
// Each call runs in a fresh, sandboxed interpreter state, so a script
// cannot retain host resources between calls.
package script

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/Shopify/go-lua"
	"go.uber.org/zap"

	"github.com/perch-ai/perch"
)

const scriptExt = ".lua"

// Extension is the capability handle for a Lua script.
type Extension struct {
	meta     perch.Metadata
	metrics  []perch.MetricDescriptor
	commands []perch.CommandDefinition
	source   string

	calls  atomic.Int64
	errors atomic.Int64

	mu     sync.RWMutex
	config map[string]interface{}
	cache  map[string]interface{}
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

func (e *Extension) findCommand(name string) (*perch.CommandDefinition, error) {
	for i := range e.commands {
		if e.commands[i].Name == name {
			return &e.commands[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no command %q", perch.ErrCommandNotFound, e.meta.ID, name)
}

// ExecuteCommand runs the global Lua function named after the command
// in a fresh sandboxed state and returns its result as JSON.
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
	result, err := e.run(name, merged)
	if err != nil {
		e.errors.Add(1)
		return nil, fmt.Errorf("%w: %s/%s: %v", perch.ErrExecutionFailed, e.meta.ID, name, err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		e.errors.Add(1)
		return nil, fmt.Errorf("%w: encoding %s/%s result: %v", perch.ErrExecutionFailed, e.meta.ID, name, err)
	}

	e.updateMetricCache(result)
	return raw, nil
}

// run executes one command in a fresh interpreter state.
func (e *Extension) run(command string, args map[string]interface{}) (interface{}, error) {
	l := lua.NewState()
	setupSandbox(l)

	e.mu.RLock()
	config := e.config
	e.mu.RUnlock()

	pushValue(l, config)
	l.SetGlobal("config")

	if err := lua.DoString(l, e.source); err != nil {
		return nil, fmt.Errorf("script error: %w", err)
	}

	l.Global(command)
	if l.TypeOf(-1) != lua.TypeFunction {
		l.Pop(1)
		return nil, fmt.Errorf("script defines no function %q", command)
	}
	pushValue(l, args)
	if err := l.ProtectedCall(1, 1, 0); err != nil {
		return nil, err
	}
	result := pullValue(l, -1)
	l.Pop(1)
	return result, nil
}

// updateMetricCache caches declared metric values found as top-level
// fields of a command result.
func (e *Extension) updateMetricCache(result interface{}) {
	obj, ok := result.(map[string]interface{})
	if !ok || len(e.metrics) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.metrics {
		if v, ok := obj[e.metrics[i].Name]; ok {
			e.cache[e.metrics[i].Name] = v
		}
	}
}

// ProduceMetrics refreshes the cache through the script's "metrics"
// command when declared, then reports the last-seen values.
func (e *Extension) ProduceMetrics(ctx context.Context) ([]perch.MetricValue, error) {
	if _, err := e.findCommand("metrics"); err == nil {
		if _, err := e.ExecuteCommand(ctx, "metrics", nil); err != nil {
			return nil, err
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	now := time.Now()
	values := make([]perch.MetricValue, 0, len(e.metrics))
	for i := range e.metrics {
		m := &e.metrics[i]
		if v, ok := e.cache[m.Name]; ok {
			values = append(values, perch.MetricValue{Name: m.Name, Value: v, Unit: m.Unit, Timestamp: now})
		}
	}
	return values, nil
}

// HealthCheck runs the script's "health_check" command when declared;
// a script without one is healthy as long as it parses.
func (e *Extension) HealthCheck(ctx context.Context) bool {
	if _, err := e.findCommand("health_check"); err != nil {
		return true
	}
	result, err := e.run("health_check", nil)
	if err != nil {
		return false
	}
	if healthy, ok := result.(bool); ok {
		return healthy
	}
	return true
}

// Configure validates and stores the configuration. Scripts see it as
// the global "config" table.
func (e *Extension) Configure(config map[string]interface{}) error {
	if err := perch.ValidateConfig(e.meta.ConfigSchema, config); err != nil {
		return err
	}
	e.mu.Lock()
	e.config = config
	e.mu.Unlock()
	return nil
}

// Close implements perch.Extension. Script states are per-call, so
// there is nothing to release.
func (e *Extension) Close(ctx context.Context) error { return nil }

// Loader resolves Lua script files into capability handles.
type Loader struct {
	log *zap.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(log *zap.Logger) LoaderOption {
	return func(l *Loader) {
		l.log = log
	}
}

// NewLoader creates a script loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{log: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads and compiles a script, returning its capability handle.
func (l *Loader) Load(ctx context.Context, path string) (perch.Extension, error) {
	meta, metrics, commands, source, err := l.loadSource(path)
	if err != nil {
		return nil, err
	}

	// Compile once up front so broken scripts fail at load, not first call.
	state := lua.NewState()
	if err := lua.LoadString(state, source); err != nil {
		return nil, fmt.Errorf("%w: compiling %s: %v", perch.ErrLoadFailed, path, err)
	}

	l.log.Info("script extension loaded",
		zap.String("extension", meta.ID),
		zap.String("path", path),
		zap.Int("commands", len(commands)))

	return &Extension{
		meta:     meta,
		metrics:  metrics,
		commands: commands,
		source:   source,
		cache:    make(map[string]interface{}),
	}, nil
}

// LoadMetadata parses only the script header, without compiling.
func (l *Loader) LoadMetadata(path string) (perch.Metadata, error) {
	meta, _, _, _, err := l.loadSource(path)
	return meta, err
}

func (l *Loader) loadSource(path string) (perch.Metadata, []perch.MetricDescriptor, []perch.CommandDefinition, string, error) {
	if !strings.EqualFold(filepath.Ext(path), scriptExt) {
		return perch.Metadata{}, nil, nil, "",
			fmt.Errorf("%w: %s is not a %s script", perch.ErrInvalidFormat, path, scriptExt)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return perch.Metadata{}, nil, nil, "",
			fmt.Errorf("%w: reading %s: %v", perch.ErrLoadFailed, path, err)
	}

	source := string(data)
	meta, metrics, commands := parseHeader(source)
	if meta.ID == "" {
		base := filepath.Base(path)
		meta.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if meta.Name == "" {
		meta.Name = meta.ID
	}
	if meta.Version == "" {
		meta.Version = "0.0.0"
	}
	meta.Source = path
	return meta, metrics, commands, source, nil
}

// parseHeader reads "-- @key: value" annotations from the comment
// block at the top of a script. Parsing stops at the first
// non-comment line.
func parseHeader(source string) (perch.Metadata, []perch.MetricDescriptor, []perch.CommandDefinition) {
	var (
		meta     perch.Metadata
		metrics  []perch.MetricDescriptor
		commands []perch.CommandDefinition
	)
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "--") {
			break
		}
		switch {
		case strings.HasPrefix(line, "-- @id:"):
			meta.ID = strings.TrimSpace(strings.TrimPrefix(line, "-- @id:"))
		case strings.HasPrefix(line, "-- @name:"):
			meta.Name = strings.TrimSpace(strings.TrimPrefix(line, "-- @name:"))
		case strings.HasPrefix(line, "-- @version:"):
			meta.Version = strings.TrimSpace(strings.TrimPrefix(line, "-- @version:"))
		case strings.HasPrefix(line, "-- @description:"):
			meta.Description = strings.TrimSpace(strings.TrimPrefix(line, "-- @description:"))
		case strings.HasPrefix(line, "-- @author:"):
			meta.Author = strings.TrimSpace(strings.TrimPrefix(line, "-- @author:"))
		case strings.HasPrefix(line, "-- @command:"):
			fields := strings.Fields(strings.TrimPrefix(line, "-- @command:"))
			if len(fields) > 0 {
				def := perch.CommandDefinition{Name: fields[0]}
				if len(fields) > 1 {
					def.DisplayName = strings.Join(fields[1:], " ")
				}
				commands = append(commands, def)
			}
		case strings.HasPrefix(line, "-- @metric:"):
			fields := strings.Fields(strings.TrimPrefix(line, "-- @metric:"))
			if len(fields) > 0 {
				m := perch.MetricDescriptor{Name: fields[0]}
				if len(fields) > 1 {
					m.Unit = fields[1]
				}
				metrics = append(metrics, m)
			}
		}
	}
	return meta, metrics, commands
}
