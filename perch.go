// Package perch defines the capability model for Perch extensions: the
// descriptor types an extension declares at load time, the Extension
// interface every runtime variant implements, and the error taxonomy
// shared by loaders, the registry, and the safety layer.
//
// An extension is a third-party capability module. Perch loads three
// kinds: native dynamic libraries, sandboxed WebAssembly modules, and
// Lua scripts. All three are driven through the same Extension
// interface, so the registry and safety layer never branch on kind.
package perch

import (
	"context"
	"encoding/json"
	"time"
)

// Kind identifies the runtime backing an extension.
type Kind string

const (
	// KindNative is a platform dynamic library loaded in-process.
	KindNative Kind = "native"
	// KindWASM is a WebAssembly module executed in a sandbox.
	KindWASM Kind = "wasm"
	// KindScript is a Lua script executed by the embedded interpreter.
	KindScript Kind = "script"
)

// Metadata describes an extension's identity. It is declared once at
// load time and never mutated afterwards.
type Metadata struct {
	// ID is the globally unique extension identifier. The registry
	// rejects registrations whose declared ID differs from the
	// registration ID.
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string `json:"author,omitempty" yaml:"author,omitempty"`
	Homepage    string `json:"homepage,omitempty" yaml:"homepage,omitempty"`
	License     string `json:"license,omitempty" yaml:"license,omitempty"`

	// Source is the filesystem path the extension was loaded from.
	// The registry uses it for reload.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// ConfigSchema optionally constrains the configuration accepted by
	// Configure, as a JSON Schema document.
	ConfigSchema map[string]interface{} `json:"configSchema,omitempty" yaml:"configSchema,omitempty"`
}

// MetricDescriptor declares a metric an extension can produce.
type MetricDescriptor struct {
	Name        string   `json:"name" yaml:"name"`
	DisplayName string   `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	DataType    string   `json:"data_type,omitempty" yaml:"data_type,omitempty"`
	Unit        string   `json:"unit,omitempty" yaml:"unit,omitempty"`
	Min         *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Required    bool     `json:"required,omitempty" yaml:"required,omitempty"`
}

// ParameterSpec describes one parameter of a command.
type ParameterSpec struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Type        string      `json:"type,omitempty" yaml:"type,omitempty"`
	Required    bool        `json:"required,omitempty" yaml:"required,omitempty"`
	Default     interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	Min         *float64    `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64    `json:"max,omitempty" yaml:"max,omitempty"`
	Options     []string    `json:"options,omitempty" yaml:"options,omitempty"`
}

// CommandDefinition declares a command an extension accepts. The
// definition is consumed by the tool-bridging layer when exposing
// extension commands to the agent; the runtime itself only uses Name,
// Parameters, and FixedValues.
type CommandDefinition struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`

	// PayloadTemplate is an optional skeleton payload the bridge can
	// fill in instead of assembling arguments from scratch.
	PayloadTemplate map[string]interface{} `json:"payload_template,omitempty" yaml:"payload_template,omitempty"`

	Parameters []ParameterSpec `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// FixedValues are constants merged into the arguments of every
	// invocation of this command. Caller-supplied values win.
	FixedValues map[string]interface{} `json:"fixed_values,omitempty" yaml:"fixed_values,omitempty"`

	// Samples are example payloads for documentation and prompting.
	Samples []map[string]interface{} `json:"samples,omitempty" yaml:"samples,omitempty"`

	// LLMHints is free text guiding the agent on when to use the command.
	LLMHints string `json:"llm_hints,omitempty" yaml:"llm_hints,omitempty"`

	// ParameterGroups optionally names sets of parameters that belong
	// together, e.g. mutually exclusive addressing modes.
	ParameterGroups map[string][]string `json:"parameter_groups,omitempty" yaml:"parameter_groups,omitempty"`
}

// MetricValue is one produced metric sample.
type MetricValue struct {
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	Unit      string      `json:"unit,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Extension is the capability interface implemented by every loaded
// extension, independent of its backing runtime.
//
// Implementations must be safe for concurrent use: the registry shares
// handles by reference between lifecycle operations and callers.
type Extension interface {
	// Metadata returns the immutable identity descriptor.
	Metadata() Metadata

	// Metrics returns the metrics declared at load time.
	Metrics() []MetricDescriptor

	// Commands returns the commands declared at load time.
	Commands() []CommandDefinition

	// ExecuteCommand invokes a named command and returns its raw JSON
	// result. Unknown commands fail with ErrCommandNotFound.
	ExecuteCommand(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error)

	// ProduceMetrics returns the current values of the declared metrics.
	ProduceMetrics(ctx context.Context) ([]MetricValue, error)

	// HealthCheck reports whether the extension considers itself
	// healthy. Extensions without a meaningful probe return true.
	HealthCheck(ctx context.Context) bool

	// Configure applies configuration. When the metadata declares a
	// ConfigSchema the configuration is validated against it first.
	Configure(config map[string]interface{}) error

	// Close releases the extension's resources.
	Close(ctx context.Context) error
}

// StatsReporter is optionally implemented by extensions that keep
// their own call counters. The registry merges these with its own
// bookkeeping by taking the maximum of each counter.
type StatsReporter interface {
	CallCount() int64
	ErrorCount() int64
}

// MergeArgs overlays caller arguments onto a command's fixed values.
// Fixed values apply first so callers can override them per call.
func MergeArgs(def *CommandDefinition, args map[string]interface{}) map[string]interface{} {
	if def == nil || len(def.FixedValues) == 0 {
		return args
	}
	merged := make(map[string]interface{}, len(def.FixedValues)+len(args))
	for k, v := range def.FixedValues {
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}
	return merged
}
