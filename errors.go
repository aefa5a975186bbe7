package perch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Registry and lifecycle errors.
var (
	// ErrLoadFailed is returned when an extension cannot be resolved
	// from its file: unreadable file, missing symbol, ABI mismatch.
	ErrLoadFailed = errors.New("perch: extension load failed")

	// ErrNotFound is returned for operations on an unknown extension id.
	ErrNotFound = errors.New("perch: extension not found")

	// ErrInvalidFormat is returned when a file is not a loadable
	// extension for the loader that was asked to handle it.
	ErrInvalidFormat = errors.New("perch: invalid extension format")

	// ErrInitializationFailed is returned for rejected lifecycle
	// transitions, registration id mismatches, and failed configuration.
	ErrInitializationFailed = errors.New("perch: extension initialization failed")
)

// Command execution errors.
var (
	// ErrCommandNotFound is returned when an extension does not declare
	// the requested command.
	ErrCommandNotFound = errors.New("perch: command not found")

	// ErrExecutionFailed is returned when a command runs but fails,
	// including contained panics.
	ErrExecutionFailed = errors.New("perch: command execution failed")

	// ErrInvalidArguments is returned when arguments violate the
	// command's parameter specification or the config schema.
	ErrInvalidArguments = errors.New("perch: invalid arguments")

	// ErrTimeout is returned when the sandbox aborts a call that
	// exceeded its execution ceiling.
	ErrTimeout = errors.New("perch: command timed out")
)

// ValidateConfig checks a configuration map against a JSON Schema
// declared in extension metadata. A nil or empty schema accepts
// everything.
func ValidateConfig(schema, config map[string]interface{}) error {
	if len(schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return fmt.Errorf("%w: schema validation: %v", ErrInvalidArguments, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
	}
	return nil
}

// ValidateArgs checks caller arguments against a command's parameter
// specification: required parameters must be present (after fixed
// values and defaults are applied) and enum-typed parameters must use
// a declared option.
func ValidateArgs(def *CommandDefinition, args map[string]interface{}) error {
	if def == nil {
		return nil
	}
	for i := range def.Parameters {
		p := &def.Parameters[i]
		v, ok := args[p.Name]
		if !ok {
			if p.Default != nil {
				continue
			}
			if p.Required {
				return fmt.Errorf("%w: missing required parameter %q", ErrInvalidArguments, p.Name)
			}
			continue
		}
		if len(p.Options) > 0 {
			s, isString := v.(string)
			if !isString || !containsString(p.Options, s) {
				return fmt.Errorf("%w: parameter %q must be one of %v", ErrInvalidArguments, p.Name, p.Options)
			}
		}
	}
	return nil
}

// ApplyDefaults fills in declared parameter defaults for arguments the
// caller omitted. The input map is not mutated.
func ApplyDefaults(def *CommandDefinition, args map[string]interface{}) map[string]interface{} {
	if def == nil {
		return args
	}
	var out map[string]interface{}
	for i := range def.Parameters {
		p := &def.Parameters[i]
		if p.Default == nil {
			continue
		}
		if _, ok := args[p.Name]; ok {
			continue
		}
		if out == nil {
			out = make(map[string]interface{}, len(args)+1)
			for k, v := range args {
				out[k] = v
			}
		}
		out[p.Name] = p.Default
	}
	if out == nil {
		return args
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
