// Package wasm executes extensions as sandboxed WebAssembly modules
// using wazero. The Sandbox is the narrow execution boundary: it loads
// modules, enforces memory and time ceilings, and runs named commands.
// The Loader wraps registered modules as perch.Extension handles and
// extracts metric values from their command results.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/perch-ai/perch"
)

// Guest ABI. A module exports linear memory plus these functions:
//
//	perch_alloc(size) -> ptr
//	perch_free(ptr, size)
//	perch_call(ptr, len) -> (ptr, len)
//
// perch_call receives a JSON request {"command": ..., "args": ...} and
// returns a JSON result.
const (
	callExport  = "perch_call"
	allocExport = "perch_alloc"
	freeExport  = "perch_free"
)

const wasmPageSize = 65536

// SandboxConfig bounds every module the sandbox runs.
type SandboxConfig struct {
	// MaxMemoryMB caps each module's linear memory.
	MaxMemoryMB int `json:"max_memory_mb" yaml:"max_memory_mb"`
	// MaxExecSeconds caps the wall time of a single call. Exceeding it
	// aborts the call inside the sandbox and surfaces perch.ErrTimeout.
	MaxExecSeconds int `json:"max_exec_seconds" yaml:"max_exec_seconds"`
	// AllowSyscalls instantiates WASI so modules can use the clock and
	// similar host facilities. Off, modules get pure compute only.
	AllowSyscalls bool `json:"allow_syscalls" yaml:"allow_syscalls"`
}

// DefaultSandboxConfig returns conservative ceilings for edge devices.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		MaxMemoryMB:    64,
		MaxExecSeconds: 30,
		AllowSyscalls:  true,
	}
}

type sandboxModule struct {
	module api.Module
	call   api.Function
	alloc  api.Function
	free   api.Function

	// One call at a time per module: guest memory is not reentrant.
	mu sync.Mutex
}

// Sandbox executes named commands inside isolated, resource-bounded
// module instances. One Sandbox serves all WASM extensions; modules
// are registered under their extension id.
type Sandbox struct {
	cfg     SandboxConfig
	runtime wazero.Runtime

	mu      sync.RWMutex
	modules map[string]*sandboxModule
}

// NewSandbox creates a sandbox with the given ceilings.
func NewSandbox(ctx context.Context, cfg SandboxConfig) (*Sandbox, error) {
	def := DefaultSandboxConfig()
	if cfg.MaxMemoryMB <= 0 {
		cfg.MaxMemoryMB = def.MaxMemoryMB
	}
	if cfg.MaxExecSeconds <= 0 {
		cfg.MaxExecSeconds = def.MaxExecSeconds
	}

	pages := uint32(cfg.MaxMemoryMB * 1024 * 1024 / wasmPageSize)
	rc := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, rc)
	if cfg.AllowSyscalls {
		wasi_snapshot_preview1.MustInstantiate(ctx, r)
	}

	return &Sandbox{
		cfg:     cfg,
		runtime: r,
		modules: make(map[string]*sandboxModule),
	}, nil
}

// Config returns the sandbox ceilings.
func (s *Sandbox) Config() SandboxConfig { return s.cfg }

// LoadModule compiles and instantiates a module file under the given
// name. The module must export the guest ABI.
func (s *Sandbox) LoadModule(ctx context.Context, name, path string) error {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", perch.ErrLoadFailed, path, err)
	}

	compiled, err := s.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("%w: compiling %s: %v", perch.ErrLoadFailed, path, err)
	}

	mc := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions() // don't auto-run _start

	mod, err := s.runtime.InstantiateModule(ctx, compiled, mc)
	if err != nil {
		return fmt.Errorf("%w: instantiating %s: %v", perch.ErrLoadFailed, name, err)
	}

	sm := &sandboxModule{
		module: mod,
		call:   mod.ExportedFunction(callExport),
		alloc:  mod.ExportedFunction(allocExport),
		free:   mod.ExportedFunction(freeExport),
	}
	if sm.call == nil || sm.alloc == nil {
		_ = mod.Close(ctx)
		return fmt.Errorf("%w: module %s does not export %s/%s",
			perch.ErrInvalidFormat, name, callExport, allocExport)
	}
	if mod.ExportedMemory("memory") == nil {
		_ = mod.Close(ctx)
		return fmt.Errorf("%w: module %s does not export memory", perch.ErrInvalidFormat, name)
	}

	// Arity is part of the contract: a wrong-shaped guest must fail
	// here, not panic the host on the first call.
	for _, sig := range []struct {
		fn              api.Function
		export          string
		params, results int
	}{
		{sm.call, callExport, 2, 2},
		{sm.alloc, allocExport, 1, 1},
		{sm.free, freeExport, 2, 0},
	} {
		if sig.fn == nil {
			continue
		}
		if err := checkSignature(sig.fn, sig.params, sig.results); err != nil {
			_ = mod.Close(ctx)
			return fmt.Errorf("%w: module %s: %s %v", perch.ErrInvalidFormat, name, sig.export, err)
		}
	}

	s.mu.Lock()
	if old, ok := s.modules[name]; ok {
		_ = old.module.Close(ctx)
	}
	s.modules[name] = sm
	s.mu.Unlock()
	return nil
}

// checkSignature verifies an exported function's arity.
func checkSignature(fn api.Function, params, results int) error {
	def := fn.Definition()
	if len(def.ParamTypes()) != params || len(def.ResultTypes()) != results {
		return fmt.Errorf("takes %d parameter(s) and returns %d result(s), want %d and %d",
			len(def.ParamTypes()), len(def.ResultTypes()), params, results)
	}
	return nil
}

// UnloadModule closes and forgets a module. Unknown names are a no-op.
func (s *Sandbox) UnloadModule(ctx context.Context, name string) {
	s.mu.Lock()
	sm, ok := s.modules[name]
	delete(s.modules, name)
	s.mu.Unlock()
	if ok {
		_ = sm.module.Close(ctx)
	}
}

// callRequest is the envelope handed to perch_call.
type callRequest struct {
	Command string                 `json:"command"`
	Args    map[string]interface{} `json:"args,omitempty"`
}

// Execute runs a named command in the named module and returns the raw
// JSON result. A call exceeding the execution ceiling is aborted by
// the sandbox and fails with perch.ErrTimeout.
func (s *Sandbox) Execute(ctx context.Context, name, command string, args map[string]interface{}) (json.RawMessage, error) {
	s.mu.RLock()
	sm, ok := s.modules[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: module %q", perch.ErrNotFound, name)
	}

	input, err := json.Marshal(callRequest{Command: command, Args: args})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", perch.ErrInvalidArguments, err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.MaxExecSeconds)*time.Second)
	defer cancel()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	out, err := sm.invoke(ctx, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s/%s exceeded %ds",
				perch.ErrTimeout, name, command, s.cfg.MaxExecSeconds)
		}
		return nil, fmt.Errorf("%w: %s/%s: %v", perch.ErrExecutionFailed, name, command, err)
	}
	return out, nil
}

// invoke passes input through the guest ABI. Caller holds sm.mu.
func (sm *sandboxModule) invoke(ctx context.Context, input []byte) (json.RawMessage, error) {
	memory := sm.module.ExportedMemory("memory")

	inputLen := uint32(len(input))
	res, err := sm.alloc.Call(ctx, uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("guest alloc: %w", err)
	}
	inputPtr := uint32(res[0])

	if !memory.Write(inputPtr, input) {
		return nil, errors.New("writing request to guest memory")
	}

	res, err = sm.call.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, err
	}
	if sm.free != nil {
		_, _ = sm.free.Call(ctx, uint64(inputPtr), uint64(inputLen))
	}

	resultPtr := uint32(res[0])
	resultLen := uint32(res[1])
	if resultLen == 0 {
		return nil, nil
	}

	output, ok := memory.Read(resultPtr, resultLen)
	if !ok {
		return nil, errors.New("reading result from guest memory")
	}
	// Copy out before freeing: Read aliases guest memory.
	result := make(json.RawMessage, len(output))
	copy(result, output)

	if sm.free != nil {
		_, _ = sm.free.Call(ctx, uint64(resultPtr), uint64(resultLen))
	}
	return result, nil
}

// Close shuts down every module and the runtime.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	s.modules = make(map[string]*sandboxModule)
	s.mu.Unlock()
	return s.runtime.Close(ctx)
}
