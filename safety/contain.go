package safety

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/perch-ai/perch"
)

// PanicEvent describes a fault captured while an extension call was
// unwinding the stack.
type PanicEvent struct {
	ExtensionID string
	Value       interface{}
	Stack       []byte
	At          time.Time

	// ExtensionRelated is a best-effort heuristic: the payload message
	// mentions "extension". Diagnostic only, never used for policy.
	ExtensionRelated bool
}

// PanicHandler observes captured panic events.
type PanicHandler func(PanicEvent)

type panicHook struct {
	handler PanicHandler
	log     *zap.Logger
	repanic bool
}

var (
	hookInstalled atomic.Bool
	hook          atomic.Pointer[panicHook]
)

// HookOption configures the global panic hook.
type HookOption func(*panicHook)

// WithHookLogger sets the logger the hook records events with.
func WithHookLogger(log *zap.Logger) HookOption {
	return func(h *panicHook) {
		h.log = log
	}
}

// WithRepanic makes Contain re-raise after recording, restoring the
// default crash behavior. Only useful in development.
func WithRepanic() HookOption {
	return func(h *panicHook) {
		h.repanic = true
	}
}

// InstallPanicHook installs the process-wide panic hook used by
// Contain. Only the first call installs; later calls return false and
// change nothing.
func InstallPanicHook(handler PanicHandler, opts ...HookOption) bool {
	if !hookInstalled.CompareAndSwap(false, true) {
		return false
	}
	h := &panicHook{handler: handler, log: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	hook.Store(h)
	return true
}

// PanicError is the error Contain returns in place of a propagating
// panic. It unwraps to perch.ErrExecutionFailed so callers can treat
// it as one more execution failure.
type PanicError struct {
	ExtensionID string
	Value       interface{}
	Stack       []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("extension %s panicked: %v", e.ExtensionID, e.Value)
}

// Unwrap makes the panic visible as an execution failure.
func (e *PanicError) Unwrap() error { return perch.ErrExecutionFailed }

// Contain runs fn, converting a panic into a *PanicError instead of
// letting it unwind into the host. It is the last line of defense
// beneath the circuit breaker, covering calls that never return
// normally. Captured events are logged and forwarded to the installed
// hook; the caller is responsible for feeding the returned PanicError
// back into Manager.RecordPanic.
func Contain(extensionID string, fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		ev := PanicEvent{
			ExtensionID:      extensionID,
			Value:            r,
			Stack:            debug.Stack(),
			At:               time.Now(),
			ExtensionRelated: strings.Contains(fmt.Sprint(r), "extension"),
		}

		h := hook.Load()
		if h != nil {
			h.log.Error("panic contained during extension call",
				zap.String("extension", extensionID),
				zap.Any("panic", ev.Value),
				zap.Bool("extension_related", ev.ExtensionRelated),
				zap.ByteString("stack", ev.Stack))
			if h.handler != nil {
				h.handler(ev)
			}
			if h.repanic {
				panic(r)
			}
		}

		err = &PanicError{ExtensionID: extensionID, Value: r, Stack: ev.Stack}
	}()

	return fn()
}

// resetPanicHookForTest clears the global hook between tests.
func resetPanicHookForTest() {
	hook.Store(nil)
	hookInstalled.Store(false)
}
