package registry

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchDebounce coalesces the burst of filesystem events a single
// file replacement produces.
const watchDebounce = 500 * time.Millisecond

// Watcher watches extension directories and keeps the registry in
// sync: a changed module file triggers a reload of the extension
// loaded from it, a new file is loaded fresh.
type Watcher struct {
	registry *Registry
	log      *zap.Logger
	paths    []string

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher over the given directories.
func NewWatcher(r *Registry, paths []string) *Watcher {
	return &Watcher{
		registry: r,
		log:      r.log,
		paths:    paths,
		pending:  make(map[string]*time.Timer),
	}
}

// Run watches until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	for _, path := range w.paths {
		if err := fw.Add(path); err != nil {
			w.log.Warn("cannot watch extension path",
				zap.String("path", path), zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if kindForPath(ev.Name) == "" {
				continue
			}
			w.schedule(ctx, ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("extension watcher error", zap.Error(err))
		}
	}
}

// schedule debounces a change and applies it once the file settles.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.apply(ctx, path)
	})
}

// apply reloads the extension loaded from path, or loads the file as
// a new extension if nothing in the catalogue came from it.
func (w *Watcher) apply(ctx context.Context, path string) {
	w.registry.mu.RLock()
	var existing string
	for id, inst := range w.registry.items {
		if inst.source == path {
			existing = id
			break
		}
	}
	w.registry.mu.RUnlock()

	if existing != "" {
		if err := w.registry.Reload(ctx, existing); err != nil {
			w.log.Warn("auto-reload failed",
				zap.String("extension", existing), zap.Error(err))
		}
		return
	}

	id, err := w.registry.Load(ctx, path)
	if err != nil {
		w.log.Warn("auto-load failed", zap.String("path", path), zap.Error(err))
		return
	}
	// Walk the new extension to Running so a dropped-in file is
	// callable without a restart.
	if err := w.registry.Initialize(ctx, id, nil); err != nil {
		w.log.Warn("auto-loaded extension not initialized",
			zap.String("extension", id), zap.Error(err))
		return
	}
	if err := w.registry.Start(ctx, id); err != nil {
		w.log.Warn("auto-loaded extension not started",
			zap.String("extension", id), zap.Error(err))
		return
	}
	w.log.Info("extension auto-loaded", zap.String("extension", id), zap.String("path", path))
}
