package registry

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/perch-ai/perch"
	"github.com/perch-ai/perch/native"
)

// kindForPath maps a file extension to the kind of loader that can
// handle it. Unknown extensions return the empty kind.
func kindForPath(path string) perch.Kind {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wasm":
		return perch.KindWASM
	case ".lua":
		return perch.KindScript
	default:
		if strings.EqualFold(ext, native.LibraryExt()) {
			return perch.KindNative
		}
		return ""
	}
}

// Load resolves a file through the loader registered for its kind and
// adds the result to the catalogue under its declared id. It returns
// the id.
func (r *Registry) Load(ctx context.Context, path string) (string, error) {
	kind := kindForPath(path)
	if kind == "" {
		return "", fmt.Errorf("%w: no loader can handle %s", perch.ErrInvalidFormat, path)
	}

	r.mu.RLock()
	loader, ok := r.loaders[kind]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: no %s loader configured", perch.ErrLoadFailed, kind)
	}

	ext, err := loader.Load(ctx, path)
	if err != nil {
		return "", err
	}

	id := ext.Metadata().ID
	if err := r.Register(id, kind, ext); err != nil {
		_ = ext.Close(ctx)
		return "", err
	}

	// The loader knows the real path even when the extension's own
	// metadata omits it; keep it for reload.
	r.mu.Lock()
	if inst, ok := r.items[id]; ok {
		inst.source = path
	}
	r.mu.Unlock()
	return id, nil
}

// LoadNative loads one native library and registers it.
func (r *Registry) LoadNative(ctx context.Context, path string) (string, error) {
	if kindForPath(path) != perch.KindNative {
		return "", fmt.Errorf("%w: %s is not a %s library", perch.ErrInvalidFormat, path, native.LibraryExt())
	}
	return r.Load(ctx, path)
}

// DiscoverNative scans the given directories for dynamic libraries
// matching the host platform's extension and loads each one. Files
// that fail to load are skipped with a warning; discovery always
// makes it through the rest of a directory.
func (r *Registry) DiscoverNative(ctx context.Context, paths ...string) ([]string, error) {
	return r.discover(ctx, func(path string) bool {
		return kindForPath(path) == perch.KindNative
	}, paths...)
}

// Discover scans the given directories for every file a configured
// loader can handle and loads each one.
func (r *Registry) Discover(ctx context.Context, paths ...string) ([]string, error) {
	return r.discover(ctx, func(path string) bool {
		kind := kindForPath(path)
		if kind == "" {
			return false
		}
		r.mu.RLock()
		_, ok := r.loaders[kind]
		r.mu.RUnlock()
		return ok
	}, paths...)
}

func (r *Registry) discover(ctx context.Context, match func(string) bool, paths ...string) ([]string, error) {
	var loaded []string
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable entries are skipped, not fatal
			}
			if d.IsDir() || !match(path) {
				return nil
			}
			id, err := r.Load(ctx, path)
			if err != nil {
				r.log.Warn("skipping extension during discovery",
					zap.String("path", path), zap.Error(err))
				return nil
			}
			loaded = append(loaded, id)
			return nil
		})
		if err != nil {
			return loaded, fmt.Errorf("scanning %s: %w", root, err)
		}
	}
	return loaded, nil
}

// Reload unregisters an extension, loads it again from its original
// path, and restores it to its previous lifecycle position: a
// previously running extension is initialized with its last
// configuration and started again.
func (r *Registry) Reload(ctx context.Context, id string) error {
	r.mu.RLock()
	inst, ok := r.items[id]
	var (
		source     string
		wasRunning bool
		hadConfig  bool
		config     map[string]interface{}
	)
	if ok {
		source = inst.source
		wasRunning = inst.state == StateRunning
		hadConfig = inst.state != StateLoaded
		config = inst.config
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", perch.ErrNotFound, id)
	}
	if source == "" {
		return fmt.Errorf("%w: %q has no recorded source path", perch.ErrLoadFailed, id)
	}

	r.Unregister(ctx, id)

	newID, err := r.Load(ctx, source)
	if err != nil {
		return fmt.Errorf("reloading %q: %w", id, err)
	}

	if hadConfig {
		if err := r.Initialize(ctx, newID, config); err != nil {
			return err
		}
	}
	if wasRunning {
		if err := r.Start(ctx, newID); err != nil {
			return err
		}
	}
	r.log.Info("extension reloaded", zap.String("extension", newID), zap.String("path", source))
	return nil
}
