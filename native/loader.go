// Package native loads extensions from platform dynamic libraries.
//
// A native extension library exports two symbols:
//
//	var PerchAPIVersion uint32          // must equal APIVersion
//	func NewExtension() perch.Extension // capability constructor
//
// A missing symbol or a version mismatch fails as a load error, never
// a crash. Platforms without dynamic library support compile a stub
// loader that rejects every load.
package native

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/perch-ai/perch"
)

// APIVersion is the host side of the ABI handshake. Libraries built
// against a different capability ABI are rejected at load time.
const APIVersion uint32 = 1

// Symbol names resolved across the library boundary.
const (
	versionSymbol     = "PerchAPIVersion"
	constructorSymbol = "NewExtension"
)

// LibraryExt returns the dynamic library extension for the host
// platform.
func LibraryExt() string {
	switch runtime.GOOS {
	case "darwin":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

// Loader resolves platform dynamic libraries into capability handles.
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

// NewLoader creates a native extension loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{log: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves a library file into a capability handle: the file
// extension must match the host platform, the library must export the
// ABI symbols, and its declared version must equal APIVersion.
func (l *Loader) Load(ctx context.Context, path string) (perch.Extension, error) {
	if err := checkLibraryExt(path); err != nil {
		return nil, err
	}

	ext, err := openExtension(path)
	if err != nil {
		return nil, err
	}

	meta := ext.Metadata()
	if meta.ID == "" {
		return nil, fmt.Errorf("%w: %s declares no extension id", perch.ErrLoadFailed, path)
	}
	l.log.Info("native extension loaded",
		zap.String("extension", meta.ID),
		zap.String("version", meta.Version),
		zap.String("path", path))
	return ext, nil
}

// LoadMetadata resolves only metadata without crossing the library
// boundary: a same-base sidecar descriptor when present, otherwise
// metadata synthesized from the filename. Used for cheap directory
// discovery.
func (l *Loader) LoadMetadata(path string) (perch.Metadata, error) {
	if err := checkLibraryExt(path); err != nil {
		return perch.Metadata{}, err
	}

	base := strings.TrimSuffix(path, filepath.Ext(path))
	if data, err := os.ReadFile(base + ".json"); err == nil {
		var meta perch.Metadata
		if err := yaml.Unmarshal(data, &meta); err != nil {
			return perch.Metadata{}, fmt.Errorf("%w: parsing sidecar for %s: %v", perch.ErrInvalidFormat, path, err)
		}
		if meta.ID == "" {
			meta.ID = libraryBaseName(path)
		}
		meta.Source = path
		return meta, nil
	}

	id := libraryBaseName(path)
	return perch.Metadata{ID: id, Name: id, Version: "0.0.0", Source: path}, nil
}

func checkLibraryExt(path string) error {
	if !strings.EqualFold(filepath.Ext(path), LibraryExt()) {
		return fmt.Errorf("%w: %s is not a %s library", perch.ErrInvalidFormat, path, LibraryExt())
	}
	return nil
}

func libraryBaseName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	// Conventional "lib" prefix is not part of the identity.
	return strings.TrimPrefix(base, "lib")
}
