package wasm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/perch-ai/perch"
)

// moduleExt is the file extension of loadable modules.
const moduleExt = ".wasm"

// Manifest is the sidecar descriptor placed next to a module file with
// the same base name and a .json (or .yaml) extension. A missing
// sidecar is not an error: minimal metadata is synthesized from the
// filename instead.
type Manifest struct {
	ID           string                    `json:"id" yaml:"id"`
	Name         string                    `json:"name" yaml:"name"`
	Version      string                    `json:"version" yaml:"version"`
	Description  string                    `json:"description,omitempty" yaml:"description,omitempty"`
	Author       string                    `json:"author,omitempty" yaml:"author,omitempty"`
	Homepage     string                    `json:"homepage,omitempty" yaml:"homepage,omitempty"`
	License      string                    `json:"license,omitempty" yaml:"license,omitempty"`
	ConfigSchema map[string]interface{}    `json:"config_schema,omitempty" yaml:"config_schema,omitempty"`
	Metrics      []perch.MetricDescriptor  `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Commands     []perch.CommandDefinition `json:"commands,omitempty" yaml:"commands,omitempty"`
}

// Loader resolves module files into capability handles backed by a
// shared sandbox.
type Loader struct {
	sandbox *Sandbox
	log     *zap.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(log *zap.Logger) LoaderOption {
	return func(l *Loader) {
		l.log = log
	}
}

// NewLoader creates a loader that registers modules with the sandbox.
func NewLoader(sandbox *Sandbox, opts ...LoaderOption) *Loader {
	l := &Loader{sandbox: sandbox, log: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves a module file into a capability handle: sidecar (or
// synthesized) metadata, registration with the sandbox under the
// extension id, and a handle forwarding execution to the sandbox.
func (l *Loader) Load(ctx context.Context, path string) (perch.Extension, error) {
	meta, metrics, commands, err := l.LoadMetadata(path)
	if err != nil {
		return nil, err
	}

	if err := l.sandbox.LoadModule(ctx, meta.ID, path); err != nil {
		return nil, err
	}
	l.log.Info("wasm extension loaded",
		zap.String("extension", meta.ID),
		zap.String("path", path),
		zap.Int("metrics", len(metrics)),
		zap.Int("commands", len(commands)))

	sandbox := l.sandbox
	id := meta.ID
	return &Extension{
		meta:     meta,
		metrics:  metrics,
		commands: commands,
		exec:     sandbox,
		closeFn: func(ctx context.Context) error {
			sandbox.UnloadModule(ctx, id)
			return nil
		},
		cache: make(map[string]interface{}),
	}, nil
}

// LoadMetadata resolves only the descriptors, skipping the sandbox
// entirely. Used for cheap directory discovery.
func (l *Loader) LoadMetadata(path string) (perch.Metadata, []perch.MetricDescriptor, []perch.CommandDefinition, error) {
	if !strings.EqualFold(filepath.Ext(path), moduleExt) {
		return perch.Metadata{}, nil, nil,
			fmt.Errorf("%w: %s is not a %s module", perch.ErrInvalidFormat, path, moduleExt)
	}

	manifest, found, err := readSidecar(path)
	if err != nil {
		return perch.Metadata{}, nil, nil, err
	}
	if !found {
		return synthesizeMetadata(path), nil, nil, nil
	}

	meta := perch.Metadata{
		ID:           manifest.ID,
		Name:         manifest.Name,
		Version:      manifest.Version,
		Description:  manifest.Description,
		Author:       manifest.Author,
		Homepage:     manifest.Homepage,
		License:      manifest.License,
		ConfigSchema: manifest.ConfigSchema,
		Source:       path,
	}
	if meta.ID == "" {
		meta.ID = baseName(path)
	}
	if meta.Name == "" {
		meta.Name = meta.ID
	}
	if meta.Version == "" {
		meta.Version = "0.0.0"
	}
	return meta, manifest.Metrics, manifest.Commands, nil
}

// readSidecar looks for <base>.json then <base>.yaml beside the
// module. The YAML parser accepts both formats.
func readSidecar(modulePath string) (Manifest, bool, error) {
	base := strings.TrimSuffix(modulePath, filepath.Ext(modulePath))
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		sidecar := base + ext
		data, err := os.ReadFile(sidecar)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return Manifest{}, false, fmt.Errorf("%w: reading sidecar %s: %v", perch.ErrLoadFailed, sidecar, err)
		}
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return Manifest{}, false, fmt.Errorf("%w: parsing sidecar %s: %v", perch.ErrInvalidFormat, sidecar, err)
		}
		return m, true, nil
	}
	return Manifest{}, false, nil
}

// synthesizeMetadata builds minimal metadata from the filename for
// modules shipped without a sidecar.
func synthesizeMetadata(path string) perch.Metadata {
	id := baseName(path)
	return perch.Metadata{
		ID:      id,
		Name:    id,
		Version: "0.0.0",
		Source:  path,
	}
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
