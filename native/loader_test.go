package native

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/perch-ai/perch"
)

func TestLoadRejectsWrongExtension(t *testing.T) {
	l := NewLoader()
	for _, path := range []string{"demo.wasm", "demo.lua", "demo", "demo.so.txt"} {
		if filepath.Ext(path) == LibraryExt() {
			continue
		}
		_, err := l.Load(context.Background(), path)
		if !errors.Is(err, perch.ErrInvalidFormat) {
			t.Errorf("Load(%q) = %v, want ErrInvalidFormat", path, err)
		}
	}
}

func TestLoadMissingLibrary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghost"+LibraryExt())
	_, err := NewLoader().Load(context.Background(), path)
	if !errors.Is(err, perch.ErrLoadFailed) {
		t.Fatalf("err = %v, want ErrLoadFailed", err)
	}
}

func TestLoadMetadataSidecar(t *testing.T) {
	dir := t.TempDir()
	libPath := filepath.Join(dir, "libsensors"+LibraryExt())
	sidecar := filepath.Join(dir, "libsensors.json")
	body := `{"id": "sensors", "name": "Sensor Pack", "version": "2.1.0", "author": "perch"}`
	if err := os.WriteFile(sidecar, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	meta, err := NewLoader().LoadMetadata(libPath)
	if err != nil {
		t.Fatal(err)
	}
	if meta.ID != "sensors" {
		t.Errorf("id = %q, want sensors", meta.ID)
	}
	if meta.Name != "Sensor Pack" {
		t.Errorf("name = %q", meta.Name)
	}
	if meta.Version != "2.1.0" {
		t.Errorf("version = %q", meta.Version)
	}
	if meta.Source != libPath {
		t.Errorf("source = %q, want %q", meta.Source, libPath)
	}
}

func TestLoadMetadataSidecarDefaultsID(t *testing.T) {
	dir := t.TempDir()
	libPath := filepath.Join(dir, "libgpio"+LibraryExt())
	if err := os.WriteFile(filepath.Join(dir, "libgpio.json"), []byte(`{"name": "GPIO"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	meta, err := NewLoader().LoadMetadata(libPath)
	if err != nil {
		t.Fatal(err)
	}
	// The conventional "lib" prefix is stripped from the identity.
	if meta.ID != "gpio" {
		t.Errorf("id = %q, want gpio", meta.ID)
	}
}

func TestLoadMetadataSynthesized(t *testing.T) {
	meta, err := NewLoader().LoadMetadata(filepath.Join(t.TempDir(), "libmodbus"+LibraryExt()))
	if err != nil {
		t.Fatal(err)
	}
	if meta.ID != "modbus" {
		t.Errorf("id = %q, want modbus", meta.ID)
	}
	if meta.Name != "modbus" {
		t.Errorf("name = %q, want modbus", meta.Name)
	}
	if meta.Version != "0.0.0" {
		t.Errorf("version = %q, want 0.0.0", meta.Version)
	}
}

func TestLoadMetadataBadSidecar(t *testing.T) {
	dir := t.TempDir()
	libPath := filepath.Join(dir, "bad"+LibraryExt())
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewLoader().LoadMetadata(libPath)
	if !errors.Is(err, perch.ErrInvalidFormat) {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
}
