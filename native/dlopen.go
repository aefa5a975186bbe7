//go:build linux || darwin || freebsd

package native

import (
	"fmt"
	"plugin"

	"github.com/perch-ai/perch"
)

// openExtension crosses the library boundary: it resolves the version
// marker and the constructor, checks the ABI handshake, and constructs
// the capability implementation.
func openExtension(path string) (perch.Extension, error) {
	lib, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", perch.ErrLoadFailed, path, err)
	}

	vsym, err := lib.Lookup(versionSymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s does not export %s", perch.ErrLoadFailed, path, versionSymbol)
	}
	version, ok := vsym.(*uint32)
	if !ok {
		return nil, fmt.Errorf("%w: %s: %s has type %T, want *uint32",
			perch.ErrLoadFailed, path, versionSymbol, vsym)
	}
	if *version != APIVersion {
		return nil, fmt.Errorf("%w: %s built for API version %d, host speaks %d",
			perch.ErrLoadFailed, path, *version, APIVersion)
	}

	csym, err := lib.Lookup(constructorSymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s does not export %s", perch.ErrLoadFailed, path, constructorSymbol)
	}
	construct, ok := csym.(func() perch.Extension)
	if !ok {
		return nil, fmt.Errorf("%w: %s: %s has type %T, want func() perch.Extension",
			perch.ErrLoadFailed, path, constructorSymbol, csym)
	}

	ext := construct()
	if ext == nil {
		return nil, fmt.Errorf("%w: %s: constructor returned nil", perch.ErrLoadFailed, path)
	}
	return ext, nil
}
