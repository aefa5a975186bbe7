//go:build !linux && !darwin && !freebsd

package native

import (
	"fmt"
	"runtime"

	"github.com/perch-ai/perch"
)

func openExtension(path string) (perch.Extension, error) {
	return nil, fmt.Errorf("%w: native extensions are not supported on %s",
		perch.ErrLoadFailed, runtime.GOOS)
}
