//go:build !windows

package jaclip

import (
	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

func loadLibrary(path string) (uintptr, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to load shared library: %s", path)
	}
	if handle == 0 {
		return 0, errors.Errorf("failed to load shared library: %s", path)
	}
	return handle, nil
}

// isLibraryValid reports whether path exists and can be opened as a shared library.
func isLibraryValid(path string) bool {
	if !fileExists(path) {
		return false
	}
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return false
	}
	_ = purego.Dlclose(handle)
	return true
}

func closeLibrary(handle uintptr) error {
	if err := purego.Dlclose(handle); err != nil {
		return errors.Errorf("failed to close library: %s", err.Error())
	}
	return nil
}
