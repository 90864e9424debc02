//go:build windows

package jaclip

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

func loadLibrary(path string) (uintptr, error) {
	handle, err := windows.LoadLibrary(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to load shared library: %s", path)
	}
	if handle == 0 {
		return 0, errors.Errorf("failed to load shared library: %s", path)
	}
	return uintptr(handle), nil
}

// isLibraryValid reports whether path exists and can be opened as a shared library.
func isLibraryValid(path string) bool {
	if !fileExists(path) {
		return false
	}
	handle, err := windows.LoadLibrary(path)
	if err != nil {
		return false
	}
	_ = windows.FreeLibrary(handle)
	return true
}

func closeLibrary(handle uintptr) error {
	if handle == 0 {
		return errors.New("failed to close library: invalid library handle")
	}
	if err := windows.FreeLibrary(windows.Handle(handle)); err != nil {
		return errors.Errorf("failed to close library: %s", err.Error())
	}
	return nil
}
