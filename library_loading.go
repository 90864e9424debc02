package jaclip

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// EnvLibPath points at a tokenizers shared library to use instead of the cached one.
	EnvLibPath = "JACLIP_TOKENIZERS_LIB_PATH"
	// legacyEnvLibPath is the variable used by pure-tokenizers itself.
	legacyEnvLibPath = "TOKENIZERS_LIB_PATH"
)

func libraryPathFromEnv() (path, variable string) {
	for _, name := range []string{EnvLibPath, legacyEnvLibPath} {
		if v := os.Getenv(name); v != "" {
			return v, name
		}
	}
	return "", ""
}

// LocateTokenizerLibrary returns the library that LoadTokenizerLibrary would
// open without downloading anything, and whether one exists.
func LocateTokenizerLibrary(userPath string) (string, bool) {
	if userPath != "" {
		return userPath, fileExists(userPath)
	}
	if envPath, _ := libraryPathFromEnv(); envPath != "" {
		return envPath, fileExists(envPath)
	}
	cached := GetCachedLibraryPath()
	return cached, isLibraryValid(cached)
}

// LoadTokenizerLibrary loads the tokenizer shared library from the specified path
// or attempts to find it through various fallback mechanisms:
// 1. User-provided path
// 2. JACLIP_TOKENIZERS_LIB_PATH, then TOKENIZERS_LIB_PATH
// 3. Cached library in platform-specific directory
// 4. Automatic download from GitHub releases
func LoadTokenizerLibrary(userPath string, logger zerolog.Logger) (uintptr, error) {
	if userPath != "" {
		if !fileExists(userPath) {
			return 0, errors.Errorf("library file not found at user-provided path: %s", userPath)
		}
		libh, err := loadLibrary(userPath)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to load library from user-provided path: %s", userPath)
		}
		return libh, nil
	}

	if envPath, variable := libraryPathFromEnv(); envPath != "" {
		if !fileExists(envPath) {
			return 0, errors.Errorf("library file not found at %s: %s", variable, envPath)
		}
		libh, err := loadLibrary(envPath)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to load library from %s: %s", variable, envPath)
		}
		return libh, nil
	}

	cachedPath := GetCachedLibraryPath()
	if isLibraryValid(cachedPath) {
		libh, err := loadLibrary(cachedPath)
		if err == nil {
			return libh, nil
		}
		logger.Warn().Err(err).Str("path", cachedPath).Msg("cached tokenizers library is unusable, downloading again")
		_ = ClearLibraryCache()
	}

	logger.Info().Str("path", cachedPath).Msg("downloading tokenizers library")
	if err := DownloadAndCacheLibrary(context.Background()); err != nil {
		return 0, errors.Wrap(err, "failed to download library from GitHub releases")
	}
	libh, err := loadLibrary(cachedPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to load downloaded library from: %s", cachedPath)
	}
	return libh, nil
}

// getLibraryName returns the platform-specific library name
func getLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libtokenizers.dylib"
	case "linux":
		return "libtokenizers.so"
	case "windows":
		return "tokenizers.dll"
	default:
		return fmt.Sprintf("libtokenizers_%s", runtime.GOOS)
	}
}

// getCacheDir returns the platform-specific cache root of this package.
func getCacheDir() string {
	var cacheDir string
	switch runtime.GOOS {
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			cacheDir = filepath.Join(home, "Library", "Caches", "jaclip")
		}
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			cacheDir = filepath.Join(appData, "jaclip")
		}
	default:
		if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
			cacheDir = filepath.Join(xdgCache, "jaclip")
		} else if home, err := os.UserHomeDir(); err == nil {
			cacheDir = filepath.Join(home, ".cache", "jaclip")
		}
	}
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "jaclip")
	}
	return cacheDir
}

func getLibraryCacheDir() string {
	return filepath.Join(getCacheDir(), "lib")
}

// GetCachedLibraryPath returns the path where the library would be cached
func GetCachedLibraryPath() string {
	return filepath.Join(getLibraryCacheDir(), getLibraryName())
}

// IsLibraryCached checks if the library is already cached and valid
func IsLibraryCached() bool {
	return isLibraryValid(GetCachedLibraryPath())
}

// ClearLibraryCache removes the cached library file
func ClearLibraryCache() error {
	cachedPath := GetCachedLibraryPath()
	if _, err := os.Stat(cachedPath); os.IsNotExist(err) {
		return nil
	}
	return os.Remove(cachedPath)
}

// isMusl checks if the current Linux system uses musl libc
func isMusl() bool {
	for _, loader := range []string{"/lib/ld-musl-x86_64.so.1", "/lib/ld-musl-aarch64.so.1"} {
		if _, err := os.Stat(loader); err == nil {
			return true
		}
	}
	return false
}
