package jaclip

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// LibraryGitHubRepo publishes the prebuilt tokenizers shared libraries.
	LibraryGitHubRepo = "amikos-tech/pure-tokenizers"
	DefaultLibraryTag = "latest"
	DownloadTimeout   = 30 * time.Second
)

// GitHubAPIBaseURL is a variable to allow testing with a mock server.
var GitHubAPIBaseURL = "https://api.github.com"

type gitHubRelease struct {
	TagName string        `json:"tag_name"`
	Assets  []gitHubAsset `json:"assets"`
}

type gitHubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Digest             string `json:"digest,omitempty"`
}

// getPlatformAssetName returns the expected asset name for the current platform
func getPlatformAssetName() string {
	return platformAssetName(runtime.GOOS, runtime.GOARCH, isMusl())
}

func platformAssetName(goos, goarch string, musl bool) string {
	arch := goarch
	switch goarch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	}
	platform := goos
	switch goos {
	case "darwin":
		platform = "apple-darwin"
	case "linux":
		platform = "unknown-linux-gnu"
		if musl {
			platform = "unknown-linux-musl"
		}
	case "windows":
		platform = "pc-windows-msvc"
	}
	return fmt.Sprintf("libtokenizers-%s-%s.tar.gz", arch, platform)
}

func getLibraryRepo() string {
	if repo := os.Getenv("TOKENIZERS_GITHUB_REPO"); repo != "" {
		return repo
	}
	return LibraryGitHubRepo
}

func getLibraryTag() string {
	for _, name := range []string{"JACLIP_TOKENIZERS_VERSION", "TOKENIZERS_VERSION"} {
		if tag := os.Getenv(name); tag != "" {
			return tag
		}
	}
	return DefaultLibraryTag
}

func releaseURL(repo, tag string) string {
	if tag == "" || tag == DefaultLibraryTag {
		return fmt.Sprintf("%s/repos/%s/releases/latest", GitHubAPIBaseURL, repo)
	}
	return fmt.Sprintf("%s/repos/%s/releases/tags/%s", GitHubAPIBaseURL, repo, tag)
}

// DownloadAndCacheLibrary downloads the library for the current platform into
// the cache unless a valid copy is already there.
func DownloadAndCacheLibrary(ctx context.Context) error {
	cachedPath := GetCachedLibraryPath()
	if isLibraryValid(cachedPath) {
		return nil
	}
	return DownloadLibrary(ctx, getLibraryTag(), cachedPath)
}

// DownloadLibrary fetches release tag of the library and extracts it to destPath.
func DownloadLibrary(ctx context.Context, tag, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create destination directory")
	}
	release, err := fetchRelease(ctx, releaseURL(getLibraryRepo(), tag))
	if err != nil {
		return errors.Wrapf(err, "failed to fetch release %s", tag)
	}

	assetName := getPlatformAssetName()
	var asset *gitHubAsset
	for i := range release.Assets {
		if release.Assets[i].Name == assetName {
			asset = &release.Assets[i]
			break
		}
	}
	if asset == nil {
		return errors.Errorf("asset %s not found in release %s", assetName, release.TagName)
	}

	tempDir, err := os.MkdirTemp("", "jaclip-lib-download")
	if err != nil {
		return errors.Wrap(err, "failed to create temp directory")
	}
	defer func() {
		_ = os.RemoveAll(tempDir)
	}()

	archive := filepath.Join(tempDir, assetName)
	if err := downloadFile(ctx, asset.BrowserDownloadURL, archive); err != nil {
		return errors.Wrap(err, "failed to download asset")
	}
	if _, sum, ok := strings.Cut(asset.Digest, "sha256:"); ok {
		if err := verifyChecksum(archive, sum); err != nil {
			return errors.Wrap(err, "checksum verification failed")
		}
	}
	if err := extractLibrary(archive, destPath); err != nil {
		return errors.Wrap(err, "failed to extract library")
	}
	return nil
}

func fetchRelease(ctx context.Context, url string) (*gitHubRelease, error) {
	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch release info")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("GitHub API request failed with status %d (%s)", resp.StatusCode, url)
	}
	var release gitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, errors.Wrap(err, "failed to decode release JSON")
	}
	return &release, nil
}

func downloadFile(ctx context.Context, url, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to download from %s", url)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download failed with status %d", resp.StatusCode)
	}
	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %s", dest)
	}
	defer func() {
		_ = out.Close()
	}()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return errors.Wrapf(err, "failed to write file %s", dest)
	}
	return nil
}

// verifyChecksum compares the SHA256 of filePath with expected, which may be
// in "sum  filename" form.
func verifyChecksum(filePath, expected string) error {
	if fields := strings.Fields(expected); len(fields) > 0 {
		expected = fields[0]
	}
	file, err := os.Open(filePath)
	if err != nil {
		return errors.Wrap(err, "failed to open file for checksum")
	}
	defer func() {
		_ = file.Close()
	}()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return errors.Wrap(err, "failed to calculate checksum")
	}
	actual := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return errors.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// extractLibrary copies the platform library out of a tar.gz archive.
func extractLibrary(archivePath, destPath string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrap(err, "failed to open archive")
	}
	defer func() {
		_ = file.Close()
	}()
	gzr, err := gzip.NewReader(file)
	if err != nil {
		return errors.Wrap(err, "failed to create gzip reader")
	}
	defer func() {
		_ = gzr.Close()
	}()

	libraryName := getLibraryName()
	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "failed to read tar entry")
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != libraryName {
			continue
		}
		tmp := destPath + ".tmp"
		out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
		if err != nil {
			return errors.Wrap(err, "failed to create output file")
		}
		if _, err := io.Copy(out, tr); err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return errors.Wrap(err, "failed to extract library")
		}
		if err := out.Close(); err != nil {
			_ = os.Remove(tmp)
			return errors.Wrap(err, "failed to close output file")
		}
		if err := os.Rename(tmp, destPath); err != nil {
			_ = os.Remove(tmp)
			return errors.Wrap(err, "failed to move library into place")
		}
		return nil
	}
	return errors.Errorf("library file %s not found in archive", libraryName)
}
