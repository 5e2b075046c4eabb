package infra

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	githubOwner   = "cculver78"
	githubRepo    = "WireWarden"
	githubAPIBase = "https://api.github.com"

	// githubAPITimeout bounds quick metadata calls. downloadTimeout is
	// far longer: release archives can take minutes on slow links, so the
	// client itself carries no timeout and each request brings its own.
	githubAPITimeout = 30 * time.Second
	downloadTimeout  = 5 * time.Minute

	// releaseBinaryName is the tar entry holding the binary inside a
	// release archive.
	releaseBinaryName = "wirewarden"
)

// GitHubRelease represents a GitHub release response.
type GitHubRelease struct {
	TagName string        `json:"tag_name"`
	Assets  []GitHubAsset `json:"assets"`
}

// GitHubAsset represents a release asset.
type GitHubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// GitHubDownloader downloads wirewarden release binaries from GitHub.
type GitHubDownloader struct {
	client  *http.Client
	apiBase string
	owner   string
	repo    string
}

// NewGitHubDownloader creates a downloader for the project's release repo.
func NewGitHubDownloader() *GitHubDownloader {
	return &GitHubDownloader{
		client:  &http.Client{},
		apiBase: githubAPIBase,
		owner:   githubOwner,
		repo:    githubRepo,
	}
}

// GetLatestRelease fetches the latest release info from GitHub.
func (d *GitHubDownloader) GetLatestRelease(ctx context.Context) (*GitHubRelease, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", d.apiBase, d.owner, d.repo)

	ctx, cancel := context.WithTimeout(ctx, githubAPITimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "wirewarden")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var release GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("failed to parse release: %w", err)
	}

	return &release, nil
}

// findAsset finds the matching asset for the current platform.
func (d *GitHubDownloader) findAsset(release *GitHubRelease) (*GitHubAsset, error) {
	goos := runtime.GOOS
	arch := runtime.GOARCH

	// Match pattern: wirewarden_X.Y.Z_linux_amd64.tar.gz
	for i := range release.Assets {
		asset := &release.Assets[i]
		if strings.Contains(asset.Name, goos) && strings.Contains(asset.Name, arch) &&
			strings.HasSuffix(asset.Name, ".tar.gz") {
			return asset, nil
		}
	}

	return nil, fmt.Errorf("no release asset for %s/%s", goos, arch)
}

// DownloadLatest downloads the latest release binary to destPath.
func (d *GitHubDownloader) DownloadLatest(ctx context.Context, destPath string) error {
	release, err := d.GetLatestRelease(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest release: %w", err)
	}

	asset, err := d.findAsset(release)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", asset.BrowserDownloadURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}
	req.Header.Set("User-Agent", "wirewarden")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	tmpFile, err := os.CreateTemp("", "wirewarden-download-*.tar.gz")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write download: %w", err)
	}
	tmpFile.Close()

	if err := d.extractBinary(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to extract binary: %w", err)
	}

	if err := os.Chmod(destPath, 0755); err != nil {
		return fmt.Errorf("failed to chmod: %w", err)
	}

	return nil
}

// extractBinary extracts the wirewarden binary from a tar.gz archive.
func (d *GitHubDownloader) extractBinary(archivePath, destPath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if header.Typeflag == tar.TypeReg &&
			(header.Name == releaseBinaryName ||
				strings.HasSuffix(header.Name, "/"+releaseBinaryName)) {

			if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
				return err
			}

			outFile, err := os.Create(destPath)
			if err != nil {
				return err
			}
			defer outFile.Close()

			if _, err := io.Copy(outFile, tr); err != nil {
				return err
			}

			return nil
		}
	}

	return fmt.Errorf("%s binary not found in archive", releaseBinaryName)
}

// DownloadToTemp downloads the latest release to a temp dir and returns
// the binary path. The caller removes the directory when done.
func (d *GitHubDownloader) DownloadToTemp(ctx context.Context) (string, error) {
	tmpDir, err := os.MkdirTemp("", "wirewarden-update-")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}

	destPath := filepath.Join(tmpDir, releaseBinaryName)
	if err := d.DownloadLatest(ctx, destPath); err != nil {
		os.RemoveAll(tmpDir)
		return "", err
	}

	return destPath, nil
}

// GetLatestVersion returns the version string of the latest release,
// without the tag's leading "v".
func (d *GitHubDownloader) GetLatestVersion(ctx context.Context) (string, error) {
	release, err := d.GetLatestRelease(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(release.TagName, "v"), nil
}
