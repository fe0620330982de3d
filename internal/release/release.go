// Package release holds the CI helpers: the version tag gate of the release
// job and the token-gated download of the dependency release artifacts.
package release

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"ewocclassif/internal/logging"
)

const tagPrefix = "refs/tags/"

var versionPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`)

// CheckTag reports whether ref is a release tag: refs/tags/<n>.<n>.<n> or a
// bare <n>.<n>.<n>. It returns the version.
func CheckTag(ref string) (string, bool) {
	version := ref
	if strings.HasPrefix(ref, "refs/") {
		var ok bool
		if version, ok = strings.CutPrefix(ref, tagPrefix); !ok {
			return "", false
		}
	}
	if !versionPattern.MatchString(version) {
		return "", false
	}
	return version, true
}

// DefaultBaseURL hosts the release artifacts.
const DefaultBaseURL = "https://github.com"

var (
	ErrNoToken     = errors.New("no access token for the release artifacts")
	ErrBadArtifact = errors.New("invalid artifact reference")
	ErrNotTarball  = errors.New("downloaded artifact is not a gzip tarball")
)

// Artifact is one release asset: owner/repo@version:asset.
type Artifact struct {
	Repo    string
	Version string
	Asset   string
}

// ParseArtifact parses owner/repo@version:asset.
func ParseArtifact(s string) (Artifact, error) {
	repo, rest, ok := strings.Cut(s, "@")
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %q needs owner/repo@version:asset", ErrBadArtifact, s)
	}
	version, asset, ok := strings.Cut(rest, ":")
	if !ok || asset == "" || version == "" {
		return Artifact{}, fmt.Errorf("%w: %q needs owner/repo@version:asset", ErrBadArtifact, s)
	}
	if strings.Count(repo, "/") != 1 || strings.HasPrefix(repo, "/") || strings.HasSuffix(repo, "/") {
		return Artifact{}, fmt.Errorf("%w: repository %q is not owner/repo", ErrBadArtifact, repo)
	}
	if filepath.Base(asset) != asset {
		return Artifact{}, fmt.Errorf("%w: asset %q is not a file name", ErrBadArtifact, asset)
	}
	return Artifact{Repo: repo, Version: version, Asset: asset}, nil
}

func (a Artifact) String() string {
	return fmt.Sprintf("%s@%s:%s", a.Repo, a.Version, a.Asset)
}

// Timeouts of the default download client.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultTimeout        = 10 * time.Minute
)

// Fetcher downloads release artifacts. A nil Client uses a client bounded
// by DefaultConnectTimeout and DefaultTimeout.
type Fetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// URL returns <base>/<repo>/releases/download/<version>/<asset>.
func (f *Fetcher) URL(a Artifact) string {
	base := f.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return fmt.Sprintf("%s/%s/releases/download/%s/%s", strings.TrimSuffix(base, "/"), a.Repo, a.Version, a.Asset)
}

func (f *Fetcher) httpClient() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	dialer := &net.Dialer{Timeout: DefaultConnectTimeout}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: DefaultConnectTimeout,
		},
		Timeout: DefaultTimeout,
	}
}

// Fetch downloads a into dir and returns the file path. The download must
// be a gzip stream; anything else (a login page, an error document) is
// rejected and removed.
func (f *Fetcher) Fetch(ctx context.Context, a Artifact, dir string) (string, error) {
	log := logging.Get(logging.CategoryRelease)
	if f.Token == "" {
		return "", ErrNoToken
	}
	client := f.httpClient()
	if f.Client == nil {
		defer client.CloseIdleConnections()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(a), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "token "+f.Token)
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", a, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch %s: %s", a, resp.Status)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	out := filepath.Join(dir, a.Asset)
	file, err := os.Create(out)
	if err != nil {
		return "", err
	}

	body := bufio.NewReader(resp.Body)
	if err := checkGzip(body); err != nil {
		file.Close()
		os.Remove(out)
		return "", fmt.Errorf("%s: %w", a, err)
	}
	n, err := io.Copy(file, body)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out)
		return "", fmt.Errorf("failed to write %s: %w", out, err)
	}
	log.Info("Fetched %s (%d bytes) to %s", a, n, out)
	return out, nil
}

// checkGzip peeks at the gzip magic number without consuming it.
func checkGzip(r *bufio.Reader) error {
	head, err := r.Peek(2)
	if err != nil || head[0] != 0x1f || head[1] != 0x8b {
		return ErrNotTarball
	}
	return nil
}

// Verify opens a downloaded tarball and checks its gzip stream is complete.
func Verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotTarball, err)
	}
	defer zr.Close()
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return fmt.Errorf("%w: %v", ErrNotTarball, err)
	}
	return nil
}
