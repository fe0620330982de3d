// Package models mirrors the WorldCereal CatBoost models from the
// artifactory index pages into a local directory and rewrites the model
// configurations so that they reference the mirror.
package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"ewocclassif/internal/config"
	"ewocclassif/internal/logging"
)

const detectorName = "detector_WorldCerealPixelCatBoost"

// ConfigFile is the model configuration name found in each model directory.
const ConfigFile = "config.json"

// Versions selects the model versions to mirror.
type Versions struct {
	Cropland   string
	Croptype   string
	Irrigation string
}

// Croptypes returns the croptype detectors published for a croptype
// version. v720 also ships sunflower and rapeseed.
func Croptypes(version string) []string {
	names := []string{"maize", "springcereals", "wintercereals"}
	if version == "v720" {
		names = append(names, "sunflower", "rapeseed")
	}
	return names
}

// DirectoryURLs lists the model directories below base, each ending with a
// slash: cropland (full and optical only), irrigation, then every croptype
// (full and optical only).
func DirectoryURLs(base string, v Versions) []string {
	base = strings.TrimSuffix(base, "/")
	dir := func(version, detector, suffix string) string {
		return fmt.Sprintf("%s/%s/%s_%s_%s%s/", base, version, detector, detectorName, version, suffix)
	}

	urls := []string{
		dir(v.Cropland, "cropland", "-realms"),
		dir(v.Cropland, "cropland", "-realms-OPTICAL"),
		dir(v.Irrigation, "irrigation", ""),
	}
	for _, ct := range Croptypes(v.Croptype) {
		urls = append(urls, dir(v.Croptype, ct, ""), dir(v.Croptype, ct, "-OPTICAL"))
	}
	return urls
}

// Mirror downloads model directories into Dir.
type Mirror struct {
	// Dir is <models_dir_root>/models.
	Dir string
	// RemoteModels is the artifactory models root written in the model
	// configurations; it is replaced by Dir.
	RemoteModels string

	client      *http.Client
	concurrency int
}

// NewMirror returns a mirror writing below root/models.
func NewMirror(root string, cfg *config.Config, client *http.Client) *Mirror {
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
		}}
	}
	concurrency := cfg.S3.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Mirror{
		Dir:          filepath.Join(root, "models"),
		RemoteModels: strings.TrimSuffix(cfg.Models.RemotePrefix, "/") + "/models",
		client:       client,
		concurrency:  concurrency,
	}
}

// Reset recreates an empty mirror directory.
func (m *Mirror) Reset() error {
	if err := os.RemoveAll(m.Dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", m.Dir, err)
	}
	if err := os.MkdirAll(m.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", m.Dir, err)
	}
	return nil
}

// Fetch mirrors every directory of DirectoryURLs(base, v). A failing
// directory does not stop the others; all errors are returned joined.
func (m *Mirror) Fetch(ctx context.Context, base string, v Versions) error {
	log := logging.Get(logging.CategoryModels)
	urls := DirectoryURLs(base, v)

	var errs []error
	for i, u := range urls {
		log.Info("[%d/%d] Downloading models from %s", i+1, len(urls), u)
		if err := m.Directory(ctx, u); err != nil {
			log.Error("Failed to mirror %s: %v", u, err)
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

// Directory mirrors one model directory into Dir/<type>/<version>/<name>.
// Sub-directories are walked one level and all their files downloaded; at
// the top level only config.json and CatBoost files are kept.
func (m *Mirror) Directory(ctx context.Context, dirURL string) error {
	log := logging.Get(logging.CategoryModels)

	links, err := m.Links(ctx, dirURL)
	if err != nil {
		return err
	}
	outDir, err := m.localDir(dirURL)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}

	type job struct{ url, dir string }
	var jobs []job
	for _, link := range links {
		name := path.Base(link)
		switch {
		case strings.HasSuffix(link, "/"):
			sub := filepath.Join(outDir, name)
			if err := os.MkdirAll(sub, 0755); err != nil {
				return err
			}
			files, err := m.Links(ctx, link)
			if err != nil {
				return err
			}
			for _, f := range files {
				jobs = append(jobs, job{f, sub})
			}
		case name == ConfigFile, strings.Contains(name, "CatBoost"):
			jobs = append(jobs, job{link, outDir})
		default:
			log.Warn("%s is not downloaded", link)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			file, err := m.download(gctx, j.url, j.dir)
			if err != nil {
				return err
			}
			if filepath.Base(file) == ConfigFile {
				return RewriteConfig(file, m.RemoteModels, m.Dir)
			}
			return nil
		})
	}
	return g.Wait()
}

// localDir keeps the last three path elements of the directory URL.
func (m *Mirror) localDir(dirURL string) (string, error) {
	u, err := url.Parse(dirURL)
	if err != nil {
		return "", fmt.Errorf("invalid model url %q: %w", dirURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) > 3 {
		parts = parts[len(parts)-3:]
	}
	return filepath.Join(append([]string{m.Dir}, parts...)...), nil
}

func (m *Mirror) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", u, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to get %s: %s", u, resp.Status)
	}
	return resp, nil
}

// Links returns the targets of the <a href> elements of an index page,
// resolved against the page URL. Parent links are skipped.
func (m *Mirror) Links(ctx context.Context, pageURL string) ([]string, error) {
	resp, err := m.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return ParseLinks(resp.Body, pageURL)
}

// ParseLinks extracts the links of an HTML index page.
func ParseLinks(r io.Reader, pageURL string) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse index %s: %w", pageURL, err)
	}

	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if href := getAttr(n, "href"); href != "" && !strings.Contains(href, "..") {
				links = append(links, pageURL+href)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links, nil
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func (m *Mirror) download(ctx context.Context, fileURL, dir string) (string, error) {
	resp, err := m.get(ctx, fileURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	out := filepath.Join(dir, path.Base(fileURL))
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to download %s: %w", fileURL, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	logging.Get(logging.CategoryModels).Info("Downloaded %s from %s", out, fileURL)
	return out, nil
}

// RewriteConfig replaces the remote prefix of paths.modelfile and
// paths.parentmodel with the local models directory.
func RewriteConfig(file, remote, local string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse model config %s: %w", file, err)
	}

	paths, ok := doc["paths"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("model config %s has no paths section", file)
	}
	for _, key := range []string{"modelfile", "parentmodel"} {
		if s, ok := paths[key].(string); ok {
			paths[key] = strings.ReplaceAll(s, remote, local)
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(file, out, 0644); err != nil {
		return err
	}
	logging.Get(logging.CategoryModels).Debug("Updated: %s", file)
	return nil
}
