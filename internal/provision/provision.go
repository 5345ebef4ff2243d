// Package provision places a job's code and input data in its working directory.
package provision

import (
	"context"
	"fmt"
	"jobrunner/internal/job"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultEntryPoint is the file literal code is written to.
const DefaultEntryPoint = "run.py"

// archiveExtensions are the code URL suffixes that are downloaded and extracted.
var archiveExtensions = []string{".tar.gz", ".tgz", ".zip"}

// Config holds the provisioning settings.
type Config struct {
	EntryPoint string       // literal code file name, relative to the working directory
	HTTPClient *http.Client // optional, defaults to http.DefaultClient
	Cloner     Cloner       // optional, defaults to the git command line
}

// Provisioner resolves code specifications and input data into files.
type Provisioner struct {
	entryPoint string
	httpClient *http.Client
	cloner     Cloner
}

// New creates a provisioner.
func New(cfg Config) *Provisioner {
	p := &Provisioner{
		entryPoint: cfg.EntryPoint,
		httpClient: cfg.HTTPClient,
		cloner:     cfg.Cloner,
	}
	if p.entryPoint == "" {
		p.entryPoint = DefaultEntryPoint
	}
	if p.httpClient == nil {
		p.httpClient = http.DefaultClient
	}
	if p.cloner == nil {
		p.cloner = GitCloner{}
	}
	return p
}

// Provision places code in workdir. An archive URL is downloaded and extracted, any
// other http, https or ssh URL is cloned as a repository, and anything else (including
// a URL that fails to clone) is written verbatim to the entry point file.
func (p *Provisioner) Provision(ctx context.Context, code, workdir string) error {
	logger := slog.With("workdir", workdir)

	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}

	if u, err := url.Parse(code); err == nil && u.Scheme != "" {
		if isArchive(u.Path) {
			logger.Info("Retrieving code archive", "url", code)
			return p.provisionArchive(ctx, code, u.Path, workdir)
		}

		switch u.Scheme {
		case "http", "https", "ssh":
			err := p.cloner.Clone(ctx, code, workdir)
			if err == nil {
				logger.Info("Cloned repository", "url", code)
				return nil
			}
			logger.Debug("Code is not a cloneable repository", "url", code, "error", err)
		}
	}

	logger.Info("Code field contains a script", "entryPoint", p.entryPoint)
	if err := os.WriteFile(filepath.Join(workdir, p.entryPoint), []byte(code), 0o644); err != nil {
		return fmt.Errorf("failed to write script: %w", err)
	}
	return nil
}

func (p *Provisioner) provisionArchive(ctx context.Context, rawURL, urlPath, workdir string) error {
	target := filepath.Join(workdir, path.Base(urlPath))
	if _, err := download(ctx, p.httpClient, rawURL, target); err != nil {
		return fmt.Errorf("unable to retrieve code from url %s: %w", rawURL, err)
	}

	var err error
	if strings.HasSuffix(urlPath, ".zip") {
		err = extractZip(target, workdir)
	} else {
		err = extractTarGz(target, workdir)
	}
	if err != nil {
		return fmt.Errorf("unable to extract %s, malformed archive? %w", path.Base(urlPath), err)
	}
	return nil
}

// FetchInputs downloads the job's input data into workdir. Files keep their paths
// relative to the directory their URLs have in common.
func (p *Provisioner) FetchInputs(ctx context.Context, items []job.DataItem, workdir string) error {
	if len(items) == 0 {
		return nil
	}

	paths := make([]string, len(items))
	for i, item := range items {
		u, err := url.Parse(item.URL)
		if err != nil {
			return fmt.Errorf("invalid input data URL %q: %w", item.URL, err)
		}
		paths[i] = u.Path
	}
	prefix := commonDir(paths)
	if prefix == "." {
		prefix = ""
	}

	for i, item := range items {
		rel := strings.TrimPrefix(strings.TrimPrefix(paths[i], prefix), "/")
		if rel == "" || strings.HasPrefix(path.Clean(rel), "..") {
			return fmt.Errorf("invalid input data path %q", paths[i])
		}
		target := filepath.Join(workdir, filepath.FromSlash(path.Clean(rel)))

		n, err := fetch(ctx, p.httpClient, item.URL, target)
		if err != nil {
			return fmt.Errorf("failed to retrieve %s: %w", item.URL, err)
		}
		slog.Debug("Retrieved input data", "url", item.URL, "path", target, "bytes", n)
	}
	return nil
}

func isArchive(urlPath string) bool {
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(urlPath, ext) {
			return true
		}
	}
	return false
}

// commonDir returns the longest directory shared by all slash-separated paths.
func commonDir(paths []string) string {
	prefix := path.Dir(paths[0])
	for _, p := range paths[1:] {
		for prefix != "/" && prefix != "." && !strings.HasPrefix(p, prefix+"/") {
			prefix = path.Dir(prefix)
		}
	}
	return prefix
}
