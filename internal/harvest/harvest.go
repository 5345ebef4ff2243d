// Package harvest finds the files a job produced and registers them as output data.
package harvest

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"jobrunner/internal/apperrors"
	"jobrunner/internal/job"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Excluded from harvesting: version-control and provenance metadata, compiled bytecode.
var (
	ignoredDirs       = []string{".smt", ".hg", ".svn", ".git", ".bzr"}
	ignoredExtensions = []string{".pyc"}
)

// Registrar registers an output file URL with the queue and returns the new data item's URI.
type Registrar interface {
	CreateDataItem(ctx context.Context, url string) (string, error)
}

// Config holds the harvesting settings.
type Config struct {
	OutputRoot string // files are copied to <OutputRoot>/<job dir>/ unless that is the working directory
	DataServer string // base URL under which <job dir>/<path> is served
}

// Harvester copies and registers files created during a run.
type Harvester struct {
	registrar  Registrar
	outputRoot string
	dataServer string
}

// New creates a harvester.
func New(registrar Registrar, cfg Config) (*Harvester, error) {
	if registrar == nil {
		return nil, apperrors.Validation("registrar", "data item registrar is required")
	}
	if cfg.OutputRoot == "" {
		return nil, apperrors.Validation("data_directory", "output directory is required")
	}
	if cfg.DataServer == "" {
		return nil, apperrors.Validation("data_server", "data server URL is required")
	}
	return &Harvester{
		registrar:  registrar,
		outputRoot: filepath.Clean(cfg.OutputRoot),
		dataServer: strings.TrimRight(cfg.DataServer, "/"),
	}, nil
}

// Harvest copies every file under workdir modified at or after since to the output
// directory and registers it with the queue. The first failure aborts the harvest and
// no items are returned.
func (h *Harvester) Harvest(ctx context.Context, workdir string, since time.Time) ([]job.DataItem, error) {
	workdir = filepath.Clean(workdir)
	jobDir := filepath.Base(workdir)
	logger := slog.With("workdir", workdir)

	files, err := Find(workdir, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list new files: %w", err)
	}

	outputDir := filepath.Join(h.outputRoot, jobDir)
	if outputDir != workdir {
		var copied int64
		for _, rel := range files {
			n, err := copyFile(filepath.Join(workdir, filepath.FromSlash(rel)), filepath.Join(outputDir, filepath.FromSlash(rel)))
			if err != nil {
				return nil, fmt.Errorf("failed to copy files: %w", err)
			}
			copied += n
		}
		logger.Info("Copied output files", "dest", outputDir, "files", len(files), "size", humanize.IBytes(uint64(copied)))
	}

	items := make([]job.DataItem, 0, len(files))
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		url := h.dataServer + "/" + path.Join(jobDir, rel)
		uri, err := h.registrar.CreateDataItem(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("failed to create data item remotely at %s: %w", url, err)
		}
		items = append(items, job.DataItem{URL: url, ResourceURI: uri})
	}

	logger.Info("Registered output data", "count", len(items))
	return items, nil
}

// Find returns the slash-separated paths, relative to root, of regular files modified at
// or after since. Ignored metadata directories and extensions are skipped. The result is sorted.
func Find(root string, since time.Time) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && slices.Contains(ignoredDirs, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || slices.Contains(ignoredExtensions, filepath.Ext(d.Name())) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(since) {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(files)
	return files, nil
}

// copyFile copies src to dst, creating parent directories as needed.
func copyFile(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}
