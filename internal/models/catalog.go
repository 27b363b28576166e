// Package models lists model weights available on the host, from plain
// weight directories and from the ModelScope download cache.
package models

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/kennethnrk/npu-supervisor/internal/common/constants"
)

type Model struct {
	Name      string                `json:"name"`
	Path      string                `json:"path"`
	Size      int64                 `json:"size"`
	SizeHuman string                `json:"size_human"`
	Source    constants.ModelSource `json:"source"`
}

// Listing is the catalog split by source.
type Listing struct {
	Local      []Model `json:"local_models"`
	ModelScope []Model `json:"modelscope_models"`
}

// Catalog scans model roots on demand; nothing is cached between calls.
type Catalog struct {
	roots  []string
	cache  string
	logger *slog.Logger
}

// NewCatalog returns a Catalog over roots, each holding one directory per
// model, and a ModelScope hub cache. A leading "~/" is expanded.
func NewCatalog(roots []string, modelScopeCache string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		roots:  roots,
		cache:  expandHome(modelScopeCache),
		logger: logger,
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func (c *Catalog) List(ctx context.Context) (Listing, error) {
	local, err := c.Local(ctx)
	if err != nil {
		return Listing{}, err
	}
	cached, err := c.ModelScope(ctx)
	if err != nil {
		return Listing{}, err
	}
	return Listing{Local: local, ModelScope: cached}, nil
}

// Local lists every directory directly under a root that contains a model
// config. Missing roots are skipped.
func (c *Catalog) Local(ctx context.Context) ([]Model, error) {
	models := []Model{}
	for _, root := range c.roots {
		entries, err := c.readDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			path := filepath.Join(root, e.Name())
			if info, err := os.Stat(path); err != nil || !info.IsDir() {
				continue
			}
			m, ok, err := c.model(ctx, path, e.Name(), constants.ModelSourceLocal)
			if err != nil {
				return nil, err
			}
			if ok {
				models = append(models, m)
			}
		}
	}
	return models, nil
}

// ModelScope lists cached models laid out as <cache>/models/<org>/<model>
// (or <cache>/<org>/<model>). Hidden entries and symlinked model
// directories are skipped.
func (c *Catalog) ModelScope(ctx context.Context) ([]Model, error) {
	models := []Model{}
	if c.cache == "" {
		return models, nil
	}

	base := c.cache
	if info, err := os.Stat(filepath.Join(base, "models")); err == nil && info.IsDir() {
		base = filepath.Join(base, "models")
	}

	orgs, err := c.readDir(base)
	if err != nil {
		return models, nil
	}
	for _, org := range orgs {
		if !org.IsDir() || strings.HasPrefix(org.Name(), ".") {
			continue
		}
		entries, err := c.readDir(filepath.Join(base, org.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			// DirEntry types come from lstat, so symlinks are not dirs here.
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			name := org.Name() + "/" + strings.ReplaceAll(e.Name(), constants.ModelScopeNameEscape, ".")
			m, ok, err := c.model(ctx, filepath.Join(base, org.Name(), e.Name()), name, constants.ModelSourceModelScope)
			if err != nil {
				return nil, err
			}
			if ok {
				models = append(models, m)
			}
		}
	}
	return models, nil
}

func (c *Catalog) readDir(dir string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Debug("model directory unreadable", "dir", dir, "error", err)
	}
	return entries, err
}

// model describes dir when it holds a model config. Only context errors are
// returned; unreadable files are left out of the size.
func (c *Catalog) model(ctx context.Context, dir, name string, source constants.ModelSource) (Model, bool, error) {
	if _, err := os.Stat(filepath.Join(dir, constants.ModelConfigFile)); err != nil {
		return Model{}, false, nil
	}
	size, err := dirSize(ctx, dir)
	if err != nil {
		return Model{}, false, err
	}
	return Model{
		Name:      name,
		Path:      dir,
		Size:      size,
		SizeHuman: humanize.IBytes(uint64(size)),
		Source:    source,
	}, true, nil
}

// dirSize sums the regular files below dir, following symlinked files but
// not symlinked directories.
func dirSize(ctx context.Context, dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil || d.IsDir() {
			return nil
		}
		var info fs.FileInfo
		if d.Type()&fs.ModeSymlink != 0 {
			info, err = os.Stat(path)
		} else {
			info, err = d.Info()
		}
		if err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
