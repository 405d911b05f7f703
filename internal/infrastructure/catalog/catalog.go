// Package catalog provides progress.PathCatalog implementations: a YAML file
// catalog and a layer that prefers the latest published curriculum version.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/alem-hub/progress-engine/internal/domain/curriculum"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

//go:embed default_paths.yaml
var defaultPaths []byte

// ══════════════════════════════════════════════════════════════════════════════
// FILE FORMAT
// ══════════════════════════════════════════════════════════════════════════════

type fileDoc struct {
	Paths []pathDoc `yaml:"paths"`
}

type pathDoc struct {
	ID                string              `yaml:"id"`
	Title             string              `yaml:"title"`
	Version           int                 `yaml:"version"`
	PassingScore      float64             `yaml:"passing_score"`
	EstimatedDuration time.Duration       `yaml:"estimated_duration"`
	Prerequisites     []string            `yaml:"prerequisites,omitempty"`
	Lessons           []curriculum.Lesson `yaml:"lessons"`
}

func (d pathDoc) content() curriculum.Content {
	return curriculum.Content{
		Title:             d.Title,
		Lessons:           d.Lessons,
		PassingScore:      d.PassingScore,
		EstimatedDuration: d.EstimatedDuration,
		Prerequisites:     d.Prerequisites,
	}
}

// Parse decodes a catalog document and validates every path.
func Parse(data []byte) (map[string]progress.Path, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	paths := make(map[string]progress.Path, len(doc.Paths))
	for i, d := range doc.Paths {
		if strings.TrimSpace(d.ID) == "" {
			return nil, fmt.Errorf("catalog: path %d has no id", i)
		}
		if _, dup := paths[d.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate path %q", d.ID)
		}
		c := d.content()
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: path %q: %w", d.ID, err)
		}
		version := d.Version
		if version <= 0 {
			version = 1
		}
		paths[d.ID] = c.Path(d.ID, version)
	}
	for id, p := range paths {
		for _, pre := range p.Prerequisites {
			if _, ok := paths[pre]; !ok {
				return nil, fmt.Errorf("catalog: path %q requires unknown path %q", id, pre)
			}
		}
	}
	return paths, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// FILE CATALOG
// ══════════════════════════════════════════════════════════════════════════════

// File is a PathCatalog read from a YAML document. It loads lazily on first
// use; concurrent loads and reloads share one read.
type File struct {
	source func() ([]byte, error)
	log    *logger.Logger

	flight singleflight.Group
	mu     sync.RWMutex
	paths  map[string]progress.Path
}

// NewFile creates a catalog reading path. An empty path serves the built-in
// default catalog.
func NewFile(path string, log *logger.Logger) *File {
	if log == nil {
		log = logger.Nop()
	}
	source := func() ([]byte, error) { return defaultPaths, nil }
	if path != "" {
		source = func() ([]byte, error) { return os.ReadFile(path) }
	}
	return &File{source: source, log: log.Named("catalog")}
}

// NewStatic creates a catalog holding paths.
func NewStatic(paths ...progress.Path) *File {
	m := make(map[string]progress.Path, len(paths))
	for _, p := range paths {
		m[p.ID] = p
	}
	return &File{
		source: func() ([]byte, error) { return nil, fmt.Errorf("catalog: static catalog cannot reload") },
		log:    logger.Nop(),
		paths:  m,
	}
}

// GetPath implements progress.PathCatalog.
func (f *File) GetPath(ctx context.Context, pathID string) (progress.Path, error) {
	paths, err := f.loaded(ctx)
	if err != nil {
		return progress.Path{}, err
	}
	p, ok := paths[pathID]
	if !ok {
		return progress.Path{}, shared.ErrPathNotFound
	}
	return p, nil
}

// IDs lists every path id, sorted.
func (f *File) IDs(ctx context.Context) ([]string, error) {
	paths, err := f.loaded(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(paths))
	for id := range paths {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Reload re-reads the source. On failure the previous paths stay in place.
func (f *File) Reload(ctx context.Context) error {
	_, err := f.load(ctx)
	return err
}

func (f *File) loaded(ctx context.Context) (map[string]progress.Path, error) {
	f.mu.RLock()
	paths := f.paths
	f.mu.RUnlock()
	if paths != nil {
		return paths, nil
	}
	return f.load(ctx)
}

func (f *File) load(ctx context.Context) (map[string]progress.Path, error) {
	ch := f.flight.DoChan("load", func() (any, error) {
		data, err := f.source()
		if err != nil {
			return nil, fmt.Errorf("catalog: read: %w", err)
		}
		paths, err := Parse(data)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.paths = paths
		f.mu.Unlock()
		f.log.Info("catalog loaded", logger.Int("paths", len(paths)))
		return paths, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]progress.Path), nil
	}
}
