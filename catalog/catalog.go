// Package catalog keeps the dataset records served by terracotta in a YAML
// file.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"

	"github.com/jkgeo/terracotta/stats"
)

var (
	// ErrNotFound is returned for unknown dataset IDs.
	ErrNotFound = errors.New("dataset not found")

	// ErrNotServable is returned for datasets without statistics.
	ErrNotServable = errors.New("dataset has no statistics")
)

// Dataset is one servable raster.
type Dataset struct {
	ID         string       `yaml:"id" json:"id"`
	Name       string       `yaml:"name" json:"name"`
	Path       string       `yaml:"path" json:"path"`
	Collection string       `yaml:"collection,omitempty" json:"collection,omitempty"`
	IngestedAt time.Time    `yaml:"ingested_at" json:"ingested_at"`
	Stats      *stats.Stats `yaml:"stats,omitempty" json:"-"`
	// Hull persists Stats.ConvexHull as a ring of [lon, lat] pairs.
	Hull [][]float64 `yaml:"convex_hull,omitempty" json:"-"`
}

// Servable returns ErrNotServable when d has no statistics.
func (d Dataset) Servable() error {
	if d.Stats == nil {
		return fmt.Errorf("%w: %s", ErrNotServable, d.ID)
	}
	return nil
}

type document struct {
	Datasets []Dataset `yaml:"datasets"`
}

// Store holds datasets in memory and persists them to a YAML file.
type Store struct {
	path string

	mu       sync.RWMutex
	datasets map[string]Dataset
}

// Open loads the catalog at path. A missing file gives an empty catalog.
// An empty path gives a catalog that is never saved.
func Open(path string) (*Store, error) {
	s := &Store{path: path, datasets: make(map[string]Dataset)}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	for _, d := range doc.Datasets {
		if d.Stats != nil && len(d.Hull) > 0 {
			ring := make(orb.Ring, len(d.Hull))
			for i, p := range d.Hull {
				if len(p) != 2 {
					return nil, fmt.Errorf("dataset %s: hull point %d has %d coordinates", d.ID, i, len(p))
				}
				ring[i] = orb.Point{p[0], p[1]}
			}
			d.Stats.ConvexHull = orb.Polygon{ring}
		}
		d.Hull = nil
		s.datasets[d.ID] = d
	}
	return s, nil
}

// Get returns the dataset with the given ID.
func (s *Store) Get(id string) (Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datasets[id]
	if !ok {
		return Dataset{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

// List returns all datasets ordered by ID.
func (s *Store) List() []Dataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Dataset, 0, len(s.datasets))
	for _, d := range s.datasets {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Dataset) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Put inserts or replaces d.
func (s *Store) Put(d Dataset) error {
	if d.ID == "" {
		return errors.New("dataset without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[d.ID] = d
	return nil
}

// Delete removes the dataset with the given ID.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.datasets[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.datasets, id)
	return nil
}

// ByPath returns the dataset backed by path, if any.
func (s *Store) ByPath(path string) (Dataset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.datasets {
		if d.Path == path {
			return d, true
		}
	}
	return Dataset{}, false
}

// UniqueID derives an ID from name that no dataset uses yet, appending -1,
// -2 and so on when needed.
func (s *Store) UniqueID(name string) string {
	base := Slugify(name)
	if base == "" {
		base = "dataset"
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := base
	for n := 1; ; n++ {
		if _, taken := s.datasets[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and joins its alphanumeric runs with dashes.
func Slugify(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// Save writes the catalog to a temporary file and renames it over the
// catalog path.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	var doc document
	for _, d := range s.List() {
		if d.Stats != nil && len(d.Stats.ConvexHull) > 0 {
			for _, p := range d.Stats.ConvexHull[0] {
				d.Hull = append(d.Hull, []float64{p[0], p[1]})
			}
		}
		doc.Datasets = append(doc.Datasets, d)
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".catalog-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create catalog: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
