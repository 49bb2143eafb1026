package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/nonsense/internal/model"
)

// Catalog is an in-memory snapshot of entity definitions. It is read from
// the orchestrator goroutine only and is never mutated after construction.
type Catalog struct {
	entities map[string]*model.Entity
}

// NewCatalog builds a catalog from definitions. Later duplicates win.
func NewCatalog(entities ...*model.Entity) *Catalog {
	c := &Catalog{entities: make(map[string]*model.Entity, len(entities))}
	for _, e := range entities {
		c.entities[e.Name] = e
	}
	return c
}

// LoadCatalog snapshots every definition in s.
func LoadCatalog(ctx context.Context, s Store) (*Catalog, error) {
	entities, err := s.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return NewCatalog(entities...), nil
}

// Lookup returns the definition of name.
func (c *Catalog) Lookup(name string) (*model.Entity, bool) {
	e, ok := c.entities[name]
	return e, ok
}

// Names returns every defined entity name, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entities))
	for n := range c.entities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// seedFile is the layout of the entity definitions file.
type seedFile struct {
	Entities []*model.Entity `yaml:"entities"`
}

// ParseYAML decodes and validates entity definitions.
func ParseYAML(r io.Reader) ([]*model.Entity, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode entities: %w", err)
	}

	seen := make(map[string]bool, len(f.Entities))
	for _, e := range f.Entities {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("entity %s defined twice", e.Name)
		}
		seen[e.Name] = true
	}
	for _, e := range f.Entities {
		if up, ok := e.Uplink(); ok && !seen[up] {
			return nil, fmt.Errorf("entity %s: uplink %s is not defined", e.Name, up)
		}
	}
	if err := checkUplinkCycles(f.Entities); err != nil {
		return nil, err
	}
	return f.Entities, nil
}

// checkUplinkCycles rejects definitions whose uplink chains loop. Starting
// an entity starts its uplink first, so a loop would never finish.
func checkUplinkCycles(entities []*model.Entity) error {
	uplinks := make(map[string]string, len(entities))
	for _, e := range entities {
		if up, ok := e.Uplink(); ok {
			uplinks[e.Name] = up
		}
	}
	for _, e := range entities {
		visited := map[string]bool{e.Name: true}
		for cur := e.Name; ; {
			up, ok := uplinks[cur]
			if !ok {
				break
			}
			if visited[up] {
				return fmt.Errorf("entity %s: uplink chain loops at %s", e.Name, up)
			}
			visited[up] = true
			cur = up
		}
	}
	return nil
}

// ImportResult counts what ImportYAML changed.
type ImportResult struct {
	Written int
	Removed []string
}

// ImportYAML makes the stored definitions match the ones read from r: each
// one is upserted and stored entities the file no longer names are deleted.
// Their transition history is kept.
func ImportYAML(ctx context.Context, s Store, r io.Reader) (ImportResult, error) {
	var res ImportResult
	entities, err := ParseYAML(r)
	if err != nil {
		return res, err
	}

	named := make(map[string]bool, len(entities))
	for _, e := range entities {
		if err := s.PutEntity(ctx, e); err != nil {
			return res, fmt.Errorf("import %s: %w", e.Name, err)
		}
		named[e.Name] = true
		res.Written++
	}

	stored, err := s.ListEntities(ctx)
	if err != nil {
		return res, fmt.Errorf("list stored entities: %w", err)
	}
	for _, e := range stored {
		if named[e.Name] {
			continue
		}
		if err := s.DeleteEntity(ctx, e.Name); err != nil && !errors.Is(err, ErrNotFound) {
			return res, fmt.Errorf("remove %s: %w", e.Name, err)
		}
		res.Removed = append(res.Removed, e.Name)
	}
	return res, nil
}
