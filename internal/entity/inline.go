package entity

import (
	"github.com/seantiz/nonsense/internal/async"
	"github.com/seantiz/nonsense/internal/model"
)

// Catalog resolves entity definitions by name.
type Catalog interface {
	Lookup(name string) (*model.Entity, bool)
}

// InlineUplinks returns a copy of the network component c in which every
// uplink reference is replaced by the uplink's own network component, itself
// inlined, all the way up the chain. The referenced name is kept under
// model.KeyUplinkName so the helper can find the uplink's namespace.
func InlineUplinks(c model.Component, catalog Catalog) (model.Component, error) {
	out := c.Clone()
	if err := inline(out, catalog, map[string]bool{}); err != nil {
		return nil, err
	}
	return out, nil
}

func inline(c model.Component, catalog Catalog, seen map[string]bool) error {
	name, ok := c.Uplink()
	if !ok {
		return nil
	}
	if seen[name] {
		return async.Errorf(async.ErrFailed, "Uplink chain of entity %s loops.", name)
	}
	seen[name] = true

	def, ok := catalog.Lookup(name)
	if !ok {
		return async.Errorf(async.ErrNoSuchEntity, "Uplink refers to an entity that does not exist: %s.", name)
	}
	up, ok := def.Network()
	if !ok {
		return async.Errorf(async.ErrFailed, "Uplink %s has no network component.", name)
	}

	up = up.Clone()
	if err := inline(up, catalog, seen); err != nil {
		return err
	}
	c[model.KeyUplinkName] = name
	c[model.KeyUplink] = up
	return nil
}
