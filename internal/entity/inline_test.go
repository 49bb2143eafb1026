package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/nonsense/internal/async"
	"github.com/seantiz/nonsense/internal/model"
	"github.com/seantiz/nonsense/internal/store"
)

func netEntity(name string, net model.Component) *model.Entity {
	return &model.Entity{
		Name:       name,
		Components: map[string]model.Component{model.ComponentNetwork: net},
	}
}

func TestInlineUplinksWholeChain(t *testing.T) {
	catalog := store.NewCatalog(
		netEntity("host", model.Component{"role": "root", "default": true}),
		netEntity("lab", model.Component{"role": "switch", "uplink": "host", "address": "10.1.0.0/24"}),
		netEntity("box", model.Component{"role": "client", "uplink": "lab"}),
	)
	box, _ := catalog.Lookup("box")
	net, _ := box.Network()

	got, err := InlineUplinks(net, catalog)
	require.NoError(t, err)

	assert.Equal(t, "lab", got[model.KeyUplinkName])
	lab, ok := model.AsComponent(got[model.KeyUplink])
	require.True(t, ok, "uplink was not inlined")
	assert.Equal(t, "switch", lab["role"])
	assert.Equal(t, "host", lab[model.KeyUplinkName])

	host, ok := model.AsComponent(lab[model.KeyUplink])
	require.True(t, ok, "uplink of uplink was not inlined")
	assert.Equal(t, "root", host["role"])
	assert.NotContains(t, host, model.KeyUplinkName)

	// The catalog's definitions stay untouched.
	assert.Equal(t, "lab", net["uplink"])
	labDef, _ := catalog.Lookup("lab")
	labNet, _ := labDef.Network()
	assert.Equal(t, "host", labNet["uplink"])
}

func TestInlineUplinksWithoutUplink(t *testing.T) {
	net := model.Component{"role": "root"}
	got, err := InlineUplinks(net, store.NewCatalog())
	require.NoError(t, err)
	assert.Equal(t, net, got)
}

func TestInlineUplinksUnknownUplink(t *testing.T) {
	_, err := InlineUplinks(model.Component{"role": "client", "uplink": "ghost"}, store.NewCatalog())
	require.Error(t, err)
	assert.Equal(t, async.ErrNoSuchEntity, async.AsError(err).Name)
}

func TestInlineUplinksLoop(t *testing.T) {
	catalog := store.NewCatalog(
		netEntity("a", model.Component{"role": "client", "uplink": "b"}),
		netEntity("b", model.Component{"role": "client", "uplink": "a"}),
	)
	a, _ := catalog.Lookup("a")
	net, _ := a.Network()

	_, err := InlineUplinks(net, catalog)
	assert.Error(t, err)
}
