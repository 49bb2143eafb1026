package store

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seed = `
entities:
  - name: host
    components:
      network:
        role: root
        default: true
  - name: lab
    components:
      network:
        role: switch
        uplink: host
        address: 10.1.0.0/24
  - name: box
    components:
      network:
        role: client
        uplink: lab
`

func TestParseYAML(t *testing.T) {
	entities, err := ParseYAML(strings.NewReader(seed))
	require.NoError(t, err)
	require.Len(t, entities, 3)

	up, _ := entities[2].Uplink()
	assert.Equal(t, "lab", up)

	host, _ := entities[0].Network()
	def, _ := host.Bool("default")
	assert.True(t, def, "host default flag lost")
}

func TestParseYAMLRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "entities:\n  - name: a\n    colour: red\n"},
		{"duplicate", "entities:\n  - name: a\n  - name: a\n"},
		{"undefined uplink", "entities:\n  - name: a\n    components:\n      network: {role: client, uplink: ghost}\n"},
		{"missing role", "entities:\n  - name: a\n    components:\n      network: {uplink: a}\n"},
		{"self uplink", "entities:\n  - name: a\n    components:\n      network: {role: client, uplink: a}\n"},
		{"uplink loop", "entities:\n  - name: a\n    components:\n      network: {role: client, uplink: b}\n  - name: b\n    components:\n      network: {role: client, uplink: a}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParseYAMLEmpty(t *testing.T) {
	entities, err := ParseYAML(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestImportAndLoadCatalog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := ImportYAML(ctx, s, strings.NewReader(seed))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)
	assert.Empty(t, res.Removed)

	cat, err := LoadCatalog(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"box", "host", "lab"}, cat.Names())

	_, ok := cat.Lookup("lab")
	assert.True(t, ok)
	_, ok = cat.Lookup("ghost")
	assert.False(t, ok)
}

func TestImportRemovesStaleDefinitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutEntity(ctx, makeTestEntity("retired")))

	res, err := ImportYAML(ctx, s, strings.NewReader(seed))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)
	assert.Equal(t, []string{"retired"}, res.Removed)

	_, err = s.GetEntity(ctx, "retired")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImportInvalidLeavesStoreUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutEntity(ctx, makeTestEntity("lab")))

	_, err := ImportYAML(ctx, s, strings.NewReader("entities:\n  - name: a\n  - name: a\n"))
	require.Error(t, err)

	_, err = s.GetEntity(ctx, "lab")
	assert.NoError(t, err)
}
