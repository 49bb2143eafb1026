package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnitNames(t *testing.T) {
	tests := []struct {
		entity string
		slice  string
		scope  string
	}{
		{"lab", "nonsense-lab.slice", "nonsense-lab-entityd.scope"},
		{"lab.box", "nonsense-lab-box.slice", "nonsense-lab.box-entityd.scope"},
		{"my-lab", `nonsense-my\x2dlab.slice`, `nonsense-my\x2dlab-entityd.scope`},
	}
	for _, tt := range tests {
		t.Run(tt.entity, func(t *testing.T) {
			assert.Equal(t, tt.slice, SliceName(tt.entity))
			assert.Equal(t, tt.scope, ScopeName(tt.entity))
		})
	}
}
