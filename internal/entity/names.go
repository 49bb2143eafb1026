package entity

import (
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
)

const unitPrefix = "nonsense-"

// SliceName returns the slice an entity's units are grouped in. Dots in the
// entity name become dashes, so an entity "lab.box" lands in a slice nested
// under the one of "lab".
func SliceName(entity string) string {
	return unitPrefix + strings.ReplaceAll(unit.UnitNameEscape(entity), ".", "-") + ".slice"
}

// ScopeName returns the scope holding an entity's helper process.
func ScopeName(entity string) string {
	return unitPrefix + unit.UnitNameEscape(entity) + "-entityd.scope"
}
