package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for transition records and tasks.
func NewID() string {
	return ulid.Make().String()
}
