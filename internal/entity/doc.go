// Package entity implements the entity lifecycle: starting an entity spawns
// its helper process, bridges a private bus to it, places it in a systemd
// slice and scope and hands it its components; stopping it reverses that.
//
// Every transition runs as an async task on the daemon loop and holds the
// entity's lock for its whole duration, so at most one transition per name
// is in flight. The live table is owned by the loop goroutine.
package entity
