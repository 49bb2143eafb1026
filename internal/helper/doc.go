// Package helper is the entity side of the private bus: the agent that
// nonsense-entityd runs for one entity. It applies components handed to it
// by the daemon and undoes them on shutdown.
//
// The network component places the entity in a network namespace pinned at
// /var/run/netns/nonsense:<entity> and, depending on its role, wires it to
// its uplink with a veth pair, a bridge, addresses and routes.
package helper
