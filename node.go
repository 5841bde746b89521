package swarm

import "net/netip"

// Node is a member of the swarm: an id, its gossip socket address, and
// metadata set once at construction. The pair (ID, Address) is
// immutable once observed; metadata is never mutated over the wire.
type Node struct {
	ID       uint32
	Address  netip.AddrPort
	Metadata map[string]string
}
