// Package topology implements the gossip request/reply state machines
// for both the cluster (membership-only) and DHT (membership + token
// ring) variants, and peer selection over a Store's membership table.
package topology

import (
	"fmt"
	"io"
	"math/rand"
	"net/netip"

	"swarm/internal/store"
	"swarm/internal/wire"
)

// Variant dispatches one gossip round in either direction. Request is
// called by the initiator (gossiper); Reply is called by the acceptor
// (listener worker). GossipPeer picks the next address to gossip with.
type Variant interface {
	Request(rw io.ReadWriter) error
	Reply(rw io.ReadWriter) error
	GossipPeer(rng *rand.Rand) (netip.AddrPort, bool)
}

// base holds the fields shared by both variants: the local store and
// an optional seed address used while the membership table only
// contains the local node.
type base struct {
	store *store.Store
	seed  *netip.AddrPort
}

// GossipPeer picks the next gossip target: a uniform random non-local
// member when more than one is known, else the configured seed, else
// none.
func (b *base) GossipPeer(rng *rand.Rand) (netip.AddrPort, bool) {
	members := b.store.SnapshotMembers()
	localID := b.store.LocalID()

	if len(members) > 1 {
		index := rng.Intn(len(members) - 1)
		for _, n := range members {
			if n.ID == localID {
				continue
			}
			if index == 0 {
				return n.Address, true
			}
			index--
		}
	}

	if b.seed != nil {
		return *b.seed, true
	}

	return netip.AddrPort{}, false
}

// Cluster is the membership-only variant: no token section on the wire.
type Cluster struct {
	base
}

// NewCluster builds a Cluster variant over st, gossiping to seed when
// the membership table holds only the local node.
func NewCluster(st *store.Store, seed *netip.AddrPort) *Cluster {
	return &Cluster{base{store: st, seed: seed}}
}

// Request writes the requester's node and H_nodes, then applies any
// node updates the replier sends back. No token section is exchanged.
func (c *Cluster) Request(rw io.ReadWriter) error {
	if err := wire.WriteNode(rw, c.store.LocalNode()); err != nil {
		return fmt.Errorf("write request node: %w", err)
	}
	if err := wire.WriteU64(rw, c.store.DigestMembers()); err != nil {
		return fmt.Errorf("write node digest: %w", err)
	}

	count, err := wire.ReadU16(rw)
	if err != nil {
		return fmt.Errorf("read node update count: %w", err)
	}
	for i := uint16(0); i < count; i++ {
		n, err := wire.ReadNode(rw)
		if err != nil {
			return fmt.Errorf("read node update: %w", err)
		}
		c.store.InsertMember(n)
	}
	return nil
}

// Reply reads the requester's node and digest, writes node updates if
// digests differ, then merges the requester's node insert-only.
func (c *Cluster) Reply(rw io.ReadWriter) error {
	requester, err := wire.ReadNode(rw)
	if err != nil {
		return fmt.Errorf("read request node: %w", err)
	}
	nodeDigest, err := wire.ReadU64(rw)
	if err != nil {
		return fmt.Errorf("read node digest: %w", err)
	}

	if err := writeMemberUpdates(rw, c.store, nodeDigest); err != nil {
		return err
	}

	c.store.InsertMember(requester)
	return nil
}

// DHT is the membership + token ring variant.
type DHT struct {
	base
}

// NewDHT builds a DHT variant over st.
func NewDHT(st *store.Store, seed *netip.AddrPort) *DHT {
	return &DHT{base{store: st, seed: seed}}
}

// Request writes the requester's node, H_nodes, and H_tokens, then
// applies any node and token updates the replier sends back.
func (d *DHT) Request(rw io.ReadWriter) error {
	if err := wire.WriteNode(rw, d.store.LocalNode()); err != nil {
		return fmt.Errorf("write request node: %w", err)
	}
	if err := wire.WriteU64(rw, d.store.DigestMembers()); err != nil {
		return fmt.Errorf("write node digest: %w", err)
	}
	if err := wire.WriteU64(rw, d.store.DigestTokens()); err != nil {
		return fmt.Errorf("write token digest: %w", err)
	}

	nodeCount, err := wire.ReadU16(rw)
	if err != nil {
		return fmt.Errorf("read node update count: %w", err)
	}
	for i := uint16(0); i < nodeCount; i++ {
		n, err := wire.ReadNode(rw)
		if err != nil {
			return fmt.Errorf("read node update: %w", err)
		}
		d.store.InsertMember(n)
	}

	tokenCount, err := wire.ReadU16(rw)
	if err != nil {
		return fmt.Errorf("read token update count: %w", err)
	}
	for i := uint16(0); i < tokenCount; i++ {
		token, err := wire.ReadU64(rw)
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		owner, err := wire.ReadU32(rw)
		if err != nil {
			return fmt.Errorf("read token owner: %w", err)
		}
		d.store.InsertToken(token, owner)
	}
	return nil
}

// Reply reads the requester's node and both digests, writes node and
// token updates where digests differ, then merges the requester's node
// insert-only after the reply is written: a joining node is learned even
// when the initial node-digest comparison happened to already match.
func (d *DHT) Reply(rw io.ReadWriter) error {
	requester, err := wire.ReadNode(rw)
	if err != nil {
		return fmt.Errorf("read request node: %w", err)
	}
	nodeDigest, err := wire.ReadU64(rw)
	if err != nil {
		return fmt.Errorf("read node digest: %w", err)
	}
	tokenDigest, err := wire.ReadU64(rw)
	if err != nil {
		return fmt.Errorf("read token digest: %w", err)
	}

	if err := writeMemberUpdates(rw, d.store, nodeDigest); err != nil {
		return err
	}
	if err := writeTokenUpdates(rw, d.store, tokenDigest); err != nil {
		return err
	}

	d.store.InsertMember(requester)
	return nil
}

func writeMemberUpdates(w io.Writer, st *store.Store, requesterDigest uint64) error {
	if st.DigestMembers() == requesterDigest {
		return wire.WriteU16(w, 0)
	}

	members := st.SnapshotMembers()
	if err := wire.WriteU16(w, uint16(len(members))); err != nil {
		return fmt.Errorf("write node update count: %w", err)
	}
	for _, n := range members {
		if err := wire.WriteNode(w, n); err != nil {
			return fmt.Errorf("write node update: %w", err)
		}
	}
	return nil
}

func writeTokenUpdates(w io.Writer, st *store.Store, requesterDigest uint64) error {
	if st.DigestTokens() == requesterDigest {
		return wire.WriteU16(w, 0)
	}

	tokens := st.SnapshotTokens()
	if err := wire.WriteU16(w, uint16(len(tokens))); err != nil {
		return fmt.Errorf("write token update count: %w", err)
	}
	for _, t := range tokens {
		if err := wire.WriteU64(w, t.Token); err != nil {
			return fmt.Errorf("write token: %w", err)
		}
		if err := wire.WriteU32(w, t.Owner); err != nil {
			return fmt.Errorf("write token owner: %w", err)
		}
	}
	return nil
}
