package topology

import (
	"bytes"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"strconv"
	"testing"

	"swarm/internal/store"
	"swarm/internal/wire"
)

func node(id uint32, port uint16) wire.Node {
	addr := netip.MustParseAddrPort("127.0.0.1:" + strconv.Itoa(int(port)))
	return wire.Node{ID: id, Address: addr}
}

// pipe returns two connected in-memory ReadWriters, requester then replier.
func pipe() (io.ReadWriter, io.ReadWriter) {
	a, b := net.Pipe()
	return a, b
}

// capturingWriter records every byte written to it while still forwarding
// the write to the wrapped connection, so a test can inspect exactly what
// went out on the wire.
type capturingWriter struct {
	io.ReadWriter
	sent bytes.Buffer
}

func (c *capturingWriter) Write(p []byte) (int, error) {
	c.sent.Write(p)
	return c.ReadWriter.Write(p)
}

func TestDHTRoundTripMerge(t *testing.T) {
	aStore := store.New(node(0, 13000))
	aStore.InsertToken(0, 0)
	bStore := store.New(node(1, 13001))
	bStore.InsertToken(100, 1)

	a := NewDHT(aStore, nil)
	b := NewDHT(bStore, nil)

	requester, replier := pipe()

	done := make(chan error, 1)
	go func() { done <- b.Reply(replier) }()

	if err := a.Request(requester); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Reply: %v", err)
	}

	if _, ok := aStore.LookupMember(1); !ok {
		t.Fatalf("requester did not learn replier's node")
	}
	if _, ok := bStore.LookupMember(0); !ok {
		t.Fatalf("replier did not learn requester's node (requester-as-node rule)")
	}
	if _, ok := aStore.Locate(50); !ok {
		t.Fatalf("requester did not learn replier's token")
	}
}

func TestDigestSuppressionSendsNoPayload(t *testing.T) {
	aStore := store.New(node(0, 13000))
	aStore.InsertMember(node(1, 13001))
	bStore := store.New(node(1, 13001))
	bStore.InsertMember(node(0, 13000))

	a := NewCluster(aStore, nil)
	b := NewCluster(bStore, nil)

	requester, replier := pipe()
	capture := &capturingWriter{ReadWriter: replier}

	done := make(chan error, 1)
	go func() { done <- b.Reply(capture) }()

	if err := a.Request(requester); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Reply: %v", err)
	}

	// both already know each other -> membership count unchanged, no panic
	// or spurious insert from an (absent) payload.
	if len(aStore.SnapshotMembers()) != 2 {
		t.Fatalf("SnapshotMembers = %d entries, want 2", len(aStore.SnapshotMembers()))
	}

	// Digests matched, so the reply must be exactly a zero node-update
	// count (u16) and nothing else: no trailing node payload.
	want := []byte{0, 0}
	if !bytes.Equal(capture.sent.Bytes(), want) {
		t.Fatalf("reply bytes = %x, want %x (zero update count, no payload)", capture.sent.Bytes(), want)
	}
}

func TestConflictingTokenFirstObservedWins(t *testing.T) {
	aStore := store.New(node(0, 13000))
	aStore.InsertToken(42, 0)
	bStore := store.New(node(1, 13001))
	bStore.InsertToken(42, 1)

	a := NewDHT(aStore, nil)
	b := NewDHT(bStore, nil)

	requester, replier := pipe()
	done := make(chan error, 1)
	go func() { done <- b.Reply(replier) }()
	if err := a.Request(requester); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Reply: %v", err)
	}

	owner, ok := aStore.Locate(41)
	if !ok || owner.ID != 0 {
		t.Fatalf("Locate(41) after conflicting token gossip = %+v, %v, want node 0 retained", owner, ok)
	}
}

func TestGossipPeerPrefersNonLocalMember(t *testing.T) {
	st := store.New(node(0, 13000))
	st.InsertMember(node(1, 13001))

	c := NewCluster(st, nil)
	rng := rand.New(rand.NewSource(1))

	addr, ok := c.GossipPeer(rng)
	if !ok {
		t.Fatalf("GossipPeer: want a peer, got none")
	}
	if addr != node(1, 13001).Address {
		t.Fatalf("GossipPeer = %v, want node 1's address", addr)
	}
}

func TestGossipPeerFallsBackToSeed(t *testing.T) {
	st := store.New(node(0, 13000))
	seed := netip.MustParseAddrPort("127.0.0.1:9999")

	c := NewCluster(st, &seed)
	rng := rand.New(rand.NewSource(1))

	addr, ok := c.GossipPeer(rng)
	if !ok || addr != seed {
		t.Fatalf("GossipPeer = %v, %v, want seed %v", addr, ok, seed)
	}
}

func TestGossipPeerNoneWhenAloneAndNoSeed(t *testing.T) {
	st := store.New(node(0, 13000))
	c := NewCluster(st, nil)
	rng := rand.New(rand.NewSource(1))

	if _, ok := c.GossipPeer(rng); ok {
		t.Fatalf("GossipPeer: want none, got a peer")
	}
}
