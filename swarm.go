// Package swarm is a lightweight anti-entropy gossip substrate: nodes
// periodically exchange hash-compared state summaries over TCP and
// converge on a shared membership table and, in the DHT build, a token
// ring partitioning a 64-bit key space.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"swarm/internal/store"
	"swarm/internal/topology"
	"swarm/internal/wire"
)

// dialTimeout bounds how long a gossip round waits to connect to a
// peer. Only the connect is bounded: reads and writes within a round,
// on the gossiper and on the listener workers alike, carry no deadline,
// so a peer that stalls mid-round holds that goroutine, and Stop(),
// until the peer closes or resets the connection.
const dialTimeout = 2 * time.Second

// Swarm owns the listening socket, the state store, the topology, and
// the shutdown signal for one gossiping node.
type Swarm struct {
	cfg      Config
	listener net.Listener
	st       *store.Store
	variant  topology.Variant

	started atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Bind acquires the listening socket and builds the local state store
// and topology variant. It does not start any goroutines — call Start
// for that.
func Bind(cfg Config) (*Swarm, error) {
	cfg = cfg.withDefaults()

	ln, err := net.Listen("tcp", cfg.BindAddress.String())
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %s: %w", ErrBind, cfg.BindAddress, err)
	}

	local := wire.Node{
		ID:       cfg.LocalID,
		Address:  cfg.BindAddress,
		Metadata: cfg.LocalMetadata,
	}
	st := store.New(local)

	var variant topology.Variant
	if len(cfg.Tokens) > 0 {
		dht := topology.NewDHT(st, cfg.SeedAddress)
		for _, t := range cfg.Tokens {
			st.InsertToken(t, cfg.LocalID)
		}
		variant = dht
	} else {
		variant = topology.NewCluster(st, cfg.SeedAddress)
	}

	return &Swarm{
		cfg:      cfg,
		listener: ln,
		st:       st,
		variant:  variant,
	}, nil
}

// Start spawns the listener worker pool and the gossiper goroutine and
// returns immediately. Calling Start a second time on an already-running
// swarm is a programming error.
func (s *Swarm) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		panic("swarm: Start called on an already-running swarm")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	for i := uint8(0); i < s.cfg.ListenerWorkers; i++ {
		workerLn, err := cloneListener(s.listener)
		if err != nil {
			cancel()
			return fmt.Errorf("clone listener for worker: %w", err)
		}
		g.Go(func() error {
			s.listenerWorker(gctx, workerLn)
			return nil
		})
	}

	g.Go(func() error {
		s.gossiperLoop(gctx)
		return nil
	})

	return nil
}

// Stop signals shutdown and waits for every spawned goroutine to
// observe it and exit. Repeated calls are no-ops.
func (s *Swarm) Stop() {
	if s.cancel == nil {
		return
	}
	cancel := s.cancel
	s.cancel = nil
	cancel()
	_ = s.group.Wait()
	s.listener.Close()
}

// LookupMember returns the node record for id, if known.
func (s *Swarm) LookupMember(id uint32) (Node, bool) {
	n, ok := s.st.LookupMember(id)
	if !ok {
		return Node{}, false
	}
	return toPublicNode(n), true
}

// Locate returns the owner of key under the token ring (DHT build
// only). It returns false when the swarm carries no tokens, including
// for a Cluster-variant swarm.
func (s *Swarm) Locate(key uint64) (Node, bool) {
	n, ok := s.st.Locate(key)
	if !ok {
		return Node{}, false
	}
	return toPublicNode(n), true
}

// SnapshotMembers returns every known node ordered by ascending id.
func (s *Swarm) SnapshotMembers() []Node {
	members := s.st.SnapshotMembers()
	out := make([]Node, len(members))
	for i, n := range members {
		out[i] = toPublicNode(n)
	}
	return out
}

func toPublicNode(n wire.Node) Node {
	return Node{ID: n.ID, Address: n.Address, Metadata: n.Metadata}
}

func (s *Swarm) listenerWorker(ctx context.Context, ln net.Listener) {
	defer ln.Close()

	deadlined, canDeadline := ln.(interface{ SetDeadline(time.Time) error })

	for {
		if ctx.Err() != nil {
			return
		}

		if canDeadline {
			deadlined.SetDeadline(time.Now().Add(s.cfg.ListenerSleep))
		}

		conn, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Warn("swarm: listener accept failed", "err", err)
			continue
		}

		if err := s.variant.Reply(conn); err != nil {
			slog.Warn("swarm: gossip reply failed", "err", wrapProtocolError(err))
		}
		halfClose(conn)
	}
}

func (s *Swarm) gossiperLoop(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(s.cfg.LocalID)<<32))

	for {
		start := time.Now()
		if ctx.Err() != nil {
			return
		}

		if peer, ok := s.variant.GossipPeer(rng); ok {
			s.gossipRound(ctx, peer)
		}

		remaining := s.cfg.GossipInterval - time.Since(start)
		if remaining > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(remaining):
			}
		}
	}
}

func (s *Swarm) gossipRound(ctx context.Context, peer netip.AddrPort) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", peer.String())
	if err != nil {
		slog.Warn("swarm: gossip connection failed", "peer", peer, "err", err)
		return
	}
	defer halfClose(conn)

	if err := s.variant.Request(conn); err != nil {
		slog.Warn("swarm: gossip request failed", "peer", peer, "err", wrapProtocolError(err))
	}
}

// wrapProtocolError attaches the public ErrProtocol sentinel to a
// malformed-frame error from the wire codec, so an embedder can use
// errors.Is(err, swarm.ErrProtocol) against the logged error without
// depending on the internal/wire package directly.
func wrapProtocolError(err error) error {
	if errors.Is(err, wire.ErrProtocol) {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return err
}

// halfClose closes the write side of conn before fully closing it, the
// TCP equivalent of Shutdown(Both) on a connection whose exchange is
// already complete.
func halfClose(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
	}
	conn.Close()
}

// cloneListener duplicates the underlying file descriptor so each
// listener worker owns an independent deadline, mirroring a
// try_clone()'d non-blocking socket: a deadline set by one worker never
// perturbs another's accept loop.
func cloneListener(ln net.Listener) (net.Listener, error) {
	type fileListener interface {
		File() (*os.File, error)
	}
	fl, ok := ln.(fileListener)
	if !ok {
		return ln, nil
	}

	f, err := fl.File()
	if err != nil {
		return nil, fmt.Errorf("duplicate listener fd: %w", err)
	}
	defer f.Close()

	cloned, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("wrap duplicated listener fd: %w", err)
	}
	return cloned, nil
}
