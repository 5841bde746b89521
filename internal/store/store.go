// Package store holds the authoritative local membership table and
// token ring: a single owning Store behind a multi-reader/single-writer
// lock, as recommended over reference-counted guards once merges are
// insert-only.
package store

import (
	"io"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"swarm/internal/check"
	"swarm/internal/wire"
)

// InsertOutcome reports whether an insert actually changed the store.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	AlreadyKnown
)

// Store is the membership table and token ring for one node. The zero
// value is not usable; construct with New.
type Store struct {
	mu sync.RWMutex

	localID   uint32
	localNode wire.Node

	members map[uint32]wire.Node
	tokens  map[uint64]uint32
}

// New creates a Store with the local node already inserted.
func New(local wire.Node) *Store {
	return &Store{
		localID:   local.ID,
		localNode: local,
		members:   map[uint32]wire.Node{local.ID: local},
		tokens:    make(map[uint64]uint32),
	}
}

// LocalID returns the local node's id. Immutable after construction.
func (s *Store) LocalID() uint32 {
	return s.localID
}

// LocalNode returns the local node's own record.
func (s *Store) LocalNode() wire.Node {
	return s.localNode
}

// InsertMember inserts a remote node record. A node-id already present
// is left untouched and AlreadyKnown is returned; mutation of an
// existing node's address or metadata is not supported by the protocol.
func (s *Store) InsertMember(n wire.Node) InsertOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[n.ID]; ok {
		return AlreadyKnown
	}
	s.members[n.ID] = n
	return Inserted
}

// InsertToken inserts a token-to-owner mapping. A token already present
// is left untouched (first-observed wins; see DESIGN.md for the
// resolved Open Question on conflicting claims).
func (s *Store) InsertToken(token uint64, owner uint32) InsertOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[token]; ok {
		return AlreadyKnown
	}
	s.tokens[token] = owner
	return Inserted
}

// LookupMember returns the node record for id, if known.
func (s *Store) LookupMember(id uint32) (wire.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.members[id]
	return n, ok
}

// SnapshotMembers returns every known node ordered by ascending id.
func (s *Store) SnapshotMembers() []wire.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]wire.Node, 0, len(s.members))
	sawLocal := false
	for _, n := range s.members {
		out = append(out, n)
		if n.ID == s.localID {
			sawLocal = true
		}
	}
	check.Assert(sawLocal, "local node missing from membership snapshot")

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TokenOwner pairs a token with its owning node-id.
type TokenOwner struct {
	Token uint64
	Owner uint32
}

// SnapshotTokens returns every known token ordered by ascending token value.
func (s *Store) SnapshotTokens() []TokenOwner {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TokenOwner, 0, len(s.tokens))
	for token, owner := range s.tokens {
		out = append(out, TokenOwner{Token: token, Owner: owner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// DigestMembers computes H_nodes: the hash of the sequence, in
// ascending id order, of (id, metadata_bytes) where metadata_bytes is
// the concatenation of (key ‖ value) in ascending key order.
func (s *Store) DigestMembers() uint64 {
	members := s.SnapshotMembers()

	d := xxhash.New()
	for _, n := range members {
		writeU32BE(d, n.ID)
		for _, k := range sortedMetadataKeys(n.Metadata) {
			d.Write([]byte(k))
			d.Write([]byte(n.Metadata[k]))
		}
	}
	return d.Sum64()
}

// DigestTokens computes H_tokens: the hash of the sequence, in
// ascending token order, of (token_u64_be, owner_id_u32_be).
func (s *Store) DigestTokens() uint64 {
	tokens := s.SnapshotTokens()

	d := xxhash.New()
	for _, t := range tokens {
		writeU64BE(d, t.Token)
		writeU32BE(d, t.Owner)
	}
	return d.Sum64()
}

// Locate returns the owner of the smallest token strictly greater than
// key, or, if no such token exists, the owner of the lexicographically
// (ascending) smallest token (wrap-around). Returns false iff the token
// ring is empty.
func (s *Store) Locate(key uint64) (wire.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.tokens) == 0 {
		return wire.Node{}, false
	}

	var bestToken uint64
	haveBest := false
	var smallestToken uint64
	haveSmallest := false

	for token := range s.tokens {
		if !haveSmallest || token < smallestToken {
			smallestToken = token
			haveSmallest = true
		}
		if token > key && (!haveBest || token < bestToken) {
			bestToken = token
			haveBest = true
		}
	}

	owner := smallestToken
	if haveBest {
		owner = bestToken
	}
	n, ok := s.members[s.tokens[owner]]
	return n, ok
}

func sortedMetadataKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeU32BE(w io.Writer, v uint32) {
	w.Write([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func writeU64BE(w io.Writer, v uint64) {
	w.Write([]byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	})
}
