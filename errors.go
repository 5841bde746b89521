package swarm

import "errors"

// ErrBind is wrapped by Bind when the listener address cannot be
// acquired.
var ErrBind = errors.New("swarm: bind failed")

// ErrProtocol is wrapped when a gossip round is abandoned because of a
// malformed frame (unknown address family, or a string or metadata
// count too large to encode); a truncated frame surfaces as the plain
// I/O error from the connection instead. Treated
// identically to an I/O failure: the round is abandoned and the store
// is left with whatever inserts had already committed.
var ErrProtocol = errors.New("swarm: protocol error")
