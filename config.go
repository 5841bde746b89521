package swarm

import (
	"net/netip"
	"time"
)

// Default tuning values, applied by Bind when the corresponding Config
// field is left at its zero value.
const (
	DefaultListenerWorkers = 2
	DefaultListenerSleep   = 50 * time.Millisecond
	DefaultGossipInterval  = 2000 * time.Millisecond
)

// Config describes one swarm node. BindAddress is required; every other
// field has a default. Tokens being non-empty selects the DHT variant
// at Bind time — a node with tokens partitions the key space, one
// without is membership-only.
type Config struct {
	BindAddress netip.AddrPort
	SeedAddress *netip.AddrPort

	LocalID       uint32
	LocalMetadata map[string]string
	Tokens        []uint64

	ListenerWorkers uint8
	ListenerSleep   time.Duration
	GossipInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenerWorkers == 0 {
		c.ListenerWorkers = DefaultListenerWorkers
	}
	if c.ListenerSleep == 0 {
		c.ListenerSleep = DefaultListenerSleep
	}
	if c.GossipInterval == 0 {
		c.GossipInterval = DefaultGossipInterval
	}
	return c
}
