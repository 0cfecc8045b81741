package swarm

import (
	"strings"
	"sync"
	"time"

	"hyperg/pkg/types"

	"github.com/patrickmn/go-cache"
)

// Tracker is the rendezvous table a node serves to its peers: topic to
// announced providers, each entry expiring unless re-announced.
type Tracker struct {
	entries *cache.Cache
	ttl     time.Duration

	mu    sync.RWMutex
	local map[types.DiscoveryKey]bool
}

// NewTracker creates a tracker whose entries live for ttl.
func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		entries: cache.New(ttl, ttl),
		ttl:     ttl,
		local:   make(map[types.DiscoveryKey]bool),
	}
}

func entryKey(topic types.DiscoveryKey, peer types.Peer) string {
	return topic.String() + "|" + peer.Addr()
}

// Add records peer as a provider of topic, refreshing its expiry.
func (t *Tracker) Add(topic types.DiscoveryKey, peer types.Peer) {
	t.entries.Set(entryKey(topic, peer), peer, t.ttl)
}

// Remove withdraws peer as a provider of topic.
func (t *Tracker) Remove(topic types.DiscoveryKey, peer types.Peer) {
	t.entries.Delete(entryKey(topic, peer))
}

// Peers returns the unexpired providers of topic.
func (t *Tracker) Peers(topic types.DiscoveryKey) []types.Peer {
	prefix := topic.String() + "|"
	var peers []types.Peer
	for key, item := range t.entries.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if peer, ok := item.Object.(types.Peer); ok {
			peers = append(peers, peer)
		}
	}
	return peers
}

// AddLocal marks this node as a provider of topic.
func (t *Tracker) AddLocal(topic types.DiscoveryKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local[topic] = true
}

// RemoveLocal withdraws this node as a provider of topic.
func (t *Tracker) RemoveLocal(topic types.DiscoveryKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.local, topic)
}

// HasLocal reports whether this node provides topic.
func (t *Tracker) HasLocal(topic types.DiscoveryKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local[topic]
}

// Len returns the number of unexpired remote entries.
func (t *Tracker) Len() int {
	return len(t.entries.Items())
}
