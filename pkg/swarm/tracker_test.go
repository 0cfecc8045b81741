package swarm

import (
	"testing"
	"time"

	"hyperg/pkg/types"

	"github.com/stretchr/testify/assert"
)

func TestTrackerPeers(t *testing.T) {
	tracker := NewTracker(time.Minute)
	topic := types.DiscoveryKey{1}
	other := types.DiscoveryKey{2}

	a := types.Peer{Host: "10.0.0.1", Port: 3282}
	b := types.Peer{Host: "10.0.0.2", Port: 3282}
	tracker.Add(topic, a)
	tracker.Add(topic, b)
	tracker.Add(topic, a)
	tracker.Add(other, b)

	assert.ElementsMatch(t, []types.Peer{a, b}, tracker.Peers(topic))
	assert.Equal(t, 3, tracker.Len())

	tracker.Remove(topic, a)
	assert.Equal(t, []types.Peer{b}, tracker.Peers(topic))
	assert.Empty(t, tracker.Peers(types.DiscoveryKey{3}))
}

func TestTrackerExpiry(t *testing.T) {
	tracker := NewTracker(20 * time.Millisecond)
	topic := types.DiscoveryKey{1}
	tracker.Add(topic, types.Peer{Host: "10.0.0.1", Port: 1})

	assert.Len(t, tracker.Peers(topic), 1)
	assert.Eventually(t, func() bool {
		return len(tracker.Peers(topic)) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTrackerLocal(t *testing.T) {
	tracker := NewTracker(time.Minute)
	topic := types.DiscoveryKey{1}

	assert.False(t, tracker.HasLocal(topic))
	tracker.AddLocal(topic)
	assert.True(t, tracker.HasLocal(topic))
	tracker.RemoveLocal(topic)
	assert.False(t, tracker.HasLocal(topic))
}
