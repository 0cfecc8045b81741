package swarm

import (
	"fmt"
	"sync"

	"hyperg/pkg/metrics"
	"hyperg/pkg/types"

	"go.uber.org/zap"
)

// PeerInjector connects a session directly to caller supplied peers and
// fails the session once every one of them has dropped.
type PeerInjector struct {
	transport Transport
	topic     types.DiscoveryKey
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	injected map[string]bool // address -> dropped
	live     int
	fired    bool
	result   chan error
}

// NewPeerInjector creates an injector for topic on transport.
func NewPeerInjector(transport Transport, topic types.DiscoveryKey, logger *zap.Logger, m *metrics.Metrics) *PeerInjector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &PeerInjector{
		transport: transport,
		topic:     topic,
		logger:    logger,
		metrics:   m,
		injected:  make(map[string]bool),
		result:    make(chan error, 1),
	}
}

// Connect validates peers and injects the valid ones. Invalid peers are
// logged and dropped; the call fails only when none are valid. Peers
// already injected are skipped.
func (p *PeerInjector) Connect(peers []types.Peer) error {
	var valid []types.Peer
	for _, peer := range peers {
		if err := peer.Validate(); err != nil {
			p.logger.Warn("Ignoring invalid peer",
				zap.String("peer", peer.Addr()),
				zap.Error(err))
			continue
		}
		valid = append(valid, peer)
	}
	if len(valid) == 0 {
		return fmt.Errorf("%w: none of the %d provided peers is valid", types.ErrInvalidPeer, len(peers))
	}

	var fresh []types.Peer
	p.mu.Lock()
	for _, peer := range valid {
		addr := peer.Addr()
		if _, exists := p.injected[addr]; exists {
			continue
		}
		p.injected[addr] = false
		p.live++
		fresh = append(fresh, peer)
	}
	p.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	p.metrics.PeersInjected.Add(float64(len(fresh)))
	return p.transport.Inject(p.topic, fresh)
}

// Dropped records a drop event from the session. Once every injected peer
// has dropped, ErrNoPeers is delivered on Err exactly once.
func (p *PeerInjector) Dropped(peer types.Peer, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped, injected := p.injected[peer.Addr()]
	if !injected || dropped {
		return
	}
	p.injected[peer.Addr()] = true
	p.live--

	if p.fired {
		p.logger.Debug("Injected peer dropped after failure was reported",
			zap.String("peer", peer.Addr()),
			zap.Error(err))
		return
	}
	if p.live == 0 {
		p.fired = true
		p.result <- types.ErrNoPeers
	}
}

// Err delivers the terminal error, if any.
func (p *PeerInjector) Err() <-chan error {
	return p.result
}
