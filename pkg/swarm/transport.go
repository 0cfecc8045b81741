// Package swarm connects nodes that share a discovery key and hands their
// replication streams to the engine.
package swarm

import (
	"context"
	"net"

	"hyperg/pkg/feed"
	"hyperg/pkg/types"
)

// Conn is one replication stream with a peer, opened for a single topic.
type Conn struct {
	Stream  feed.Stream
	Topic   types.DiscoveryKey
	Remote  string
	Inbound bool

	// Peer is the dialled peer of an outbound connection.
	Peer types.Peer
}

// Handler receives connection and drop events from a Transport.
type Handler interface {
	// HandleConn runs replication over conn. It is called on its own
	// goroutine and the stream ends when it returns. Implementations must
	// return once ctx is done.
	HandleConn(ctx context.Context, conn *Conn) error

	// PeerDropped reports a peer that could not be connected or whose
	// connection failed.
	PeerDropped(peer types.Peer, err error)
}

// JoinOptions select how a topic is joined.
type JoinOptions struct {
	// Announce registers this node as a provider of the topic.
	Announce bool

	// Lookup discovers providers of the topic and connects to them.
	Lookup bool
}

// Transport is the overlay a swarm session runs on.
type Transport interface {
	// Listen opens the transport's listener. Failure is terminal.
	Listen(addr string) error

	// Addr returns the bound listener address.
	Addr() net.Addr

	// SetHandler replaces the event handler.
	SetHandler(h Handler)

	// Join starts announcing or looking up a topic.
	Join(topic types.DiscoveryKey, opts JoinOptions) error

	// Leave stops announcing and looking up a topic.
	Leave(topic types.DiscoveryKey) error

	// Inject connects directly to peers for a topic, bypassing rendezvous.
	// A peer already connected for the topic is skipped.
	Inject(topic types.DiscoveryKey, peers []types.Peer) error

	// Shutdown stops accepting connections, destroys in-flight streams and
	// closes the listener, in that order. Step failures are logged, not
	// returned; only an expired ctx is reported.
	Shutdown(ctx context.Context) error
}

type nopHandler struct{}

func (nopHandler) HandleConn(context.Context, *Conn) error { return nil }
func (nopHandler) PeerDropped(types.Peer, error)            {}
