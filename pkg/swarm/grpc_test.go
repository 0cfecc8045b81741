package swarm

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"hyperg/pkg/feed"
	"hyperg/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type funcHandler struct {
	conn func(ctx context.Context, conn *Conn) error
	drop func(peer types.Peer, err error)
}

func (h funcHandler) HandleConn(ctx context.Context, conn *Conn) error {
	if h.conn == nil {
		<-ctx.Done()
		return nil
	}
	return h.conn(ctx, conn)
}

func (h funcHandler) PeerDropped(peer types.Peer, err error) {
	if h.drop != nil {
		h.drop(peer, err)
	}
}

func newTransport(t *testing.T, opts Options) *GRPCTransport {
	t.Helper()
	opts.Logger = zap.NewNop()
	if opts.DialTimeout == 0 {
		opts.DialTimeout = time.Second
	}
	if opts.LookupInterval == 0 {
		opts.LookupInterval = 50 * time.Millisecond
	}
	opts.TeardownGrace = 10 * time.Millisecond
	transport := NewGRPCTransport(opts)
	require.NoError(t, transport.Listen("127.0.0.1:0"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		transport.Shutdown(ctx)
	})
	return transport
}

func peerOf(t *testing.T, transport *GRPCTransport) types.Peer {
	t.Helper()
	addr := transport.Addr().(*net.TCPAddr)
	return types.Peer{Host: "127.0.0.1", Port: addr.Port}
}

// echo answers every message with a close frame on the same channel.
func echo(ctx context.Context, conn *Conn) error {
	var msg feed.Message
	if err := conn.Stream.RecvMsg(&msg); err != nil {
		return err
	}
	return conn.Stream.SendMsg(&feed.Message{Type: feed.MsgClose, Channel: msg.Channel})
}

func TestInjectOpensStream(t *testing.T) {
	topic := types.DiscoveryKey{7}

	inbound := make(chan *Conn, 1)
	server := newTransport(t, Options{})
	server.SetHandler(funcHandler{conn: func(ctx context.Context, conn *Conn) error {
		inbound <- conn
		return echo(ctx, conn)
	}})

	replies := make(chan feed.Message, 1)
	client := newTransport(t, Options{})
	client.SetHandler(funcHandler{conn: func(ctx context.Context, conn *Conn) error {
		assert.False(t, conn.Inbound)
		if err := conn.Stream.SendMsg(&feed.Message{Type: feed.MsgOpen, Channel: topic[:]}); err != nil {
			return err
		}
		var reply feed.Message
		if err := conn.Stream.RecvMsg(&reply); err != nil {
			return err
		}
		replies <- reply
		return nil
	}})

	require.NoError(t, client.Inject(topic, []types.Peer{peerOf(t, server)}))

	select {
	case conn := <-inbound:
		assert.True(t, conn.Inbound)
		assert.Equal(t, topic, conn.Topic)
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound connection")
	}
	select {
	case reply := <-replies:
		assert.Equal(t, feed.MsgClose, reply.Type)
		assert.Equal(t, topic[:], reply.Channel)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
}

func TestUnreachablePeerDrops(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())

	drops := make(chan types.Peer, 1)
	client := newTransport(t, Options{DialTimeout: 500 * time.Millisecond})
	client.SetHandler(funcHandler{drop: func(peer types.Peer, err error) {
		assert.Error(t, err)
		drops <- peer
	}})

	peer := types.Peer{Host: "127.0.0.1", Port: port}
	require.NoError(t, client.Inject(types.DiscoveryKey{1}, []types.Peer{peer}))

	select {
	case dropped := <-drops:
		assert.Equal(t, peer, dropped)
	case <-time.After(5 * time.Second):
		t.Fatal("drop not reported")
	}
}

func TestRendezvousLookup(t *testing.T) {
	topic := types.DiscoveryKey{9}

	connected := make(chan *Conn, 1)
	provider := newTransport(t, Options{})
	provider.SetHandler(funcHandler{conn: func(ctx context.Context, conn *Conn) error {
		connected <- conn
		<-ctx.Done()
		return nil
	}})
	require.NoError(t, provider.Join(topic, JoinOptions{Announce: true}))

	seeker := newTransport(t, Options{Bootstrap: []string{provider.Addr().String()}})
	require.NoError(t, seeker.Join(topic, JoinOptions{Lookup: true}))

	select {
	case conn := <-connected:
		assert.Equal(t, topic, conn.Topic)
	case <-time.After(5 * time.Second):
		t.Fatal("seeker did not find the provider")
	}
}

func TestAnnounceRegistersCaller(t *testing.T) {
	topic := types.DiscoveryKey{3}
	tracker := newTransport(t, Options{})
	announcer := newTransport(t, Options{Bootstrap: []string{tracker.Addr().String()}})

	require.NoError(t, announcer.Join(topic, JoinOptions{Announce: true}))
	want := peerOf(t, announcer)
	assert.Eventually(t, func() bool {
		peers := tracker.Tracker().Peers(topic)
		return len(peers) == 1 && peers[0] == want
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, announcer.Leave(topic))
	assert.Empty(t, tracker.Tracker().Peers(topic))
}

func TestShutdownReleasesPort(t *testing.T) {
	transport := NewGRPCTransport(Options{TeardownGrace: time.Millisecond})
	require.NoError(t, transport.Listen("127.0.0.1:0"))
	addr := transport.Addr().String()

	started := make(chan struct{})
	transport.SetHandler(funcHandler{conn: func(ctx context.Context, conn *Conn) error {
		close(started)
		<-ctx.Done()
		return nil
	}})
	client := newTransport(t, Options{})
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	require.NoError(t, client.Inject(types.DiscoveryKey{1}, []types.Peer{{Host: "127.0.0.1", Port: port}}))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("stream not established")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, transport.Shutdown(ctx))
	require.NoError(t, transport.Shutdown(ctx), "shutdown is idempotent")

	lis, err := net.Listen("tcp", addr)
	require.NoError(t, err, "port is free after shutdown")
	lis.Close()

	assert.ErrorIs(t, transport.Join(types.DiscoveryKey{1}, JoinOptions{}), types.ErrClosed)
}

func TestServerFailureIsReported(t *testing.T) {
	transport := newTransport(t, Options{})

	transport.mu.Lock()
	lis := transport.listener
	transport.mu.Unlock()
	require.NoError(t, lis.Close())

	select {
	case err := <-transport.Failed():
		require.Error(t, err)
		assert.Contains(t, err.Error(), lis.Addr().String())
	case <-time.After(5 * time.Second):
		t.Fatal("server failure was not reported")
	}
}

func TestShutdownIsNotReportedAsFailure(t *testing.T) {
	transport := newTransport(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, transport.Shutdown(ctx))

	select {
	case err := <-transport.Failed():
		t.Fatalf("unexpected failure after shutdown: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
