package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"hyperg/pkg/codec"
	"hyperg/pkg/metrics"
	"hyperg/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	DefaultAnnounceInterval = 30 * time.Second
	DefaultLookupInterval   = 5 * time.Second
	DefaultDialTimeout      = 5 * time.Second
	DefaultTeardownGrace    = 250 * time.Millisecond

	// maxMessageSize leaves room for the largest content block plus framing.
	maxMessageSize = 8 * 1024 * 1024
)

var errPoolClosed = errors.New("connection pool closed")

// Options configure a GRPCTransport.
type Options struct {
	// Bootstrap lists the trackers announced to and looked up from.
	Bootstrap []string

	AnnounceInterval time.Duration
	LookupInterval   time.Duration
	DialTimeout      time.Duration
	TeardownGrace    time.Duration

	// Name labels log lines of this transport.
	Name    string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = DefaultAnnounceInterval
	}
	if o.LookupInterval <= 0 {
		o.LookupInterval = DefaultLookupInterval
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.TeardownGrace < 0 {
		o.TeardownGrace = 0
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
}

// GRPCTransport is a Transport over a gRPC server. Replication runs on a
// bidirectional Replicate stream per peer and topic; rendezvous runs on the
// unary Announce and Lookup calls served by every node's Tracker.
type GRPCTransport struct {
	opts    Options
	logger  *zap.Logger
	tracker *Tracker
	pool    *connPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	handler   Handler
	server    *grpc.Server
	listener  net.Listener
	topics    map[types.DiscoveryKey]*topic
	streams   map[int64]context.CancelFunc
	nextID    int64
	connected map[string]bool
	closed    bool

	failed chan error
}

type topic struct {
	opts   JoinOptions
	cancel context.CancelFunc
}

// NewGRPCTransport creates an unstarted transport.
func NewGRPCTransport(opts Options) *GRPCTransport {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.Logger
	if opts.Name != "" {
		logger = logger.With(zap.String("swarm", opts.Name))
	}
	return &GRPCTransport{
		opts:      opts,
		logger:    logger,
		tracker:   NewTracker(3 * opts.AnnounceInterval),
		pool:      newConnPool(opts.DialTimeout),
		ctx:       ctx,
		cancel:    cancel,
		handler:   nopHandler{},
		topics:    make(map[types.DiscoveryKey]*topic),
		streams:   make(map[int64]context.CancelFunc),
		connected: make(map[string]bool),
		failed:    make(chan error, 1),
	}
}

// Tracker returns the rendezvous table this transport serves.
func (t *GRPCTransport) Tracker() *Tracker {
	return t.tracker
}

// Listen binds addr and starts serving.
func (t *GRPCTransport) Listen(addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return types.ErrClosed
	}
	if t.listener != nil {
		return fmt.Errorf("transport already listening on %s", t.listener.Addr())
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := grpc.NewServer(
		grpc.ForceServerCodec(codec.GRPC{}),
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	server.RegisterService(&serviceDesc, t)
	t.server = server
	t.listener = lis

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Error("Swarm server failed", zap.Error(err))
			t.failed <- fmt.Errorf("swarm server on %s: %w", lis.Addr(), err)
		}
	}()

	t.logger.Debug("Swarm listening", zap.String("address", lis.Addr().String()))
	return nil
}

// Failed delivers the error that stopped the server outside Shutdown. It
// fires at most once.
func (t *GRPCTransport) Failed() <-chan error {
	return t.failed
}

// Addr returns the listener address, or nil before Listen.
func (t *GRPCTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *GRPCTransport) port() int {
	if addr, ok := t.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// SetHandler replaces the event handler. A nil handler discards events.
func (t *GRPCTransport) SetHandler(h Handler) {
	if h == nil {
		h = nopHandler{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.handler = h
}

func (t *GRPCTransport) currentHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// Join starts announcing and/or looking up topic. Joining an already joined
// topic replaces its options.
func (t *GRPCTransport) Join(dk types.DiscoveryKey, opts JoinOptions) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return types.ErrClosed
	}
	if existing, ok := t.topics[dk]; ok {
		existing.cancel()
	}
	ctx, cancel := context.WithCancel(t.ctx)
	t.topics[dk] = &topic{opts: opts, cancel: cancel}
	t.mu.Unlock()

	if opts.Announce {
		t.tracker.AddLocal(dk)
		t.spawn(func() { t.announceLoop(ctx, dk) })
	}
	if opts.Lookup {
		t.spawn(func() { t.lookupLoop(ctx, dk) })
	}

	t.logger.Debug("Joined topic",
		zap.String("discovery_key", dk.String()),
		zap.Bool("announce", opts.Announce),
		zap.Bool("lookup", opts.Lookup))
	return nil
}

// Leave stops the topic's loops and withdraws local and remote
// announcements. Leaving a topic that was never joined succeeds.
func (t *GRPCTransport) Leave(dk types.DiscoveryKey) error {
	t.mu.Lock()
	tp, ok := t.topics[dk]
	delete(t.topics, dk)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	tp.cancel()
	if tp.opts.Announce {
		t.tracker.RemoveLocal(dk)
		ctx, cancel := context.WithTimeout(t.ctx, t.opts.DialTimeout)
		t.announceAll(ctx, dk, true)
		cancel()
	}

	t.logger.Debug("Left topic", zap.String("discovery_key", dk.String()))
	return nil
}

// Inject connects to each peer for topic.
func (t *GRPCTransport) Inject(dk types.DiscoveryKey, peers []types.Peer) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return types.ErrClosed
	}
	for _, p := range peers {
		t.connect(dk, p)
	}
	return nil
}

func (t *GRPCTransport) spawn(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// connect opens a replication stream to p unless one is already up.
func (t *GRPCTransport) connect(dk types.DiscoveryKey, p types.Peer) {
	key := dk.String() + "@" + p.Addr()

	t.mu.Lock()
	if t.closed || t.connected[key] {
		t.mu.Unlock()
		return
	}
	t.connected[key] = true
	t.mu.Unlock()

	t.spawn(func() {
		err := t.dialAndServe(dk, p)
		if err == nil {
			return
		}

		t.mu.Lock()
		delete(t.connected, key)
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		t.opts.Metrics.PeersDropped.Inc()
		t.logger.Debug("Peer dropped",
			zap.String("peer", p.Addr()),
			zap.String("discovery_key", dk.String()),
			zap.Error(err))
		t.currentHandler().PeerDropped(p, err)
	})
}

func (t *GRPCTransport) dialAndServe(dk types.DiscoveryKey, p types.Peer) error {
	conn, err := t.pool.get(p.Addr())
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", p.Addr(), err)
	}

	ctx, done := t.trackStream(t.ctx)
	defer done()

	dialCtx, cancelDial := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancelDial()
	stream, err := t.openStream(ctx, dialCtx, conn, dk)
	if err != nil {
		return err
	}

	t.opts.Metrics.Connections.WithLabelValues("outbound").Inc()
	err = t.currentHandler().HandleConn(ctx, &Conn{
		Stream: stream,
		Topic:  dk,
		Remote: p.Addr(),
		Peer:   p,
	})
	stream.CloseSend()
	return err
}

// openStream starts a Replicate stream and waits for the server to accept
// it, bounded by dialCtx. The stream itself lives as long as ctx.
func (t *GRPCTransport) openStream(ctx, dialCtx context.Context, conn *grpc.ClientConn, dk types.DiscoveryKey) (grpc.ClientStream, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, topicHeader, dk.String())

	type result struct {
		stream grpc.ClientStream
		err    error
	}
	opened := make(chan result, 1)
	go func() {
		stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], replicateMethod)
		if err == nil {
			// Headers arrive once the server handler has accepted the stream.
			_, err = stream.Header()
		}
		opened <- result{stream: stream, err: err}
	}()

	select {
	case r := <-opened:
		if r.err != nil {
			return nil, fmt.Errorf("failed to open stream: %w", r.err)
		}
		return r.stream, nil
	case <-dialCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to open stream: %w", dialCtx.Err())
	}
}

// trackStream derives a stream context that Shutdown cancels.
func (t *GRPCTransport) trackStream(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return ctx, func() {}
	}
	id := t.nextID
	t.nextID++
	t.streams[id] = cancel
	t.mu.Unlock()

	return ctx, func() {
		t.mu.Lock()
		delete(t.streams, id)
		t.mu.Unlock()
		cancel()
	}
}

// Replicate serves an inbound replication stream.
func (t *GRPCTransport) Replicate(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	values := md.Get(topicHeader)
	if len(values) != 1 {
		return status.Error(codes.InvalidArgument, "missing topic")
	}
	dk, err := types.ParseDiscoveryKey(values[0])
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	remote := "unknown"
	if p, ok := peer.FromContext(stream.Context()); ok {
		remote = p.Addr.String()
	}

	ctx, done := t.trackStream(stream.Context())
	defer done()
	if ctx.Err() != nil {
		return status.Error(codes.Unavailable, "swarm is shutting down")
	}

	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	t.opts.Metrics.Connections.WithLabelValues("inbound").Inc()
	err = t.currentHandler().HandleConn(ctx, &Conn{
		Stream:  stream,
		Topic:   dk,
		Remote:  remote,
		Inbound: true,
	})
	if err != nil {
		t.logger.Debug("Inbound replication ended",
			zap.String("remote", remote),
			zap.String("discovery_key", dk.String()),
			zap.Error(err))
		return status.Error(codes.Aborted, err.Error())
	}
	return nil
}

// Announce records the caller as a provider in this node's tracker.
func (t *GRPCTransport) Announce(ctx context.Context, req *AnnounceRequest) (*AnnounceResponse, error) {
	dk, err := topicFromBytes(req.Topic)
	if err != nil {
		return nil, err
	}
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil, status.Error(codes.FailedPrecondition, "unknown caller address")
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	provider := types.Peer{Host: host, Port: req.Port}
	if err := provider.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if req.Leave {
		t.tracker.Remove(dk, provider)
	} else {
		t.tracker.Add(dk, provider)
	}
	return &AnnounceResponse{}, nil
}

// Lookup lists providers of a topic known to this node.
func (t *GRPCTransport) Lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error) {
	dk, err := topicFromBytes(req.Topic)
	if err != nil {
		return nil, err
	}
	resp := &LookupResponse{}
	for _, p := range t.tracker.Peers(dk) {
		resp.Peers = append(resp.Peers, PeerRecord{Host: p.Host, Port: p.Port})
	}
	if t.tracker.HasLocal(dk) {
		resp.SelfPort = t.port()
	}
	return resp, nil
}

func topicFromBytes(raw []byte) (types.DiscoveryKey, error) {
	var dk types.DiscoveryKey
	if len(raw) != len(dk) {
		return dk, status.Error(codes.InvalidArgument, "topic must be 32 bytes")
	}
	copy(dk[:], raw)
	return dk, nil
}

func (t *GRPCTransport) announceLoop(ctx context.Context, dk types.DiscoveryKey) {
	if len(t.opts.Bootstrap) == 0 {
		return
	}
	ticker := time.NewTicker(t.opts.AnnounceInterval)
	defer ticker.Stop()

	for {
		t.announceAll(ctx, dk, false)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *GRPCTransport) announceAll(ctx context.Context, dk types.DiscoveryKey, leave bool) {
	req := &AnnounceRequest{Topic: dk[:], Port: t.port(), Leave: leave}
	for _, addr := range t.opts.Bootstrap {
		if ctx.Err() != nil {
			return
		}
		conn, err := t.pool.get(addr)
		if err != nil {
			t.logger.Debug("Failed to reach tracker", zap.String("tracker", addr), zap.Error(err))
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
		err = conn.Invoke(callCtx, announceMethod, req, &AnnounceResponse{})
		cancel()
		if err != nil {
			t.logger.Debug("Announce failed",
				zap.String("tracker", addr),
				zap.String("discovery_key", dk.String()),
				zap.Error(err))
		}
	}
}

func (t *GRPCTransport) lookupLoop(ctx context.Context, dk types.DiscoveryKey) {
	if len(t.opts.Bootstrap) == 0 {
		return
	}
	ticker := time.NewTicker(t.opts.LookupInterval)
	defer ticker.Stop()

	for {
		for _, p := range t.lookup(ctx, dk) {
			t.connect(dk, p)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *GRPCTransport) lookup(ctx context.Context, dk types.DiscoveryKey) []types.Peer {
	var found []types.Peer
	for _, addr := range t.opts.Bootstrap {
		if ctx.Err() != nil {
			return found
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			t.logger.Warn("Invalid tracker address", zap.String("tracker", addr), zap.Error(err))
			continue
		}
		conn, err := t.pool.get(addr)
		if err != nil {
			continue
		}

		resp := &LookupResponse{}
		callCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
		err = conn.Invoke(callCtx, lookupMethod, &LookupRequest{Topic: dk[:]}, resp)
		cancel()
		if err != nil {
			t.logger.Debug("Lookup failed",
				zap.String("tracker", addr),
				zap.String("discovery_key", dk.String()),
				zap.Error(err))
			continue
		}

		for _, r := range resp.Peers {
			found = append(found, types.Peer{Host: r.Host, Port: r.Port})
		}
		if resp.SelfPort > 0 {
			found = append(found, types.Peer{Host: host, Port: resp.SelfPort})
		}
	}
	return found
}

// Shutdown tears the transport down. Each step runs even if an earlier one
// fails.
func (t *GRPCTransport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handler = nopHandler{}
	topics := t.topics
	t.topics = make(map[types.DiscoveryKey]*topic)
	streams := t.streams
	t.streams = make(map[int64]context.CancelFunc)
	server := t.server
	t.mu.Unlock()

	t.step("withdraw", func() error {
		for dk, tp := range topics {
			tp.cancel()
			if tp.opts.Announce {
				t.tracker.RemoveLocal(dk)
				leaveCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
				t.announceAll(leaveCtx, dk, true)
				cancel()
			}
		}
		return nil
	})

	t.step("streams", func() error {
		for _, cancel := range streams {
			cancel()
		}
		t.cancel()
		return nil
	})

	if t.opts.TeardownGrace > 0 {
		select {
		case <-time.After(t.opts.TeardownGrace):
		case <-ctx.Done():
		}
	}

	t.step("server", func() error {
		if server != nil {
			server.Stop()
		}
		return nil
	})

	t.step("pool", t.pool.closeAll)

	waited := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.logger.Debug("Swarm shut down")
		return nil
	case <-ctx.Done():
		t.logger.Warn("Swarm shutdown did not finish in time", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// step runs one teardown step, logging and counting its failure or panic.
func (t *GRPCTransport) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			t.opts.Metrics.TeardownErrors.WithLabelValues(name).Inc()
			t.logger.Error("Swarm teardown step panicked",
				zap.String("step", name),
				zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		t.opts.Metrics.TeardownErrors.WithLabelValues(name).Inc()
		t.logger.Warn("Swarm teardown step failed",
			zap.String("step", name),
			zap.Error(err))
	}
}

