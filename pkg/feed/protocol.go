package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"hyperg/pkg/types"

	"go.uber.org/zap"
)

// MessageType tags replication messages.
type MessageType uint8

const (
	MsgOpen MessageType = iota + 1
	MsgHeader
	MsgRequest
	MsgData
	MsgClose
	MsgError
)

func (t MessageType) String() string {
	switch t {
	case MsgOpen:
		return "open"
	case MsgHeader:
		return "header"
	case MsgRequest:
		return "request"
	case MsgData:
		return "data"
	case MsgClose:
		return "close"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is one replication frame. Channel carries the discovery key of
// the feed the frame belongs to.
type Message struct {
	Type       MessageType `cbor:"t"`
	Channel    []byte      `cbor:"c"`
	Index      uint64      `cbor:"i,omitempty"`
	Header     *Header     `cbor:"h,omitempty"`
	Leaves     [][]byte    `cbor:"l,omitempty"`
	Data       []byte      `cbor:"d,omitempty"`
	Compressed bool        `cbor:"z,omitempty"`
	Error      string      `cbor:"e,omitempty"`
}

// Stream is a bidirectional message stream. grpc.ClientStream and
// grpc.ServerStream both satisfy it.
type Stream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// Resolver opens a feed the remote side asked for. The returned release
// function is called when the channel closes. Returning an error refuses
// the channel.
type Resolver func(dk types.DiscoveryKey) (*Feed, func(), error)

// ErrRemote wraps errors reported by the remote side.
var ErrRemote = errors.New("remote error")

// requestWindow bounds the number of outstanding block requests per channel.
const requestWindow = 64

// ProtocolOptions configure a replication Protocol.
type ProtocolOptions struct {
	// Resolver answers remote opens. Nil disables uploading.
	Resolver Resolver

	// OnData is called with the payload size of every block received.
	OnData func(n int)

	Logger *zap.Logger
}

// Protocol multiplexes feed replication channels over one Stream.
type Protocol struct {
	stream Stream
	opts   ProtocolOptions
	logger *zap.Logger

	sendMu sync.Mutex

	mu       sync.Mutex
	channels map[types.DiscoveryKey]*channel
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

type channel struct {
	feed    *Feed
	release func()
	fetch   bool
	serving bool
	window  chan struct{}
	started bool
}

// NewProtocol wraps stream. Call Run to start processing.
func NewProtocol(stream Stream, opts ProtocolOptions) *Protocol {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Protocol{
		stream:   stream,
		opts:     opts,
		logger:   logger,
		channels: make(map[types.DiscoveryKey]*channel),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Fetch asks the remote side for f and downloads every missing block.
// Completion is observed through f.Downloaded. release is called when the
// channel closes.
func (p *Protocol) Fetch(f *Feed, release func()) error {
	dk := f.DiscoveryKey()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if release != nil {
			release()
		}
		return types.ErrClosed
	}
	if _, exists := p.channels[dk]; exists {
		p.mu.Unlock()
		if release != nil {
			release()
		}
		return nil
	}
	p.channels[dk] = &channel{
		feed:    f,
		release: release,
		fetch:   true,
		window:  make(chan struct{}, requestWindow),
	}
	p.mu.Unlock()

	return p.send(&Message{Type: MsgOpen, Channel: dk[:]})
}

// Run processes incoming messages until the stream ends, ctx is done or
// Close is called. It releases every channel before returning. A clean end
// of stream returns nil.
func (p *Protocol) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()
	defer p.shutdown()

	for {
		var msg Message
		if err := p.stream.RecvMsg(&msg); err != nil {
			if errors.Is(err, io.EOF) || p.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := p.handle(&msg); err != nil {
			return err
		}
	}
}

// Close stops the protocol. Run returns once the stream read unblocks.
func (p *Protocol) Close() {
	p.cancel()
}

func (p *Protocol) shutdown() {
	p.cancel()

	p.mu.Lock()
	p.closed = true
	channels := p.channels
	p.channels = make(map[types.DiscoveryKey]*channel)
	p.mu.Unlock()

	for _, ch := range channels {
		if ch.release != nil {
			ch.release()
		}
	}
}

func (p *Protocol) handle(msg *Message) error {
	dk, err := channelKey(msg.Channel)
	if err != nil {
		return err
	}

	switch msg.Type {
	case MsgOpen:
		return p.onOpen(dk)
	case MsgHeader:
		return p.onHeader(dk, msg)
	case MsgRequest:
		return p.onRequest(dk, msg.Index)
	case MsgData:
		return p.onData(dk, msg)
	case MsgClose:
		p.closeChannel(dk)
		return nil
	case MsgError:
		return fmt.Errorf("%w: channel %s: %s", ErrRemote, dk, msg.Error)
	default:
		p.logger.Debug("Ignoring unknown replication message",
			zap.Stringer("type", msg.Type),
			zap.String("channel", dk.String()))
		return nil
	}
}

func (p *Protocol) onOpen(dk types.DiscoveryKey) error {
	p.mu.Lock()
	ch, exists := p.channels[dk]
	p.mu.Unlock()

	if exists && ch.serving {
		return nil
	}
	if p.opts.Resolver == nil {
		return p.refuse(dk, "uploads disabled")
	}

	f, release, err := p.opts.Resolver(dk)
	if err != nil {
		p.logger.Debug("Refusing replication channel",
			zap.String("channel", dk.String()),
			zap.Error(err))
		return p.refuse(dk, err.Error())
	}
	header, leaves, ok := f.Header()
	if !ok {
		if release != nil {
			release()
		}
		return p.refuse(dk, "feed is not finalized")
	}

	p.mu.Lock()
	if exists {
		// Both sides opened the same feed: keep the fetch side, remember
		// that we also serve it.
		ch.serving = true
		p.mu.Unlock()
		if release != nil {
			release()
		}
	} else {
		p.channels[dk] = &channel{feed: f, release: release, serving: true}
		p.mu.Unlock()
	}

	encoded := make([][]byte, len(leaves))
	for i := range leaves {
		encoded[i] = leaves[i][:]
	}
	return p.send(&Message{Type: MsgHeader, Channel: dk[:], Header: &header, Leaves: encoded})
}

func (p *Protocol) refuse(dk types.DiscoveryKey, reason string) error {
	return p.send(&Message{Type: MsgError, Channel: dk[:], Error: reason})
}

func (p *Protocol) onHeader(dk types.DiscoveryKey, msg *Message) error {
	ch := p.channel(dk)
	if ch == nil || !ch.fetch {
		return nil
	}
	if msg.Header == nil {
		return fmt.Errorf("%w: header message without header", ErrVerification)
	}

	leaves := make([]Hash, len(msg.Leaves))
	for i, raw := range msg.Leaves {
		if len(raw) != len(Hash{}) {
			return fmt.Errorf("%w: leaf %d has %d bytes", ErrVerification, i, len(raw))
		}
		copy(leaves[i][:], raw)
	}
	if err := ch.feed.SetHeader(*msg.Header, leaves); err != nil {
		return err
	}

	p.mu.Lock()
	start := !ch.started
	ch.started = true
	p.mu.Unlock()

	if start {
		go p.requestLoop(dk, ch)
	}
	return nil
}

// requestLoop asks for every missing block, keeping at most requestWindow
// requests in flight. It runs outside Run so the receive loop never blocks
// on sends.
func (p *Protocol) requestLoop(dk types.DiscoveryKey, ch *channel) {
	for _, index := range ch.feed.Missing() {
		select {
		case ch.window <- struct{}{}:
		case <-p.ctx.Done():
			return
		case <-ch.feed.Downloaded():
			return
		}
		if ch.feed.Has(index) {
			<-ch.window
			continue
		}
		if err := p.send(&Message{Type: MsgRequest, Channel: dk[:], Index: index}); err != nil {
			p.logger.Debug("Failed to send block request",
				zap.String("channel", dk.String()),
				zap.Uint64("index", index),
				zap.Error(err))
			return
		}
	}
}

func (p *Protocol) onRequest(dk types.DiscoveryKey, index uint64) error {
	ch := p.channel(dk)
	if ch == nil || !ch.serving {
		return p.refuse(dk, "channel not open")
	}

	data, err := ch.feed.Get(p.ctx, index)
	if err != nil {
		if p.ctx.Err() != nil {
			return nil
		}
		return p.refuse(dk, fmt.Sprintf("block %d: %v", index, err))
	}

	payload, compressed := compressWire(data)
	return p.send(&Message{
		Type:       MsgData,
		Channel:    dk[:],
		Index:      index,
		Data:       payload,
		Compressed: compressed,
	})
}

func (p *Protocol) onData(dk types.DiscoveryKey, msg *Message) error {
	ch := p.channel(dk)
	if ch == nil || !ch.fetch {
		return nil
	}
	select {
	case <-ch.window:
	default:
	}

	data, err := decompressWire(msg.Data, msg.Compressed)
	if err != nil {
		return err
	}
	if err := ch.feed.Put(msg.Index, data); err != nil {
		return err
	}
	if p.opts.OnData != nil {
		p.opts.OnData(len(data))
	}
	return nil
}

func (p *Protocol) channel(dk types.DiscoveryKey) *channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[dk]
}

func (p *Protocol) closeChannel(dk types.DiscoveryKey) {
	p.mu.Lock()
	ch, exists := p.channels[dk]
	delete(p.channels, dk)
	p.mu.Unlock()

	if exists && ch.release != nil {
		ch.release()
	}
}

func (p *Protocol) send(msg *Message) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.stream.SendMsg(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

func channelKey(raw []byte) (types.DiscoveryKey, error) {
	var dk types.DiscoveryKey
	if len(raw) != len(dk) {
		return dk, fmt.Errorf("%w: channel key has %d bytes", types.ErrInvalidKey, len(raw))
	}
	copy(dk[:], raw)
	return dk, nil
}
