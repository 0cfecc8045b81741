package engine

import (
	"context"
	"fmt"
	"net"

	"hyperg/pkg/feed"
	"hyperg/pkg/metrics"
	"hyperg/pkg/swarm"
	"hyperg/pkg/types"

	"go.uber.org/zap"
)

// uploadSession is the long-lived swarm serving every shared archive.
type uploadSession struct {
	engine    *Engine
	transport *swarm.GRPCTransport
	logger    *zap.Logger
}

func newUploadSession(e *Engine) *uploadSession {
	s := &uploadSession{
		engine:    e,
		transport: swarm.NewGRPCTransport(e.transportOptions("upload")),
		logger:    e.logger.With(zap.String("session", "upload")),
	}
	s.transport.SetHandler(s)
	return s
}

func (s *uploadSession) start(addr string) error {
	if err := s.transport.Listen(addr); err != nil {
		return fmt.Errorf("failed to start upload swarm: %w", err)
	}
	s.engine.metrics.SessionsActive.WithLabelValues(metrics.SessionUpload).Inc()
	return nil
}

func (s *uploadSession) addr() net.Addr {
	return s.transport.Addr()
}

func (s *uploadSession) join(dk types.DiscoveryKey) error {
	return s.transport.Join(dk, swarm.JoinOptions{Announce: true})
}

func (s *uploadSession) leave(dk types.DiscoveryKey) error {
	return s.transport.Leave(dk)
}

func (s *uploadSession) shutdown(ctx context.Context) {
	if s.transport.Addr() == nil {
		return
	}
	if err := s.transport.Shutdown(ctx); err != nil {
		s.logger.Warn("Upload swarm shutdown incomplete", zap.Error(err))
	}
	s.engine.metrics.SessionsActive.WithLabelValues(metrics.SessionUpload).Dec()
}

// HandleConn serves shared feeds to a peer. Connections for topics that are
// not shared are refused.
func (s *uploadSession) HandleConn(ctx context.Context, conn *swarm.Conn) error {
	if !s.engine.registry.IsTopic(conn.Topic) {
		return fmt.Errorf("topic %s: %w", conn.Topic, types.ErrNotFound)
	}

	p := feed.NewProtocol(conn.Stream, feed.ProtocolOptions{
		Resolver: s.resolve,
		OnData:   s.engine.countReplicated,
		Logger:   s.logger,
	})
	s.logger.Debug("Serving peer",
		zap.String("remote", conn.Remote),
		zap.String("discovery_key", conn.Topic.String()))
	return serve(ctx, p)
}

func (s *uploadSession) resolve(dk types.DiscoveryKey) (*feed.Feed, func(), error) {
	f, ok := s.engine.registry.Feed(dk)
	if !ok {
		return nil, nil, fmt.Errorf("feed %s is not shared", dk)
	}
	return f, nil, nil
}

func (s *uploadSession) PeerDropped(p types.Peer, err error) {
	s.logger.Debug("Upload peer dropped", zap.String("peer", p.Addr()), zap.Error(err))
}

// serve runs p until the stream ends or ctx is done. A server stream read
// does not observe ctx, so Run is left to unwind on its own.
func serve(ctx context.Context, p *feed.Protocol) error {
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.Close()
		return nil
	}
}
