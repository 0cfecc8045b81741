package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"hyperg/pkg/archive"
	"hyperg/pkg/feed"
	"hyperg/pkg/metrics"
	"hyperg/pkg/swarm"
	"hyperg/pkg/types"

	"go.uber.org/zap"
)

// DownloadRequest asks for an archive to be fetched and extracted.
type DownloadRequest struct {
	// Key is the hex encoded content key.
	Key string

	// Dest is the directory entries are extracted into.
	Dest string

	// Peers, when set, are dialled directly instead of using rendezvous.
	Peers []types.Peer

	// MaxBytes aborts the download when the content is larger. Zero uses
	// the engine default.
	MaxBytes uint64

	// Timeout aborts the download when it has not completed in time. Zero
	// uses the engine default.
	Timeout time.Duration
}

// Download fetches an archive and extracts it into req.Dest, returning the
// written paths. Concurrent downloads of the same key share one swarm
// session; the first request's peers and guards apply to it. A caller whose
// ctx ends stops waiting but the download continues for other waiters.
func (e *Engine) Download(ctx context.Context, req DownloadRequest) ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	key, err := types.ParseContentKey(req.Key)
	if err != nil {
		return nil, err
	}
	if req.Dest == "" {
		return nil, errors.New("download destination is required")
	}
	dest, err := filepath.Abs(req.Dest)
	if err != nil {
		return nil, fmt.Errorf("invalid destination %q: %w", req.Dest, err)
	}
	if err := validatePeers(req.Peers); err != nil {
		return nil, err
	}

	p, created := e.registry.Want(key, dest)
	if created {
		e.startDownload(key, p, req)
	} else {
		e.metrics.DownloadWaiters.Inc()
		e.logger.Debug("Joined pending download",
			zap.String("key", key.String()),
			zap.String("dest", dest),
			zap.Int("waiters", p.Waiters()))
	}

	select {
	case <-p.Done():
		return p.Result(dest)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func validatePeers(peers []types.Peer) error {
	if len(peers) == 0 {
		return nil
	}
	for _, p := range peers {
		if p.Validate() == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: none of the %d provided peers is valid", types.ErrInvalidPeer, len(peers))
}

func (e *Engine) startDownload(key types.ContentKey, p *PendingSet, req DownloadRequest) {
	ctx, cancel := context.WithCancelCause(e.ctx)
	p.setCancel(cancel)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.registry.finish(key, p)
		defer cancel(nil)
		e.runDownload(ctx, key, p, req)
	}()
}

// runDownload drives one download to completion and resolves p.
func (e *Engine) runDownload(ctx context.Context, key types.ContentKey, p *PendingSet, req DownloadRequest) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.opts.DownloadTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, fmt.Errorf("%w after %s", types.ErrTimeout, timeout))
		defer cancel()
	}
	maxBytes := req.MaxBytes
	if maxBytes == 0 {
		maxBytes = e.opts.MaxDownloadSize
	}

	logger := e.logger.With(zap.String("key", key.String()))
	started := time.Now()

	a, err := e.fetch(ctx, key, req.Peers, maxBytes, logger)

	// New wants from here on start a fresh session.
	e.registry.Release(key, p)

	if err != nil {
		e.metrics.DownloadFailures.WithLabelValues(failureReason(err)).Inc()
		logger.Warn("Download failed", zap.Error(err))
		p.resolve(nil, err)
		return
	}

	// Extraction is part of the session: the timeout and a cancel abort it.
	results := make(map[string]extraction)
	for _, dest := range p.destinations() {
		files, err := archive.Extract(ctx, a, dest)
		if err != nil {
			logger.Warn("Extraction failed", zap.String("dest", dest), zap.Error(err))
		}
		results[dest] = extraction{files: files, err: err}
	}
	if err := context.Cause(ctx); err != nil {
		a.Close()
		e.metrics.DownloadFailures.WithLabelValues(failureReason(err)).Inc()
		logger.Warn("Download aborted during extraction", zap.Error(err))
		p.resolve(nil, err)
		return
	}
	p.resolve(results, nil)

	e.metrics.Downloads.Inc()
	logger.Info("Download complete",
		zap.Int("destinations", len(results)),
		zap.Uint64("bytes", a.ByteLength()),
		zap.Duration("elapsed", time.Since(started)))

	if e.opts.ShareAfterDownload {
		if err := e.share(a); err != nil {
			logger.Warn("Failed to share downloaded archive", zap.Error(err))
		}
		return
	}
	a.Close()
}

// fetch opens the archive and replicates whatever is missing.
func (e *Engine) fetch(ctx context.Context, key types.ContentKey, peers []types.Peer, maxBytes uint64, logger *zap.Logger) (*archive.Archive, error) {
	if err := context.Cause(ctx); err != nil {
		return nil, err
	}
	a, err := e.store.OpenArchive(key)
	if err != nil {
		return nil, err
	}

	if complete(a) {
		if err := checkSize(a, maxBytes); err != nil {
			a.Close()
			return nil, err
		}
		logger.Debug("Archive already stored")
		return a, nil
	}

	s := newDownloadSession(e, a, peers, maxBytes, logger)
	err = s.run(ctx)
	s.teardown()
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func checkSize(a *archive.Archive, maxBytes uint64) error {
	if maxBytes == 0 {
		return nil
	}
	if size := a.ByteLength(); size > maxBytes {
		return fmt.Errorf("%w: archive has %d bytes, limit is %d", types.ErrSizeExceeded, size, maxBytes)
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, types.ErrTimeout):
		return "timeout"
	case errors.Is(err, types.ErrSizeExceeded):
		return "size"
	case errors.Is(err, types.ErrCancelled), errors.Is(err, types.ErrClosed):
		return "cancelled"
	case errors.Is(err, types.ErrNoPeers):
		return "no_peers"
	default:
		return "error"
	}
}

// downloadSession is the short-lived swarm of one download.
type downloadSession struct {
	engine    *Engine
	archive   *archive.Archive
	topic     types.DiscoveryKey
	peers     []types.Peer
	maxBytes  uint64
	logger    *zap.Logger
	transport *swarm.GRPCTransport
	injector  *swarm.PeerInjector

	failed   chan error
	failOnce sync.Once

	mu        sync.Mutex
	protocols map[*feed.Protocol]struct{}
}

func newDownloadSession(e *Engine, a *archive.Archive, peers []types.Peer, maxBytes uint64, logger *zap.Logger) *downloadSession {
	transport := swarm.NewGRPCTransport(e.transportOptions("download"))
	s := &downloadSession{
		engine:    e,
		archive:   a,
		topic:     a.DiscoveryKey(),
		peers:     peers,
		maxBytes:  maxBytes,
		logger:    logger,
		transport: transport,
		failed:    make(chan error, 1),
		protocols: make(map[*feed.Protocol]struct{}),
	}
	if len(peers) > 0 {
		s.injector = swarm.NewPeerInjector(transport, s.topic, logger, e.metrics)
	}
	return s
}

// run joins the swarm and waits until the archive is fully replicated.
func (s *downloadSession) run(ctx context.Context) error {
	s.engine.metrics.SessionsActive.WithLabelValues(metrics.SessionDownload).Inc()

	s.transport.SetHandler(s)
	if err := s.transport.Listen(s.engine.opts.DownloadListen); err != nil {
		return err
	}

	var injectorErr <-chan error
	if s.injector != nil {
		if err := s.injector.Connect(s.peers); err != nil {
			return err
		}
		injectorErr = s.injector.Err()
	} else if err := s.transport.Join(s.topic, swarm.JoinOptions{Lookup: true}); err != nil {
		return err
	}

	wait := func(ready <-chan struct{}) error {
		select {
		case <-ready:
			return nil
		case err := <-s.failed:
			return err
		case err := <-injectorErr:
			return err
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}

	metadata := s.archive.Metadata()
	if err := wait(metadata.Downloaded()); err != nil {
		return err
	}

	resolved, err := s.archive.ResolveContent()
	if err != nil {
		return err
	}
	if !resolved {
		s.logger.Debug("Metadata links no content feed")
		return nil
	}

	content := s.archive.Content()
	s.fetchContent(content)
	if err := wait(content.Ready()); err != nil {
		return err
	}
	if err := checkSize(s.archive, s.maxBytes); err != nil {
		return err
	}
	return wait(content.Downloaded())
}

// fetchContent asks every connected peer for the content feed.
func (s *downloadSession) fetchContent(content *feed.Feed) {
	s.mu.Lock()
	protocols := make([]*feed.Protocol, 0, len(s.protocols))
	for p := range s.protocols {
		protocols = append(protocols, p)
	}
	s.mu.Unlock()

	for _, p := range protocols {
		if err := p.Fetch(content, nil); err != nil {
			s.logger.Debug("Failed to request content feed", zap.Error(err))
		}
	}
}

// HandleConn replicates the archive's feeds from a peer.
func (s *downloadSession) HandleConn(ctx context.Context, conn *swarm.Conn) error {
	if conn.Topic != s.topic {
		return fmt.Errorf("unexpected topic %s", conn.Topic)
	}

	p := feed.NewProtocol(conn.Stream, feed.ProtocolOptions{
		Resolver: s.resolve,
		OnData:   s.engine.countReplicated,
		Logger:   s.logger,
	})

	s.mu.Lock()
	s.protocols[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.protocols, p)
		s.mu.Unlock()
	}()

	if err := p.Fetch(s.archive.Metadata(), nil); err != nil {
		return err
	}
	// Registered before this check, so a content feed resolved concurrently
	// is requested either here or by fetchContent.
	if content := s.archive.Content(); content != nil {
		if err := p.Fetch(content, nil); err != nil {
			return err
		}
	}

	s.logger.Debug("Replicating from peer", zap.String("remote", conn.Remote))
	err := serve(ctx, p)
	if errors.Is(err, feed.ErrVerification) {
		s.fail(err)
	}
	return err
}

// resolve serves the archive's own feeds back to the peer.
func (s *downloadSession) resolve(dk types.DiscoveryKey) (*feed.Feed, func(), error) {
	if f := s.archive.Metadata(); f.DiscoveryKey() == dk {
		return f, nil, nil
	}
	if f := s.archive.Content(); f != nil && f.DiscoveryKey() == dk {
		return f, nil, nil
	}
	return nil, nil, fmt.Errorf("feed %s: %w", dk, types.ErrNotFound)
}

func (s *downloadSession) PeerDropped(p types.Peer, err error) {
	if s.injector != nil {
		s.injector.Dropped(p, err)
	}
}

// fail reports a terminal replication error. Only the first is kept.
func (s *downloadSession) fail(err error) {
	s.failOnce.Do(func() {
		s.failed <- err
	})
}

// teardown releases the session's swarm. It runs whatever state the
// download ended in.
func (s *downloadSession) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.transport.Shutdown(ctx); err != nil {
		s.logger.Warn("Download swarm shutdown incomplete", zap.Error(err))
	}
	s.engine.metrics.SessionsActive.WithLabelValues(metrics.SessionDownload).Dec()
}

func (e *Engine) countReplicated(n int) {
	e.metrics.ReplicatedBytes.Add(float64(n))
}
