// Package engine drives archive sharing and fetching: it owns the upload
// swarm, runs one swarm session per download and multiplexes concurrent
// requests for the same content.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"hyperg/pkg/archive"
	"hyperg/pkg/metrics"
	"hyperg/pkg/swarm"
	"hyperg/pkg/types"

	"go.uber.org/zap"
)

// shutdownTimeout bounds how long a session teardown may take.
const shutdownTimeout = 5 * time.Second

// Options configure an Engine.
type Options struct {
	Store *archive.Store

	// Listen is the upload swarm address.
	Listen string

	// DownloadListen is the address each download session binds.
	DownloadListen string

	// AdvertiseHost, when set, is the only host reported by Addresses.
	AdvertiseHost string

	Bootstrap        []string
	AnnounceInterval time.Duration
	LookupInterval   time.Duration
	DialTimeout      time.Duration
	TeardownGrace    time.Duration

	// ShareAfterDownload adds completed downloads to the upload swarm.
	ShareAfterDownload bool

	// MaxDownloadSize and DownloadTimeout apply when a request sets neither.
	MaxDownloadSize uint64
	DownloadTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Engine is the content distribution core.
type Engine struct {
	opts     Options
	store    *archive.Store
	logger   *zap.Logger
	metrics  *metrics.Metrics
	registry *Registry
	upload   *uploadSession

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates an engine. Start must be called before use.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	if opts.Listen == "" {
		opts.Listen = ":3282"
	}
	if opts.DownloadListen == "" {
		host, _, err := net.SplitHostPort(opts.Listen)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", opts.Listen, err)
		}
		opts.DownloadListen = net.JoinHostPort(host, "0")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:     opts,
		store:    opts.Store,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		registry: NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.upload = newUploadSession(e)
	return e, nil
}

func (e *Engine) transportOptions(name string) swarm.Options {
	return swarm.Options{
		Bootstrap:        e.opts.Bootstrap,
		AnnounceInterval: e.opts.AnnounceInterval,
		LookupInterval:   e.opts.LookupInterval,
		DialTimeout:      e.opts.DialTimeout,
		TeardownGrace:    e.opts.TeardownGrace,
		Name:             name,
		Logger:           e.logger,
		Metrics:          e.metrics,
	}
}

// Start opens the upload swarm and re-announces persisted shares. A listen
// failure is returned.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return types.ErrClosed
	}
	if e.started {
		return nil
	}
	if err := e.upload.start(e.opts.Listen); err != nil {
		return err
	}
	e.started = true

	e.restoreShares()
	e.logger.Info("Engine started",
		zap.String("id", e.ID()),
		zap.String("listen", e.upload.addr().String()),
		zap.Int("shares", len(e.registry.Shares())))
	return nil
}

// restoreShares rejoins every archive with a Share Record, keeping its
// original timestamp so expiry is unaffected by restarts.
func (e *Engine) restoreShares() {
	err := e.store.Shares(func(share archive.Share, err error) error {
		if err != nil {
			e.logger.Warn("Skipping malformed share record", zap.Error(err))
			return nil
		}
		a, err := e.store.Archive(share.Key)
		if err != nil {
			e.logger.Warn("Dropping share record of missing archive",
				zap.String("key", share.Key.String()),
				zap.Error(err))
			if err := e.store.RemoveShareTimestamp(share.Key); err != nil {
				e.logger.Warn("Failed to remove share record", zap.Error(err))
			}
			return nil
		}
		if err := e.join(a); err != nil {
			e.logger.Warn("Failed to restore share",
				zap.String("key", share.Key.String()),
				zap.Error(err))
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("Failed to restore shares", zap.Error(err))
	}
}

// Failed delivers an unrecoverable error of the upload swarm. The daemon
// treats it as fatal.
func (e *Engine) Failed() <-chan error {
	return e.upload.transport.Failed()
}

// ID returns this node's identity as hex.
func (e *Engine) ID() string {
	return e.store.ID().String()
}

// Addresses lists the addresses peers can reach the upload swarm on.
func (e *Engine) Addresses() []string {
	addr, ok := e.upload.addr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	if e.opts.AdvertiseHost != "" {
		return []string{net.JoinHostPort(e.opts.AdvertiseHost, strconv.Itoa(addr.Port))}
	}
	if !addr.IP.IsUnspecified() {
		return []string{addr.String()}
	}

	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		e.logger.Warn("Failed to list interface addresses", zap.Error(err))
		return []string{addr.String()}
	}
	var addresses []string
	for _, ifaddr := range ifaddrs {
		ipnet, ok := ifaddr.(*net.IPNet)
		if !ok || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		addresses = append(addresses, net.JoinHostPort(ipnet.IP.String(), strconv.Itoa(addr.Port)))
	}
	return addresses
}

// Upload creates an archive from files, shares it and returns its key.
func (e *Engine) Upload(ctx context.Context, files []types.File) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", errors.New("no files to upload")
	}

	a, _, err := e.store.Create(ctx, files, func(source string, err error, remaining int) {
		if err != nil {
			return
		}
		e.logger.Debug("File added", zap.String("source", source), zap.Int("remaining", remaining))
	})
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	if err := a.Finalize(); err != nil {
		key := a.Key()
		a.Close()
		e.store.Delete(key)
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}

	key := a.Key()
	if err := e.share(a); err != nil {
		return "", err
	}
	e.metrics.Uploads.Inc()
	e.logger.Info("Archive shared",
		zap.String("key", key.String()),
		zap.Int("files", len(files)),
		zap.Uint64("bytes", a.ByteLength()))
	return key.String(), nil
}

// UploadExisting shares an archive that is already fully stored.
func (e *Engine) UploadExisting(ctx context.Context, keyHex string) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	key, err := types.ParseContentKey(keyHex)
	if err != nil {
		return "", err
	}

	a, err := e.store.Archive(key)
	if err != nil {
		return "", err
	}
	if !complete(a) {
		a.Close()
		return "", fmt.Errorf("archive %s: %w", key, types.ErrNotFound)
	}
	if err := e.share(a); err != nil {
		return "", err
	}
	e.metrics.Uploads.Inc()
	return key.String(), nil
}

// share adds a to the upload swarm and resets its Share Record.
func (e *Engine) share(a *archive.Archive) error {
	key := a.Key()
	if err := e.join(a); err != nil {
		return err
	}
	if err := e.store.AddShareTimestamp(key); err != nil {
		return err
	}
	return nil
}

// join adds a to the upload set without touching its Share Record. The
// registry takes ownership of a.
func (e *Engine) join(a *archive.Archive) error {
	key := a.Key()
	if !e.registry.AddShare(a) {
		a.Close()
	}
	if err := e.upload.join(key.Discovery()); err != nil {
		return fmt.Errorf("failed to announce %s: %w", key, err)
	}
	e.metrics.SharesActive.Set(float64(len(e.registry.Shares())))
	return nil
}

// Cancel stops sharing or downloading key and deletes its stored data.
// Cancelling an unknown key succeeds.
func (e *Engine) Cancel(ctx context.Context, keyHex string) (string, error) {
	key, err := types.ParseContentKey(keyHex)
	if err != nil {
		return "", err
	}
	if err := e.cancelKey(ctx, key); err != nil {
		return "", err
	}
	return key.String(), nil
}

func (e *Engine) cancelKey(ctx context.Context, key types.ContentKey) error {
	if p, ok := e.registry.Pending(key); ok {
		e.registry.Release(key, p)
	}
	// Downloads must exit before the store is cleaned up, otherwise a late
	// OpenArchive or share recreates what is deleted below.
	for _, p := range e.registry.Running(key) {
		p.Cancel(types.ErrCancelled)
		select {
		case <-p.Finished():
		case <-ctx.Done():
			return fmt.Errorf("waiting for download of %s to stop: %w", key, ctx.Err())
		}
	}

	if a, ok := e.registry.RemoveShare(key); ok {
		if err := e.upload.leave(key.Discovery()); err != nil {
			e.logger.Warn("Failed to leave topic", zap.String("key", key.String()), zap.Error(err))
		}
		a.Close()
		e.metrics.SharesActive.Set(float64(len(e.registry.Shares())))
	}

	if err := e.store.RemoveShareTimestamp(key); err != nil {
		return err
	}
	existed, err := e.store.Delete(key)
	if err != nil {
		return err
	}

	e.metrics.Cancels.Inc()
	e.logger.Info("Cancelled", zap.String("key", key.String()), zap.Bool("stored", existed))
	return nil
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return types.ErrClosed
	}
	if !e.started {
		return errors.New("engine not started")
	}
	return nil
}

// Close cancels pending downloads, shuts the upload swarm down and releases
// shared archives. The store stays open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	for _, p := range e.registry.PendingSets() {
		p.Cancel(types.ErrClosed)
	}
	e.cancel()
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	e.upload.shutdown(ctx)

	for _, a := range e.registry.DrainShares() {
		a.Close()
	}
	e.logger.Info("Engine closed")
	return nil
}

// complete reports whether every feed of a is stored locally.
func complete(a *archive.Archive) bool {
	if !a.Metadata().IsDownloaded() {
		return false
	}
	content := a.Content()
	return content == nil || content.IsDownloaded()
}
