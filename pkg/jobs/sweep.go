// Package jobs runs the daemon's periodic maintenance: expiring old shares
// and returning freed memory to the OS.
package jobs

import (
	"context"
	"time"

	"hyperg/pkg/archive"
	"hyperg/pkg/metrics"
	"hyperg/pkg/types"

	"go.uber.org/zap"
)

const (
	DefaultSweepInterval = time.Hour
	DefaultShareLifetime = 24 * time.Hour
)

// ShareSource streams Share Records.
type ShareSource interface {
	Shares(fn func(archive.Share, error) error) error
}

// Canceller stops sharing a content key and deletes its data.
type Canceller interface {
	Cancel(ctx context.Context, keyHex string) (string, error)
}

// SweepOptions configure a Sweep.
type SweepOptions struct {
	Interval time.Duration
	Lifetime time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Sweep cancels shares older than the configured lifetime.
type Sweep struct {
	shares    ShareSource
	canceller Canceller
	interval  time.Duration
	lifetime  time.Duration
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewSweep creates a sweep over shares.
func NewSweep(shares ShareSource, canceller Canceller, opts SweepOptions) *Sweep {
	if opts.Interval <= 0 {
		opts.Interval = DefaultSweepInterval
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultShareLifetime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	return &Sweep{
		shares:    shares,
		canceller: canceller,
		interval:  opts.Interval,
		lifetime:  opts.Lifetime,
		now:       opts.Now,
		logger:    opts.Logger.With(zap.String("job", "sweep")),
		metrics:   opts.Metrics,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweep) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("Sweep job started",
		zap.Duration("interval", s.interval),
		zap.Duration("lifetime", s.lifetime))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Once(ctx); err != nil {
				s.logger.Warn("Sweep failed", zap.Error(err))
			}
		}
	}
}

// Once runs a single sweep and returns the keys it cancelled. Expired
// shares are collected first, then cancelled one at a time.
func (s *Sweep) Once(ctx context.Context) ([]types.ContentKey, error) {
	s.metrics.SweepRuns.Inc()
	now := s.now()

	var expired []types.ContentKey
	err := s.shares.Shares(func(share archive.Share, err error) error {
		if err != nil {
			s.metrics.SweepSkipped.Inc()
			s.logger.Warn("Skipping malformed share record", zap.Error(err))
			return nil
		}
		if share.Timestamp.Add(s.lifetime).Before(now) {
			expired = append(expired, share.Key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var cancelled []types.ContentKey
	for _, key := range expired {
		if ctx.Err() != nil {
			return cancelled, ctx.Err()
		}
		if _, err := s.canceller.Cancel(ctx, key.String()); err != nil {
			s.logger.Warn("Failed to cancel expired share",
				zap.String("key", key.String()),
				zap.Error(err))
			continue
		}
		s.metrics.SweepExpired.Inc()
		cancelled = append(cancelled, key)
		s.logger.Info("Expired share cancelled", zap.String("key", key.String()))
	}

	s.metrics.LastSweep.SetToCurrentTime()
	return cancelled, nil
}
