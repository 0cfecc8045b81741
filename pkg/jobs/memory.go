package jobs

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"hyperg/pkg/metrics"

	"go.uber.org/zap"
)

// DefaultMemoryInterval is how often freed memory is returned to the OS.
const DefaultMemoryInterval = 30 * time.Minute

// MemoryJob periodically forces a collection and logs heap statistics.
type MemoryJob struct {
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewMemoryJob creates a memory job. A zero interval disables it.
func NewMemoryJob(interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *MemoryJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &MemoryJob{
		interval: interval,
		logger:   logger.With(zap.String("job", "memory")),
		metrics:  m,
	}
}

// Enabled reports whether Run does anything.
func (j *MemoryJob) Enabled() bool {
	return j.interval > 0
}

// Run collects every interval until ctx is done.
func (j *MemoryJob) Run(ctx context.Context) {
	if !j.Enabled() {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Debug("Memory job started", zap.Duration("interval", j.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Once()
		}
	}
}

// Once frees unused memory and records the resulting heap size.
func (j *MemoryJob) Once() runtime.MemStats {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)

	j.metrics.MemoryFreed.Inc()
	j.metrics.HeapAllocated.Set(float64(after.HeapAlloc))
	j.logger.Debug("Post-collection heap statistics",
		zap.Uint64("heap_alloc", after.HeapAlloc),
		zap.Uint64("heap_sys", after.HeapSys),
		zap.Uint64("heap_released", after.HeapReleased),
		zap.Uint64("heap_objects", after.HeapObjects),
		zap.Int64("heap_alloc_delta", int64(after.HeapAlloc)-int64(before.HeapAlloc)),
		zap.Uint32("num_gc", after.NumGC))
	return after
}
