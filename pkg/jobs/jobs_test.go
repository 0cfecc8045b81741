package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hyperg/pkg/archive"
	"hyperg/pkg/metrics"
	"hyperg/pkg/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCanceller struct {
	mu        sync.Mutex
	cancelled []string
	active    int
	overlap   bool
	fail      map[string]bool
	store     *archive.Store
}

func (c *recordingCanceller) Cancel(ctx context.Context, keyHex string) (string, error) {
	c.mu.Lock()
	c.active++
	if c.active > 1 {
		c.overlap = true
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	time.Sleep(time.Millisecond)
	if c.fail[keyHex] {
		return "", errors.New("cancel failed")
	}
	if c.store != nil {
		key, err := types.ParseContentKey(keyHex)
		if err != nil {
			return "", err
		}
		if err := c.store.RemoveShareTimestamp(key); err != nil {
			return "", err
		}
	}

	c.mu.Lock()
	c.cancelled = append(c.cancelled, keyHex)
	c.mu.Unlock()
	return keyHex, nil
}

func key(b byte) types.ContentKey {
	var k types.ContentKey
	k[0] = b
	return k
}

func openStore(t *testing.T) *archive.Store {
	t.Helper()
	s, err := archive.Open(archive.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSweepCancelsExpiredShares(t *testing.T) {
	store := openStore(t)
	now := time.UnixMilli(1_700_000_000_000)
	lifetime := time.Hour

	expired := key(1)
	fresh := key(2)
	boundary := key(3)
	require.NoError(t, store.AddShareTimestampAt(expired, now.Add(-lifetime-time.Millisecond)))
	require.NoError(t, store.AddShareTimestampAt(fresh, now.Add(-lifetime+time.Millisecond)))
	require.NoError(t, store.AddShareTimestampAt(boundary, now.Add(-lifetime)))

	canceller := &recordingCanceller{store: store}
	m := metrics.New(nil)
	sweep := NewSweep(store, canceller, SweepOptions{
		Lifetime: lifetime,
		Now:      func() time.Time { return now },
		Metrics:  m,
	})

	cancelled, err := sweep.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.ContentKey{expired}, cancelled)
	assert.Equal(t, []string{expired.String()}, canceller.cancelled)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SweepExpired))

	var remaining []types.ContentKey
	require.NoError(t, store.Shares(func(s archive.Share, err error) error {
		require.NoError(t, err)
		remaining = append(remaining, s.Key)
		return nil
	}))
	assert.ElementsMatch(t, []types.ContentKey{fresh, boundary}, remaining)

	// Nothing left to expire on a second pass.
	cancelled, err = sweep.Once(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cancelled)
}

func TestSweepCancelsSequentially(t *testing.T) {
	store := openStore(t)
	now := time.Now()
	for i := byte(1); i <= 8; i++ {
		require.NoError(t, store.AddShareTimestampAt(key(i), now.Add(-48*time.Hour)))
	}

	canceller := &recordingCanceller{store: store}
	sweep := NewSweep(store, canceller, SweepOptions{Now: func() time.Time { return now }})

	cancelled, err := sweep.Once(context.Background())
	require.NoError(t, err)
	assert.Len(t, cancelled, 8)
	assert.False(t, canceller.overlap)
}

type fakeShares struct {
	shares []archive.Share
	errs   []error
}

func (f fakeShares) Shares(fn func(archive.Share, error) error) error {
	for i, s := range f.shares {
		if err := fn(s, f.errs[i]); err != nil {
			return err
		}
	}
	return nil
}

func TestSweepSkipsMalformedRecords(t *testing.T) {
	now := time.Now()
	old := now.Add(-48 * time.Hour)
	source := fakeShares{
		shares: []archive.Share{{}, {Key: key(1), Timestamp: old}, {Key: key(2), Timestamp: old}},
		errs:   []error{&archive.MalformedShareError{Key: "zz", Value: "nope", Err: errors.New("bad key")}, nil, nil},
	}

	canceller := &recordingCanceller{fail: map[string]bool{key(1).String(): true}}
	m := metrics.New(nil)
	sweep := NewSweep(source, canceller, SweepOptions{Now: func() time.Time { return now }, Metrics: m})

	cancelled, err := sweep.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.ContentKey{key(2)}, cancelled)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SweepSkipped))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SweepRuns))
}

func TestSweepRunStopsWithContext(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.AddShareTimestampAt(key(1), time.Now().Add(-48*time.Hour)))

	canceller := &recordingCanceller{store: store}
	sweep := NewSweep(store, canceller, SweepOptions{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweep.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		canceller.mu.Lock()
		defer canceller.mu.Unlock()
		return len(canceller.cancelled) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not stop")
	}
}

func TestMemoryJob(t *testing.T) {
	m := metrics.New(nil)
	job := NewMemoryJob(0, nil, m)
	assert.False(t, job.Enabled())
	job.Run(context.Background())

	stats := job.Once()
	assert.Greater(t, stats.HeapSys, uint64(0))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MemoryFreed))
	assert.Equal(t, float64(stats.HeapAlloc), testutil.ToFloat64(m.HeapAllocated))
}
