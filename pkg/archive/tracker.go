package archive

import (
	"sync"

	"hyperg/pkg/feed"
	"hyperg/pkg/types"
)

// FeedTracker shares open feeds between concurrent users. A feed is opened
// on first Acquire and closed when its last reference is released.
type FeedTracker struct {
	storage *feed.Storage

	mu    sync.Mutex
	feeds map[types.DiscoveryKey]*trackedFeed
}

type trackedFeed struct {
	feed *feed.Feed
	refs int
}

// NewFeedTracker creates a tracker opening feeds from storage.
func NewFeedTracker(storage *feed.Storage) *FeedTracker {
	return &FeedTracker{
		storage: storage,
		feeds:   make(map[types.DiscoveryKey]*trackedFeed),
	}
}

// Acquire returns the open feed for rec, opening it if needed. The returned
// release function drops the reference; calling it more than once is safe.
func (t *FeedTracker) Acquire(rec feed.Record) (*feed.Feed, func(), error) {
	dk := rec.DiscoveryKey()

	t.mu.Lock()
	defer t.mu.Unlock()

	tf, exists := t.feeds[dk]
	if exists && tf.feed.Closed() {
		delete(t.feeds, dk)
		exists = false
	}
	if !exists {
		f, err := feed.Open(t.storage, rec)
		if err != nil {
			return nil, nil, err
		}
		tf = &trackedFeed{feed: f}
		t.feeds[dk] = tf
	}
	tf.refs++

	var once sync.Once
	release := func() {
		once.Do(func() { t.release(dk, tf) })
	}
	return tf.feed, release, nil
}

func (t *FeedTracker) release(dk types.DiscoveryKey, tf *trackedFeed) {
	t.mu.Lock()
	tf.refs--
	last := tf.refs <= 0
	if last && t.feeds[dk] == tf {
		delete(t.feeds, dk)
	}
	t.mu.Unlock()

	if last {
		tf.feed.Close()
	}
}

// Evict closes an open feed regardless of outstanding references. Holders
// observe ErrClosed; their later releases are no-ops.
func (t *FeedTracker) Evict(dk types.DiscoveryKey) {
	t.mu.Lock()
	tf, exists := t.feeds[dk]
	delete(t.feeds, dk)
	t.mu.Unlock()

	if exists {
		tf.feed.Close()
	}
}

// Refs returns the number of references held on an open feed.
func (t *FeedTracker) Refs(dk types.DiscoveryKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tf, exists := t.feeds[dk]; exists {
		return tf.refs
	}
	return 0
}

// Len returns the number of open feeds.
func (t *FeedTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.feeds)
}

// CloseAll closes every open feed.
func (t *FeedTracker) CloseAll() {
	t.mu.Lock()
	feeds := t.feeds
	t.feeds = make(map[types.DiscoveryKey]*trackedFeed)
	t.mu.Unlock()

	for _, tf := range feeds {
		tf.feed.Close()
	}
}
