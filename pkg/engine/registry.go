package engine

import (
	"context"
	"sync"

	"hyperg/pkg/archive"
	"hyperg/pkg/feed"
	"hyperg/pkg/types"
)

// Registry owns the upload membership set and the Pending Request Sets.
// At most one download runs per content key; later wants join it.
type Registry struct {
	mu      sync.Mutex
	shares  map[types.ContentKey]*archive.Archive
	feeds   map[types.DiscoveryKey]*feed.Feed
	pending map[types.ContentKey]*PendingSet
	running map[types.ContentKey][]*PendingSet
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		shares:  make(map[types.ContentKey]*archive.Archive),
		feeds:   make(map[types.DiscoveryKey]*feed.Feed),
		pending: make(map[types.ContentKey]*PendingSet),
		running: make(map[types.ContentKey][]*PendingSet),
	}
}

// AddShare adds a to the upload set. It returns false when the key is
// already shared; the caller keeps ownership of a in that case.
func (r *Registry) AddShare(a *archive.Archive) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.shares[a.Key()]; exists {
		return false
	}
	r.shares[a.Key()] = a
	r.feeds[a.Metadata().DiscoveryKey()] = a.Metadata()
	if content := a.Content(); content != nil {
		r.feeds[content.DiscoveryKey()] = content
	}
	return true
}

// RemoveShare drops key from the upload set and hands back its archive.
func (r *Registry) RemoveShare(key types.ContentKey) (*archive.Archive, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.shares[key]
	if !exists {
		return nil, false
	}
	delete(r.shares, key)
	delete(r.feeds, a.Metadata().DiscoveryKey())
	if content := a.Content(); content != nil {
		delete(r.feeds, content.DiscoveryKey())
	}
	return a, true
}

// IsShared reports whether key is in the upload set.
func (r *Registry) IsShared(key types.ContentKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.shares[key]
	return exists
}

// IsTopic reports whether dk is the discovery key of a shared archive.
func (r *Registry) IsTopic(dk types.DiscoveryKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.shares {
		if key.Discovery() == dk {
			return true
		}
	}
	return false
}

// Feed returns a shared metadata or content feed by discovery key.
func (r *Registry) Feed(dk types.DiscoveryKey) (*feed.Feed, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, exists := r.feeds[dk]
	return f, exists
}

// Shares lists the shared keys.
func (r *Registry) Shares() []types.ContentKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]types.ContentKey, 0, len(r.shares))
	for key := range r.shares {
		keys = append(keys, key)
	}
	return keys
}

// DrainShares empties the upload set and returns its archives.
func (r *Registry) DrainShares() []*archive.Archive {
	r.mu.Lock()
	defer r.mu.Unlock()
	archives := make([]*archive.Archive, 0, len(r.shares))
	for _, a := range r.shares {
		archives = append(archives, a)
	}
	r.shares = make(map[types.ContentKey]*archive.Archive)
	r.feeds = make(map[types.DiscoveryKey]*feed.Feed)
	return archives
}

// Want registers a waiter for key extracting into dest. It returns the
// pending set and whether the caller created it and must start the
// download.
func (r *Registry) Want(key types.ContentKey, dest string) (*PendingSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, exists := r.pending[key]; exists {
		p.addWaiter(dest)
		return p, false
	}
	p := newPendingSet(key)
	p.addWaiter(dest)
	r.pending[key] = p
	r.running[key] = append(r.running[key], p)
	return p, true
}

// Running returns the sets of key whose download has not finished yet,
// including released ones that are still extracting.
func (r *Registry) Running(key types.ContentKey) []*PendingSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*PendingSet(nil), r.running[key]...)
}

// finish marks the download behind p as exited.
func (r *Registry) finish(key types.ContentKey, p *PendingSet) {
	r.mu.Lock()
	sets := r.running[key]
	for i, s := range sets {
		if s == p {
			sets = append(sets[:i], sets[i+1:]...)
			break
		}
	}
	if len(sets) == 0 {
		delete(r.running, key)
	} else {
		r.running[key] = sets
	}
	r.mu.Unlock()
	p.finishOnce.Do(func() { close(p.finished) })
}

// Pending returns the active pending set of key.
func (r *Registry) Pending(key types.ContentKey) (*PendingSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, exists := r.pending[key]
	return p, exists
}

// Release detaches p so that later wants start a fresh download. It returns
// false if p was already released.
func (r *Registry) Release(key types.ContentKey, p *PendingSet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[key] != p {
		return false
	}
	delete(r.pending, key)
	return true
}

// PendingSets returns every active pending set.
func (r *Registry) PendingSets() []*PendingSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	sets := make([]*PendingSet, 0, len(r.pending))
	for _, p := range r.pending {
		sets = append(sets, p)
	}
	return sets
}

// PendingSet is the group of callers waiting for one download. It resolves
// exactly once.
type PendingSet struct {
	key        types.ContentKey
	done       chan struct{}
	finished   chan struct{}
	finishOnce sync.Once

	mu      sync.Mutex
	dests   []string
	waiters int
	cancel  context.CancelCauseFunc
	cause   error
	results map[string]extraction
	err     error
}

type extraction struct {
	files []string
	err   error
}

func newPendingSet(key types.ContentKey) *PendingSet {
	return &PendingSet{
		key:      key,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// addWaiter is called with the registry lock held.
func (p *PendingSet) addWaiter(dest string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiters++
	for _, d := range p.dests {
		if d == dest {
			return
		}
	}
	p.dests = append(p.dests, dest)
}

// Waiters returns the number of callers waiting on the set.
func (p *PendingSet) Waiters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters
}

// destinations returns the distinct destinations requested so far.
func (p *PendingSet) destinations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.dests...)
}

// setCancel attaches the download's cancel function. A Cancel that arrived
// before the download started is applied immediately.
func (p *PendingSet) setCancel(cancel context.CancelCauseFunc) {
	p.mu.Lock()
	p.cancel = cancel
	cause := p.cause
	p.mu.Unlock()
	if cause != nil {
		cancel(cause)
	}
}

// Cancel aborts the download with cause.
func (p *PendingSet) Cancel(cause error) {
	p.mu.Lock()
	cancel := p.cancel
	if p.cause == nil {
		p.cause = cause
	}
	p.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

// Done is closed once the set has resolved.
func (p *PendingSet) Done() <-chan struct{} {
	return p.done
}

// Finished is closed once the download goroutine has exited and no longer
// touches the store.
func (p *PendingSet) Finished() <-chan struct{} {
	return p.finished
}

// resolve releases every waiter. Later calls are ignored.
func (p *PendingSet) resolve(results map[string]extraction, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return false
	default:
	}
	p.results = results
	p.err = err
	close(p.done)
	return true
}

// Result returns the outcome for dest once done is closed.
func (p *PendingSet) Result(dest string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	r, exists := p.results[dest]
	if !exists {
		return nil, types.ErrCancelled
	}
	return r.files, r.err
}
