// Package feed implements the append-only content log the daemon shares:
// signed, Merkle-verified block logs stored in badger, and the replication
// protocol that moves blocks between peers.
package feed

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"hyperg/pkg/types"
)

var (
	// ErrReadOnly is returned when appending to a feed without its secret key.
	ErrReadOnly = errors.New("feed is not writable")

	// ErrFinalized is returned when appending to a finalized feed.
	ErrFinalized = errors.New("feed is finalized")

	// ErrOutOfRange is returned for block indexes past the feed length.
	ErrOutOfRange = errors.New("block index out of range")

	// ErrVerification is returned when a header or block fails verification.
	ErrVerification = errors.New("verification failed")
)

// Feed is a handle to one append-only log. All methods are safe for
// concurrent use.
type Feed struct {
	storage   *Storage
	key       ed25519.PublicKey
	secret    ed25519.PrivateKey
	discovery types.DiscoveryKey
	prefix    string

	mu         sync.Mutex
	header     *Header
	leaves     []Hash
	have       bitfield
	present    uint64
	byteLength uint64
	changed    chan struct{}
	ready      chan struct{}
	downloaded chan struct{}
	done       bool
	closed     bool
}

// Open loads a feed from its record.
func Open(storage *Storage, rec Record) (*Feed, error) {
	st, err := storage.loadState(rec.Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load feed state: %w", err)
	}

	f := &Feed{
		storage:    storage,
		key:        ed25519.PublicKey(rec.Key),
		discovery:  rec.DiscoveryKey(),
		prefix:     rec.Prefix,
		header:     st.header,
		leaves:     st.leaves,
		have:       st.have,
		present:    st.have.count(),
		changed:    make(chan struct{}),
		ready:      make(chan struct{}),
		downloaded: make(chan struct{}),
	}
	if rec.Writable() {
		f.secret = ed25519.PrivateKey(rec.SecretKey)
	}
	if f.header != nil {
		f.byteLength = f.header.ByteLength
		close(f.ready)
	}
	f.checkDownloaded()
	return f, nil
}

// Key returns the feed's public key.
func (f *Feed) Key() ed25519.PublicKey {
	return f.key
}

// DiscoveryKey returns the feed's discovery key.
func (f *Feed) DiscoveryKey() types.DiscoveryKey {
	return f.discovery
}

// Writable reports whether blocks can be appended by this node.
func (f *Feed) Writable() bool {
	return f.secret != nil
}

// Length returns the number of blocks: the signed length once known,
// otherwise the number of blocks appended so far.
func (f *Feed) Length() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.header != nil {
		return f.header.Length
	}
	return uint64(len(f.leaves))
}

// ByteLength returns the total size of all blocks.
func (f *Feed) ByteLength() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byteLength
}

// Finalized reports whether the feed has a signed header.
func (f *Feed) Finalized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.header != nil
}

// Header returns the signed header and leaf hashes of a finalized feed.
func (f *Feed) Header() (Header, []Hash, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.header == nil {
		return Header{}, nil, false
	}
	leaves := make([]Hash, len(f.leaves))
	copy(leaves, f.leaves)
	return *f.header, leaves, true
}

// Has reports whether block index is stored locally.
func (f *Feed) Has(index uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.have.get(index)
}

// HasRange reports whether all blocks in [start, start+count) are local.
func (f *Feed) HasRange(start, count uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := start; i < start+count; i++ {
		if !f.have.get(i) {
			return false
		}
	}
	return true
}

// Missing lists block indexes that are known but not yet stored.
func (f *Feed) Missing() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.header == nil {
		return nil
	}
	var missing []uint64
	for i := uint64(0); i < f.header.Length; i++ {
		if !f.have.get(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// Ready returns a channel closed once the signed header is known, which
// fixes Length and ByteLength.
func (f *Feed) Ready() <-chan struct{} {
	return f.ready
}

// Downloaded returns a channel closed once every block of the feed is local.
func (f *Feed) Downloaded() <-chan struct{} {
	return f.downloaded
}

// IsDownloaded reports whether the feed is fully replicated.
func (f *Feed) IsDownloaded() bool {
	select {
	case <-f.downloaded:
		return true
	default:
		return false
	}
}

// Append writes a block to the end of a writable, unfinalized feed.
func (f *Feed) Append(data []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.closed:
		return 0, types.ErrClosed
	case f.secret == nil:
		return 0, ErrReadOnly
	case f.header != nil:
		return 0, ErrFinalized
	}

	index := uint64(len(f.leaves))
	leaf := HashBlock(data)
	have := append(bitfield(nil), f.have...)
	have.set(index)

	if err := f.storage.putBlock(f.prefix, index, data, leaf, have); err != nil {
		return 0, fmt.Errorf("failed to store block %d: %w", index, err)
	}

	f.leaves = append(f.leaves, leaf)
	f.have = have
	f.present++
	f.byteLength += uint64(len(data))
	f.notify()
	return index, nil
}

// Finalize signs the current contents. No further appends are accepted.
func (f *Feed) Finalize() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.closed:
		return types.ErrClosed
	case f.secret == nil:
		return ErrReadOnly
	case f.header != nil:
		return nil
	}

	root := MerkleRoot(f.leaves)
	length := uint64(len(f.leaves))
	header := Header{
		Length:     length,
		ByteLength: f.byteLength,
		Root:       root[:],
		Signature:  ed25519.Sign(f.secret, signingPayload(root, length, f.byteLength)),
	}
	if err := f.storage.putHeader(f.prefix, header, f.leaves); err != nil {
		return fmt.Errorf("failed to store feed header: %w", err)
	}

	f.header = &header
	close(f.ready)
	f.checkDownloaded()
	f.notify()
	return nil
}

// SetHeader installs a header received from a peer after verifying its
// signature and Merkle root.
func (f *Feed) SetHeader(header Header, leaves []Hash) error {
	if uint64(len(leaves)) != header.Length {
		return fmt.Errorf("%w: header declares %d blocks but carries %d hashes",
			ErrVerification, header.Length, len(leaves))
	}
	root := MerkleRoot(leaves)
	if !bytes.Equal(root[:], header.Root) {
		return fmt.Errorf("%w: merkle root mismatch", ErrVerification)
	}
	if !ed25519.Verify(f.key, signingPayload(root, header.Length, header.ByteLength), header.Signature) {
		return fmt.Errorf("%w: bad header signature", ErrVerification)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return types.ErrClosed
	}
	if f.header != nil {
		if bytes.Equal(f.header.Root, header.Root) {
			return nil
		}
		return fmt.Errorf("%w: conflicting header for feed %s", ErrVerification, f.discovery)
	}
	if err := f.storage.putHeader(f.prefix, header, leaves); err != nil {
		return fmt.Errorf("failed to store feed header: %w", err)
	}

	f.header = &header
	f.leaves = append([]Hash(nil), leaves...)
	f.byteLength = header.ByteLength
	close(f.ready)
	f.checkDownloaded()
	f.notify()
	return nil
}

// Put stores a block received from a peer after checking it against the
// leaf hash from the verified header. Storing a block twice is a no-op.
func (f *Feed) Put(index uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.closed:
		return types.ErrClosed
	case f.header == nil:
		return fmt.Errorf("%w: block %d received before header", ErrVerification, index)
	case index >= f.header.Length:
		return fmt.Errorf("%w: block %d of %d", ErrOutOfRange, index, f.header.Length)
	case f.have.get(index):
		return nil
	}

	leaf := HashBlock(data)
	if leaf != f.leaves[index] {
		return fmt.Errorf("%w: block %d hash mismatch", ErrVerification, index)
	}

	have := append(bitfield(nil), f.have...)
	have.set(index)
	if err := f.storage.putBlock(f.prefix, index, data, leaf, have); err != nil {
		return fmt.Errorf("failed to store block %d: %w", index, err)
	}

	f.have = have
	f.present++
	f.checkDownloaded()
	f.notify()
	return nil
}

// Get returns block index, waiting until it is available locally, the
// context ends or the feed is closed.
func (f *Feed) Get(ctx context.Context, index uint64) ([]byte, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return nil, types.ErrClosed
		}
		if f.header != nil && index >= f.header.Length {
			f.mu.Unlock()
			return nil, fmt.Errorf("%w: block %d of %d", ErrOutOfRange, index, f.header.Length)
		}
		if f.have.get(index) {
			f.mu.Unlock()
			return f.storage.block(f.prefix, index)
		}
		wait := f.changed
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Close releases the handle. Blocked readers return ErrClosed. Stored data
// is kept.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.notify()
	return nil
}

// Closed reports whether Close has been called.
func (f *Feed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// notify wakes every goroutine waiting in Get. Callers hold f.mu.
func (f *Feed) notify() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// checkDownloaded closes the downloaded channel once complete. Callers hold
// f.mu.
func (f *Feed) checkDownloaded() {
	if f.done || f.header == nil || f.present < f.header.Length {
		return
	}
	f.done = true
	close(f.downloaded)
}
