// Package archive pairs metadata and content feeds into content-addressed
// archives and moves files in and out of them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"hyperg/pkg/feed"
	"hyperg/pkg/types"

	"go.uber.org/zap"
)

// ErrNoContent is returned by content operations before the content feed is
// known.
var ErrNoContent = errors.New("archive has no content feed")

// Archive is a handle to a metadata feed and its linked content feed. Close
// releases both feed references.
type Archive struct {
	store  *Store
	key    types.ContentKey
	logger *zap.Logger

	metadata        *feed.Feed
	releaseMetadata func()

	mu             sync.Mutex
	content        *feed.Feed
	releaseContent func()
	closed         bool
}

// Key returns the archive's content key.
func (a *Archive) Key() types.ContentKey {
	return a.key
}

// DiscoveryKey returns the rendezvous topic of the archive.
func (a *Archive) DiscoveryKey() types.DiscoveryKey {
	return a.metadata.DiscoveryKey()
}

// Metadata returns the metadata feed.
func (a *Archive) Metadata() *feed.Feed {
	return a.metadata
}

// Content returns the content feed, or nil until it has been resolved.
func (a *Archive) Content() *feed.Feed {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.content
}

// Owned reports whether this node authored the archive.
func (a *Archive) Owned() bool {
	return a.metadata.Writable()
}

// ByteLength returns the declared size of the content feed, or zero when it
// is not known yet.
func (a *Archive) ByteLength() uint64 {
	if content := a.Content(); content != nil {
		return content.ByteLength()
	}
	return 0
}

// Finalize signs the content feed, then the metadata feed.
func (a *Archive) Finalize() error {
	content := a.Content()
	if content == nil {
		return ErrNoContent
	}
	if err := content.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize content feed: %w", err)
	}
	if err := a.metadata.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize metadata feed: %w", err)
	}
	return nil
}

// ResolveContent decodes the content feed key from the metadata index and
// opens the content feed. The first metadata block is tried, then the last.
// It reports false when neither block links a valid content feed.
func (a *Archive) ResolveContent() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return false, types.ErrClosed
	}
	if a.content != nil {
		return true, nil
	}

	key := a.linkedContentKey()
	if key == nil {
		return false, nil
	}
	f, release, err := a.store.openFeed(key)
	if err != nil {
		return false, fmt.Errorf("failed to open content feed: %w", err)
	}
	a.content = f
	a.releaseContent = release
	return true, nil
}

func (a *Archive) linkedContentKey() []byte {
	length := a.metadata.Length()
	if length == 0 {
		return nil
	}
	candidates := []uint64{0}
	if length > 1 {
		candidates = append(candidates, length-1)
	}
	for _, index := range candidates {
		if !a.metadata.Has(index) {
			continue
		}
		block, err := a.metadata.Get(context.Background(), index)
		if err != nil {
			continue
		}
		key, err := decodeIndex(block)
		if err != nil {
			a.logger.Debug("Metadata block does not link a content feed",
				zap.String("key", a.key.String()),
				zap.Uint64("index", index),
				zap.Error(err))
			continue
		}
		return key
	}
	return nil
}

// AddFile appends the bytes of r as a file entry named name. size is a hint
// used to pick the block size.
func (a *Archive) AddFile(ctx context.Context, name string, r io.Reader, size int64) (Entry, error) {
	content := a.Content()
	if content == nil {
		return Entry{}, ErrNoContent
	}

	entry := Entry{
		Name:   filepath.ToSlash(name),
		Type:   EntryFile,
		Offset: content.Length(),
	}
	buffer := make([]byte, BlockSizeFor(size))
	for {
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}
		n, err := io.ReadFull(r, buffer)
		if n > 0 {
			block := make([]byte, n)
			copy(block, buffer[:n])
			if _, err := content.Append(block); err != nil {
				return Entry{}, fmt.Errorf("failed to append content block: %w", err)
			}
			entry.Blocks++
			entry.Size += uint64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return Entry{}, fmt.Errorf("failed to read data: %w", err)
		}
	}

	if err := a.appendEntry(entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// AddDirectory records an empty directory entry.
func (a *Archive) AddDirectory(name string) error {
	return a.appendEntry(Entry{Name: filepath.ToSlash(name), Type: EntryDirectory})
}

func (a *Archive) appendEntry(e Entry) error {
	block, err := encodeEntry(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	if _, err := a.metadata.Append(block); err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

// List returns the archive's entries. Blocks that do not decode as entries
// are skipped.
func (a *Archive) List(ctx context.Context) ([]Entry, error) {
	length := a.metadata.Length()
	var entries []Entry
	for i := uint64(1); i < length; i++ {
		block, err := a.metadata.Get(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata block %d: %w", i, err)
		}
		e, err := decodeEntry(block)
		if err != nil {
			a.logger.Debug("Skipping metadata block",
				zap.String("key", a.key.String()),
				zap.Uint64("index", i),
				zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// IsEntryDownloaded reports whether every content block of e is local.
func (a *Archive) IsEntryDownloaded(e Entry) bool {
	content := a.Content()
	if content == nil {
		return e.Blocks == 0
	}
	return content.HasRange(e.Offset, e.Blocks)
}

// ReadEntry streams the bytes of e to w, waiting for blocks that are still
// being replicated.
func (a *Archive) ReadEntry(ctx context.Context, e Entry, w io.Writer) error {
	content := a.Content()
	if content == nil {
		if e.Blocks == 0 {
			return nil
		}
		return ErrNoContent
	}

	var written uint64
	for i := uint64(0); i < e.Blocks; i++ {
		block, err := content.Get(ctx, e.Offset+i)
		if err != nil {
			return fmt.Errorf("failed to read block %d of %s: %w", e.Offset+i, e.Name, err)
		}
		if _, err := w.Write(block); err != nil {
			return fmt.Errorf("failed to write %s: %w", e.Name, err)
		}
		written += uint64(len(block))
	}
	if written != e.Size {
		return fmt.Errorf("entry %s: read %d bytes, expected %d", e.Name, written, e.Size)
	}
	return nil
}

// Close releases the archive's feed references. Stored data is kept.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	releaseContent := a.releaseContent
	a.mu.Unlock()

	if releaseContent != nil {
		releaseContent()
	}
	a.releaseMetadata()
	return nil
}
