package archive

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"hyperg/pkg/feed"
	"hyperg/pkg/types"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// SchemaVersion tags the on-disk layout. A store written with another
// version refuses to open.
const SchemaVersion = "hyperg/1"

const (
	versionKey  = "meta/version"
	rootKey     = "meta/root"
	sharePrefix = "shares/"

	lockStripes = 64
)

// ErrSchemaMismatch is returned when the data directory holds an
// incompatible layout.
var ErrSchemaMismatch = errors.New("incompatible store version")

// Options configure a Store.
type Options struct {
	// Dir is the badger data directory. Empty keeps everything in memory.
	Dir    string
	Logger *zap.Logger
}

// FeedInfo describes a stored feed.
type FeedInfo struct {
	DiscoveryKey types.DiscoveryKey
	Key          []byte
	Writable     bool
	Finalized    bool
	Length       uint64
	ByteLength   uint64
	Created      time.Time
}

// Share is one Share Record: a shared archive and when it was announced.
type Share struct {
	Key       types.ContentKey
	Timestamp time.Time
}

// MalformedShareError reports a Share Record that could not be decoded.
type MalformedShareError struct {
	Key   string
	Value string
	Err   error
}

func (e *MalformedShareError) Error() string {
	return fmt.Sprintf("malformed share record %q=%q: %v", e.Key, e.Value, e.Err)
}

func (e *MalformedShareError) Unwrap() error {
	return e.Err
}

// Store owns the persistent database. Every feed and Share Record is read
// and written through it.
type Store struct {
	db      *badger.DB
	feeds   *feed.Storage
	tracker *FeedTracker
	logger  *zap.Logger
	id      types.NodeID

	locks [lockStripes]sync.Mutex
}

// Open opens or initializes the store.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bopts := badger.DefaultOptions(opts.Dir).WithLogger(newBadgerLogger(logger))
	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	feeds := feed.NewStorage(db, logger.Named("feed"))
	s := &Store{
		db:      db,
		feeds:   feeds,
		tracker: NewFeedTracker(feeds),
		logger:  logger,
	}

	if err := s.checkVersion(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadRoot(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Opened archive store",
		zap.String("dir", opts.Dir),
		zap.String("id", s.id.String()))
	return s, nil
}

func (s *Store) checkVersion() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(versionKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set([]byte(versionKey), []byte(SchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read store version: %w", err)
		}
		version, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(version) != SchemaVersion {
			return fmt.Errorf("%w: found %q, want %q", ErrSchemaMismatch, version, SchemaVersion)
		}
		return nil
	})
}

// loadRoot reads the root feed key, generating the root feed on first use.
func (s *Store) loadRoot() error {
	var key []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(rootKey))
		if err != nil {
			return err
		}
		key, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		rec, err := s.feeds.Generate()
		if err != nil {
			return fmt.Errorf("failed to create root feed: %w", err)
		}
		key = rec.Key
		err = s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(rootKey), key)
		})
		if err != nil {
			return fmt.Errorf("failed to store root feed: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to read root feed: %w", err)
	}

	if len(key) != types.KeySize {
		return fmt.Errorf("%w: root feed key has %d bytes", ErrSchemaMismatch, len(key))
	}
	copy(s.id[:], key)
	return nil
}

// Close closes every open feed and the database.
func (s *Store) Close() error {
	s.tracker.CloseAll()
	return s.db.Close()
}

// ID returns the node identity derived from the root feed.
func (s *Store) ID() types.NodeID {
	return s.id
}

// Tracker exposes the open feed tracker.
func (s *Store) Tracker() *FeedTracker {
	return s.tracker
}

func (s *Store) lock(dk types.DiscoveryKey) *sync.Mutex {
	return &s.locks[int(dk[0])%lockStripes]
}

// Create allocates a new owned archive and writes files into it. The archive
// is returned unfinalized together with the entry names written; the caller
// finalizes it. On failure the partial archive is deleted.
func (s *Store) Create(ctx context.Context, files []types.File, onFile FileCallback) (*Archive, []string, error) {
	metaRec, err := s.feeds.Generate()
	if err != nil {
		return nil, nil, err
	}
	contentRec, err := s.feeds.Generate()
	if err != nil {
		s.feeds.Remove(metaRec.DiscoveryKey())
		return nil, nil, err
	}

	a, err := s.archiveFor(metaRec)
	if err != nil {
		s.feeds.Remove(metaRec.DiscoveryKey())
		s.feeds.Remove(contentRec.DiscoveryKey())
		return nil, nil, err
	}
	content, release, err := s.tracker.Acquire(contentRec)
	if err != nil {
		a.Close()
		s.Remove(metaRec.DiscoveryKey())
		s.feeds.Remove(contentRec.DiscoveryKey())
		return nil, nil, fmt.Errorf("failed to open content feed: %w", err)
	}
	a.content = content
	a.releaseContent = release

	index, err := encodeIndex(contentRec.Key)
	if err != nil {
		s.discard(a)
		return nil, nil, err
	}
	if _, err := a.metadata.Append(index); err != nil {
		s.discard(a)
		return nil, nil, fmt.Errorf("failed to write archive index: %w", err)
	}

	if err := Write(ctx, a, files, onFile); err != nil {
		s.discard(a)
		return nil, nil, err
	}

	names := make([]string, 0, len(files))
	for _, file := range files {
		names = append(names, entryName(file))
	}

	s.logger.Debug("Created archive",
		zap.String("key", a.key.String()),
		zap.Int("files", len(files)),
		zap.Uint64("bytes", content.ByteLength()))
	return a, names, nil
}

func (s *Store) discard(a *Archive) {
	key := a.Key()
	a.Close()
	if _, err := s.Delete(key); err != nil {
		s.logger.Warn("Failed to delete partial archive",
			zap.String("key", key.String()),
			zap.Error(err))
	}
}

// Stat reports whether a feed is stored under dk.
func (s *Store) Stat(dk types.DiscoveryKey) (FeedInfo, error) {
	rec, header, err := s.feeds.Stat(dk)
	if err != nil {
		return FeedInfo{}, err
	}
	info := FeedInfo{
		DiscoveryKey: dk,
		Key:          rec.Key,
		Writable:     rec.Writable(),
		Created:      time.UnixMilli(rec.Created),
	}
	if header != nil {
		info.Finalized = true
		info.Length = header.Length
		info.ByteLength = header.ByteLength
	}
	return info, nil
}

// Remove deletes everything stored for the feed under dk. Removing an absent
// feed succeeds.
func (s *Store) Remove(dk types.DiscoveryKey) error {
	mu := s.lock(dk)
	mu.Lock()
	defer mu.Unlock()
	return s.removeFeed(dk)
}

func (s *Store) removeFeed(dk types.DiscoveryKey) error {
	s.tracker.Evict(dk)
	if _, err := s.feeds.Remove(dk); err != nil {
		return fmt.Errorf("failed to remove feed %s: %w", dk, err)
	}
	return nil
}

// Delete removes an archive's metadata and content feeds. It reports whether
// the archive was stored; deleting an absent archive succeeds.
func (s *Store) Delete(key types.ContentKey) (bool, error) {
	dk := key.Discovery()
	mu := s.lock(dk)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.feeds.Record(dk)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var contentKey []byte
	if a, err := s.archiveFor(rec); err == nil {
		contentKey = a.linkedContentKey()
		a.Close()
	}

	if contentKey != nil {
		if err := s.removeFeed(types.DiscoveryKeyOf(contentKey)); err != nil {
			return true, err
		}
	}
	if err := s.removeFeed(dk); err != nil {
		return true, err
	}

	s.logger.Debug("Deleted archive", zap.String("key", key.String()))
	return true, nil
}

// Archive opens an archive that is already stored locally.
func (s *Store) Archive(key types.ContentKey) (*Archive, error) {
	dk := key.Discovery()
	mu := s.lock(dk)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.feeds.Record(dk)
	if err != nil {
		return nil, err
	}
	a, err := s.archiveFor(rec)
	if err != nil {
		return nil, err
	}
	if _, err := a.ResolveContent(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// OpenArchive opens an archive for replication, creating an empty foreign
// record if it is not stored yet.
func (s *Store) OpenArchive(key types.ContentKey) (*Archive, error) {
	dk := key.Discovery()
	mu := s.lock(dk)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.feeds.Ensure(key[:])
	if err != nil {
		return nil, err
	}
	a, err := s.archiveFor(rec)
	if err != nil {
		return nil, err
	}
	if _, err := a.ResolveContent(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (s *Store) archiveFor(rec feed.Record) (*Archive, error) {
	key, err := types.ContentKeyFromBytes(rec.Key)
	if err != nil {
		return nil, err
	}
	metadata, release, err := s.tracker.Acquire(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata feed: %w", err)
	}
	return &Archive{
		store:           s,
		key:             key,
		logger:          s.logger,
		metadata:        metadata,
		releaseMetadata: release,
	}, nil
}

// openFeed opens a feed by public key, creating a foreign record if needed.
func (s *Store) openFeed(key []byte) (*feed.Feed, func(), error) {
	rec, err := s.feeds.Ensure(key)
	if err != nil {
		return nil, nil, err
	}
	return s.tracker.Acquire(rec)
}

// Feed opens a stored feed by discovery key. It fails with ErrNotFound for
// feeds that were never stored.
func (s *Store) Feed(dk types.DiscoveryKey) (*feed.Feed, func(), error) {
	rec, err := s.feeds.Record(dk)
	if err != nil {
		return nil, nil, err
	}
	return s.tracker.Acquire(rec)
}

func shareKey(key types.ContentKey) []byte {
	return []byte(sharePrefix + key.String())
}

// AddShareTimestamp records key as shared now, replacing any earlier record.
func (s *Store) AddShareTimestamp(key types.ContentKey) error {
	return s.AddShareTimestampAt(key, time.Now())
}

// AddShareTimestampAt records key as shared at t.
func (s *Store) AddShareTimestampAt(key types.ContentKey, t time.Time) error {
	mu := s.lock(key.Discovery())
	mu.Lock()
	defer mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(shareKey(key), []byte(strconv.FormatInt(t.UnixMilli(), 10)))
	})
	if err != nil {
		return fmt.Errorf("failed to store share timestamp: %w", err)
	}
	return nil
}

// RemoveShareTimestamp deletes the Share Record of key. Removing an absent
// record succeeds.
func (s *Store) RemoveShareTimestamp(key types.ContentKey) error {
	mu := s.lock(key.Discovery())
	mu.Lock()
	defer mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(shareKey(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete share timestamp: %w", err)
	}
	return nil
}

// Shares calls fn for every Share Record. Records that fail to decode are
// passed with a *MalformedShareError. Returning an error from fn stops the
// iteration.
func (s *Store) Shares(fn func(Share, error) error) error {
	type raw struct{ key, value string }
	var records []raw

	prefix := []byte(sharePrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			records = append(records, raw{key: string(item.Key()), value: string(value)})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list shares: %w", err)
	}

	for _, r := range records {
		share, err := parseShare(r.key, r.value)
		if err := fn(share, err); err != nil {
			return err
		}
	}
	return nil
}

func parseShare(key, value string) (Share, error) {
	hexKey := strings.TrimPrefix(key, sharePrefix)
	contentKey, err := types.ParseContentKey(hexKey)
	if err != nil {
		return Share{}, &MalformedShareError{Key: hexKey, Value: value, Err: err}
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return Share{}, &MalformedShareError{Key: hexKey, Value: value, Err: err}
	}
	return Share{Key: contentKey, Timestamp: time.UnixMilli(millis)}, nil
}
