package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hyperg/pkg/types"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFiles(t *testing.T, contents map[string]string) []types.File {
	t.Helper()
	dir := t.TempDir()
	var files []types.File
	for name, data := range contents {
		source := filepath.Join(dir, fmt.Sprintf("source-%d", len(files)))
		require.NoError(t, os.WriteFile(source, []byte(data), 0644))
		files = append(files, types.File{Source: source, Name: name})
	}
	return files
}

func createArchive(t *testing.T, s *Store, contents map[string]string) *Archive {
	t.Helper()
	a, _, err := s.Create(context.Background(), writeFiles(t, contents), nil)
	require.NoError(t, err)
	require.NoError(t, a.Finalize())
	t.Cleanup(func() { a.Close() })
	return a
}

func TestStoreIDIsStable(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	id := s.ID()
	assert.NotEqual(t, types.NodeID{}, id)
	require.NoError(t, s.Close())

	s, err = Open(Options{Dir: dir})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, id, s.ID())
}

func TestStoreRefusesOtherSchema(t *testing.T) {
	dir := t.TempDir()

	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(versionKey), []byte("hyperg/0"))
	}))
	require.NoError(t, db.Close())

	_, err = Open(Options{Dir: dir})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestCreateThenStat(t *testing.T) {
	s := openStore(t)
	a := createArchive(t, s, map[string]string{"hello.txt": "hello world"})

	assert.True(t, a.Owned())
	key, err := types.ContentKeyFromBytes(a.Metadata().Key())
	require.NoError(t, err)
	assert.Equal(t, key, a.Key(), "content key is the metadata feed public key")

	info, err := s.Stat(a.Key().Discovery())
	require.NoError(t, err)
	assert.True(t, info.Writable)
	assert.True(t, info.Finalized)
	assert.Equal(t, uint64(2), info.Length)

	contentInfo, err := s.Stat(a.Content().DiscoveryKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(len("hello world")), contentInfo.ByteLength)
}

func TestStatUnknown(t *testing.T) {
	s := openStore(t)
	_, err := s.Stat(types.DiscoveryKey{1})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCreateFailureRemovesPartialArchive(t *testing.T) {
	s := openStore(t)
	files := writeFiles(t, map[string]string{"ok.txt": "ok"})
	files = append(files, types.File{Source: filepath.Join(t.TempDir(), "missing"), Name: "missing"})

	_, _, err := s.Create(context.Background(), files, nil)
	require.Error(t, err)
	assert.Equal(t, 0, s.Tracker().Len())

	var feeds int
	require.NoError(t, s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("feeds/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			feeds++
		}
		return nil
	}))
	assert.Equal(t, 1, feeds, "only the root feed remains")
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := openStore(t)
	a := createArchive(t, s, map[string]string{"a": "a"})
	dk := a.Content().DiscoveryKey()

	require.NoError(t, s.Remove(dk))
	_, err := s.Stat(dk)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.NoError(t, s.Remove(dk))
}

func TestDeleteRemovesBothFeeds(t *testing.T) {
	s := openStore(t)
	a := createArchive(t, s, map[string]string{"a": "a"})
	key := a.Key()
	contentDK := a.Content().DiscoveryKey()
	require.NoError(t, a.Close())

	existed, err := s.Delete(key)
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = s.Stat(key.Discovery())
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.Stat(contentDK)
	assert.ErrorIs(t, err, types.ErrNotFound)

	existed, err = s.Delete(key)
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = s.Archive(key)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestArchiveReopensLocalArchive(t *testing.T) {
	s := openStore(t)
	a := createArchive(t, s, map[string]string{"a.txt": "abc"})

	reopened, err := s.Archive(a.Key())
	require.NoError(t, err)
	defer reopened.Close()

	require.NotNil(t, reopened.Content())
	entries, err := reopened.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.True(t, reopened.IsEntryDownloaded(entries[0]))
	assert.Equal(t, 2, s.Tracker().Refs(a.Key().Discovery()))
}

func TestShareTimestamps(t *testing.T) {
	s := openStore(t)
	first := types.ContentKey{1}
	second := types.ContentKey{2}

	old := time.UnixMilli(1_000_000)
	require.NoError(t, s.AddShareTimestampAt(first, old))
	require.NoError(t, s.AddShareTimestampAt(second, old))

	later := time.UnixMilli(2_000_000)
	require.NoError(t, s.AddShareTimestampAt(first, later))
	require.NoError(t, s.RemoveShareTimestamp(second))
	require.NoError(t, s.RemoveShareTimestamp(second))

	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sharePrefix+"zz"), []byte("yesterday"))
	}))

	var shares []Share
	var malformed []error
	require.NoError(t, s.Shares(func(share Share, err error) error {
		if err != nil {
			malformed = append(malformed, err)
			return nil
		}
		shares = append(shares, share)
		return nil
	}))

	require.Len(t, shares, 1)
	assert.Equal(t, first, shares[0].Key)
	assert.True(t, later.Equal(shares[0].Timestamp), "re-sharing resets the timestamp")

	require.Len(t, malformed, 1)
	var shareErr *MalformedShareError
	assert.ErrorAs(t, malformed[0], &shareErr)
	assert.Equal(t, "zz", shareErr.Key)
}

func TestFeedTrackerRefcounts(t *testing.T) {
	s := openStore(t)
	rec, err := s.feeds.Generate()
	require.NoError(t, err)
	dk := rec.DiscoveryKey()

	first, releaseFirst, err := s.tracker.Acquire(rec)
	require.NoError(t, err)
	second, releaseSecond, err := s.tracker.Acquire(rec)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 2, s.tracker.Refs(dk))

	releaseFirst()
	releaseFirst()
	assert.Equal(t, 1, s.tracker.Refs(dk))
	assert.False(t, first.Closed())

	releaseSecond()
	assert.Equal(t, 0, s.tracker.Refs(dk))
	assert.True(t, first.Closed())

	third, releaseThird, err := s.tracker.Acquire(rec)
	require.NoError(t, err)
	defer releaseThird()
	assert.NotSame(t, first, third)
}

func TestFeedTrackerEvict(t *testing.T) {
	s := openStore(t)
	rec, err := s.feeds.Generate()
	require.NoError(t, err)

	f, release, err := s.tracker.Acquire(rec)
	require.NoError(t, err)
	s.tracker.Evict(rec.DiscoveryKey())
	assert.True(t, f.Closed())
	assert.Equal(t, 0, s.tracker.Len())

	release()
	assert.Equal(t, 0, s.tracker.Len())
}
