package feed

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"hyperg/pkg/types"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStorage(t *testing.T) *Storage {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStorage(db, nil)
}

func newWritable(t *testing.T, storage *Storage, blocks ...[]byte) *Feed {
	t.Helper()
	rec, err := storage.Generate()
	require.NoError(t, err)
	f, err := Open(storage, rec)
	require.NoError(t, err)
	for _, block := range blocks {
		_, err := f.Append(block)
		require.NoError(t, err)
	}
	return f
}

func TestAppendFinalizeGet(t *testing.T) {
	storage := openStorage(t)
	blocks := [][]byte{
		[]byte("hello"),
		bytes.Repeat([]byte("a"), 4096),
		{},
	}
	f := newWritable(t, storage, blocks...)

	assert.True(t, f.Writable())
	assert.False(t, f.Finalized())
	assert.False(t, f.IsDownloaded())
	require.NoError(t, f.Finalize())
	assert.True(t, f.IsDownloaded())
	assert.Equal(t, uint64(3), f.Length())
	assert.Equal(t, uint64(5+4096), f.ByteLength())

	ctx := context.Background()
	for i, want := range blocks {
		got, err := f.Get(ctx, uint64(i))
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got))
		assert.True(t, bytes.Equal(want, got))
	}

	_, err := f.Append([]byte("late"))
	assert.ErrorIs(t, err, ErrFinalized)

	_, err = f.Get(ctx, 3)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestReopenRestoresState(t *testing.T) {
	storage := openStorage(t)
	f := newWritable(t, storage, []byte("one"), []byte("two"))
	require.NoError(t, f.Finalize())

	rec, err := storage.Record(f.DiscoveryKey())
	require.NoError(t, err)

	reopened, err := Open(storage, rec)
	require.NoError(t, err)
	assert.True(t, reopened.Finalized())
	assert.True(t, reopened.IsDownloaded())
	assert.Equal(t, uint64(2), reopened.Length())

	got, err := reopened.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestGetWaitsForBlock(t *testing.T) {
	storage := openStorage(t)
	source := newWritable(t, storage, []byte("payload"))
	require.NoError(t, source.Finalize())
	header, leaves, ok := source.Header()
	require.True(t, ok)

	other := openStorage(t)
	rec, err := other.Ensure(source.Key())
	require.NoError(t, err)
	foreign, err := Open(other, rec)
	require.NoError(t, err)
	require.NoError(t, foreign.SetHeader(header, leaves))

	result := make(chan []byte, 1)
	go func() {
		data, err := foreign.Get(context.Background(), 0)
		if err == nil {
			result <- data
		}
	}()

	select {
	case <-result:
		t.Fatal("Get returned before the block was stored")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, foreign.Put(0, []byte("payload")))
	select {
	case data := <-result:
		assert.Equal(t, []byte("payload"), data)
	case <-time.After(time.Second):
		t.Fatal("Get did not return after Put")
	}
	assert.True(t, foreign.IsDownloaded())
}

func TestGetContextAndClose(t *testing.T) {
	storage := openStorage(t)
	f := newWritable(t, storage)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Get(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, f.Close())
	_, err = f.Get(context.Background(), 0)
	assert.ErrorIs(t, err, types.ErrClosed)
}

func TestVerification(t *testing.T) {
	storage := openStorage(t)
	source := newWritable(t, storage, []byte("a"), []byte("b"))
	require.NoError(t, source.Finalize())
	header, leaves, _ := source.Header()

	open := func(t *testing.T) *Feed {
		other := openStorage(t)
		rec, err := other.Ensure(source.Key())
		require.NoError(t, err)
		f, err := Open(other, rec)
		require.NoError(t, err)
		return f
	}

	t.Run("BadSignature", func(t *testing.T) {
		forged := header
		forged.Signature = append([]byte(nil), header.Signature...)
		forged.Signature[0] ^= 0xff
		assert.ErrorIs(t, open(t).SetHeader(forged, leaves), ErrVerification)
	})

	t.Run("RootMismatch", func(t *testing.T) {
		swapped := []Hash{leaves[1], leaves[0]}
		assert.ErrorIs(t, open(t).SetHeader(header, swapped), ErrVerification)
	})

	t.Run("WrongLeafCount", func(t *testing.T) {
		assert.ErrorIs(t, open(t).SetHeader(header, leaves[:1]), ErrVerification)
	})

	t.Run("TamperedBlock", func(t *testing.T) {
		f := open(t)
		require.NoError(t, f.SetHeader(header, leaves))
		assert.ErrorIs(t, f.Put(0, []byte("x")), ErrVerification)
		assert.NoError(t, f.Put(0, []byte("a")))
		assert.NoError(t, f.Put(0, []byte("a")), "storing a block twice is a no-op")
	})

	t.Run("ReadOnly", func(t *testing.T) {
		_, err := open(t).Append([]byte("x"))
		assert.ErrorIs(t, err, ErrReadOnly)
	})
}

func TestRemove(t *testing.T) {
	storage := openStorage(t)
	f := newWritable(t, storage, []byte("one"), []byte("two"))
	require.NoError(t, f.Finalize())
	dk := f.DiscoveryKey()

	existed, err := storage.Remove(dk)
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = storage.Record(dk)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	keys, err := storage.keysWithPrefix([]byte(prefixFor(dk)))
	require.NoError(t, err)
	assert.Empty(t, keys)

	existed, err = storage.Remove(dk)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestMerkleRoot(t *testing.T) {
	a, b, c := HashBlock([]byte("a")), HashBlock([]byte("b")), HashBlock([]byte("c"))

	assert.Equal(t, a, MerkleRoot([]Hash{a}))
	assert.NotEqual(t, MerkleRoot([]Hash{a, b}), MerkleRoot([]Hash{b, a}))
	assert.NotEqual(t, MerkleRoot([]Hash{a, b}), MerkleRoot([]Hash{a, b, c}))
	assert.Equal(t, HashBlock(nil), MerkleRoot(nil))
}

func TestStoredBlockCodec(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		[]byte("short"),
		bytes.Repeat([]byte("compressible "), 1000),
	} {
		decoded, err := decodeStored(encodeStored(data))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, decoded))
	}
}
