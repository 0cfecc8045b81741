package feed

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hyperg/pkg/codec"
	"hyperg/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeStream is an in-memory Stream that round-trips every message through
// the CBOR codec like the real transport does.
type pipeStream struct {
	in   <-chan []byte
	out  chan<- []byte
	done <-chan struct{}
}

func (s *pipeStream) SendMsg(m any) error {
	data, err := codec.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case s.out <- data:
		return nil
	case <-s.done:
		return io.EOF
	}
}

func (s *pipeStream) RecvMsg(m any) error {
	select {
	case data := <-s.in:
		return codec.Unmarshal(data, m)
	case <-s.done:
		return io.EOF
	}
}

func newPipe() (*pipeStream, *pipeStream, func()) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	done := make(chan struct{})
	var once sync.Once
	return &pipeStream{in: ba, out: ab, done: done},
		&pipeStream{in: ab, out: ba, done: done},
		func() { once.Do(func() { close(done) }) }
}

func TestProtocolReplicatesFeed(t *testing.T) {
	upStorage := openStorage(t)
	var blocks [][]byte
	for i := 0; i < 200; i++ {
		block := make([]byte, 1024)
		_, err := rand.Read(block)
		require.NoError(t, err)
		blocks = append(blocks, block)
	}
	source := newWritable(t, upStorage, blocks...)
	require.NoError(t, source.Finalize())

	downStorage := openStorage(t)
	rec, err := downStorage.Ensure(source.Key())
	require.NoError(t, err)
	target, err := Open(downStorage, rec)
	require.NoError(t, err)

	a, b, stop := newPipe()
	defer stop()

	var released atomic.Int32
	server := NewProtocol(a, ProtocolOptions{
		Resolver: func(dk types.DiscoveryKey) (*Feed, func(), error) {
			if dk != source.DiscoveryKey() {
				return nil, nil, types.ErrNotFound
			}
			return source, func() { released.Add(1) }, nil
		},
	})
	var received atomic.Int64
	client := NewProtocol(b, ProtocolOptions{
		OnData: func(n int) { received.Add(int64(n)) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	require.NoError(t, client.Fetch(target, nil))

	select {
	case <-target.Downloaded():
	case <-time.After(5 * time.Second):
		t.Fatal("feed was not replicated")
	}

	for i, want := range blocks {
		got, err := target.Get(context.Background(), uint64(i))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got), "block %d differs", i)
	}
	assert.Equal(t, int64(200*1024), received.Load())

	stop()
	assert.Eventually(t, func() bool { return released.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestProtocolRefusesUnknownFeed(t *testing.T) {
	storage := openStorage(t)
	source := newWritable(t, storage, []byte("x"))
	require.NoError(t, source.Finalize())

	other := openStorage(t)
	rec, err := other.Ensure(source.Key())
	require.NoError(t, err)
	target, err := Open(other, rec)
	require.NoError(t, err)

	a, b, stop := newPipe()
	defer stop()

	server := NewProtocol(a, ProtocolOptions{
		Resolver: func(types.DiscoveryKey) (*Feed, func(), error) {
			return nil, nil, types.ErrNotFound
		},
	})
	client := NewProtocol(b, ProtocolOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)

	errs := make(chan error, 1)
	go func() { errs <- client.Run(ctx) }()
	require.NoError(t, client.Fetch(target, nil))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrRemote)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe the refusal")
	}
	assert.False(t, target.IsDownloaded())
}
