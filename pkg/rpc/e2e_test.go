package rpc

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hyperg/pkg/archive"
	"hyperg/pkg/engine"
	"hyperg/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type daemon struct {
	engine *engine.Engine
	client *Client
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	store, err := archive.Open(archive.Options{})
	require.NoError(t, err)

	e, err := engine.New(engine.Options{
		Store:            store,
		Listen:           "127.0.0.1:0",
		DownloadListen:   "127.0.0.1:0",
		AnnounceInterval: 100 * time.Millisecond,
		LookupInterval:   50 * time.Millisecond,
		DialTimeout:      time.Second,
		TeardownGrace:    10 * time.Millisecond,
		Logger:           zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	srv := httptest.NewServer(NewServer(e, nil, nil))
	t.Cleanup(func() {
		srv.Close()
		e.Close()
		store.Close()
	})
	return &daemon{engine: e, client: NewClientURL(srv.URL + "/")}
}

func TestDaemonsShareThroughControlPlane(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	alice := startDaemon(t)
	bob := startDaemon(t)

	src := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(src, []byte("quarterly numbers"), 0644))

	hash, err := alice.client.Upload(ctx, map[string]string{src: "docs/report.txt"}, 0)
	require.NoError(t, err)
	require.Len(t, hash, 64)

	existing, err := alice.client.UploadExisting(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, hash, existing)

	addrs, err := alice.client.Addresses(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
	peer, err := types.ParsePeer(addrs[0])
	require.NoError(t, err)

	dest := t.TempDir()
	files, err := bob.client.Download(ctx, hash, dest, DownloadOptions{Peers: []types.Peer{peer}})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dest, "docs", "report.txt")}, files)

	data, err := os.ReadFile(filepath.Join(dest, "docs", "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(data))

	t.Run("Cancel", func(t *testing.T) {
		ok, err := alice.client.Cancel(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, hash, ok)

		_, err = alice.client.UploadExisting(ctx, hash)
		var rpcErr *Error
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, hash, rpcErr.NotFound)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("Identity", func(t *testing.T) {
		aliceID, err := alice.client.ID(ctx)
		require.NoError(t, err)
		bobID, err := bob.client.ID(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, aliceID, bobID)
		assert.Equal(t, alice.engine.ID(), aliceID)
	})
}
