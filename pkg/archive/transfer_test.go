package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"hyperg/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReportsRemaining(t *testing.T) {
	s := openStore(t)
	dir := t.TempDir()
	var files []types.File
	for _, name := range []string{"one", "two", "three"} {
		source := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(source, []byte(name), 0644))
		files = append(files, types.File{Source: source, Name: name})
	}

	var remaining []int
	var sources []string
	a, names, err := s.Create(context.Background(), files, func(source string, err error, left int) {
		assert.NoError(t, err)
		sources = append(sources, source)
		remaining = append(remaining, left)
	})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []int{2, 1, 0}, remaining)
	assert.Equal(t, []string{files[0].Source, files[1].Source, files[2].Source}, sources)
	assert.Equal(t, []string{"one", "two", "three"}, names)
}

func TestWriteAbortsOnError(t *testing.T) {
	s := openStore(t)
	good := writeFiles(t, map[string]string{"good": "data"})
	files := []types.File{
		{Source: filepath.Join(t.TempDir(), "missing"), Name: "missing"},
		good[0],
	}

	var calls int
	var callbackErr error
	_, _, err := s.Create(context.Background(), files, func(_ string, err error, _ int) {
		calls++
		callbackErr = err
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "files after the failure are not attempted")
	assert.Error(t, callbackErr)
}

func TestWriteRejectsDirectories(t *testing.T) {
	s := openStore(t)
	_, _, err := s.Create(context.Background(), []types.File{{Source: t.TempDir(), Name: "dir"}}, nil)
	assert.Error(t, err)
}

func TestExtractRoundTrip(t *testing.T) {
	s := openStore(t)

	large := make([]byte, 3*SmallBlockSize+123)
	_, err := rand.Read(large)
	require.NoError(t, err)

	dir := t.TempDir()
	contents := map[string][]byte{
		"readme.txt":       []byte("hello"),
		"nested/deep/x.md": []byte("# x"),
		"empty":            nil,
		"large.bin":        large,
	}
	var files []types.File
	for name, data := range contents {
		source := filepath.Join(dir, filepath.Base(name))
		require.NoError(t, os.WriteFile(source, data, 0644))
		files = append(files, types.File{Source: source, Name: name})
	}

	a, _, err := s.Create(context.Background(), files, nil)
	require.NoError(t, err)
	require.NoError(t, a.AddDirectory("only-a-dir"))
	require.NoError(t, a.Finalize())
	defer a.Close()

	dest := t.TempDir()
	paths, err := Extract(context.Background(), a, dest)
	require.NoError(t, err)
	require.Len(t, paths, len(contents))

	for name, data := range contents {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		require.NoError(t, err, name)
		assert.True(t, bytes.Equal(data, got), "%s differs", name)
	}
	_, err = os.Stat(filepath.Join(dest, "only-a-dir"))
	assert.True(t, os.IsNotExist(err), "directory entries are not materialized")
}

func TestExtractSanitizesNames(t *testing.T) {
	s := openStore(t)
	a := createArchive(t, s, map[string]string{
		"../../escape.txt":    "escape",
		`..\..\windows.txt`:   "windows",
		"..":                  "skipped",
		"sub/../../climb.txt": "climb",
	})

	dest := t.TempDir()
	paths, err := Extract(context.Background(), a, dest)
	require.NoError(t, err)

	sort.Strings(paths)
	assert.Equal(t, []string{
		filepath.Join(dest, "climb.txt"),
		filepath.Join(dest, "escape.txt"),
		filepath.Join(dest, "windows.txt"),
	}, paths)
	for _, path := range paths {
		rel, err := filepath.Rel(dest, path)
		require.NoError(t, err)
		assert.NotContains(t, rel, "..")
	}
}

func TestExtractReplacesExistingFile(t *testing.T) {
	s := openStore(t)
	a := createArchive(t, s, map[string]string{"data.txt": "fresh contents"})

	dest := t.TempDir()
	target := filepath.Join(dest, "data.txt")
	require.NoError(t, os.WriteFile(target, []byte("stale contents that are longer"), 0644))

	_, err := Extract(context.Background(), a, dest)
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "fresh contents", string(got))
}

func TestBlockSizeFor(t *testing.T) {
	tests := []struct {
		name     string
		fileSize int64
		expected int
	}{
		{"Small file (<1MB)", 512 * 1024, SmallBlockSize},
		{"Medium file (1-100MB)", 50 * 1024 * 1024, DefaultBlockSize},
		{"Large file (>100MB)", 200 * 1024 * 1024, LargeBlockSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BlockSizeFor(tt.fileSize))
		})
	}
}

func TestExtractStopsWhenContextEnds(t *testing.T) {
	s := openStore(t)
	a := createArchive(t, s, map[string]string{"one.txt": "1", "two.txt": "2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := t.TempDir()
	paths, err := Extract(ctx, a, dest)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, paths)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
