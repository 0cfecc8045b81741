package archive

import (
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafePath(t *testing.T) {
	dest := filepath.Join(string(filepath.Separator), "srv", "dest")

	tests := []struct {
		name     string
		entry    string
		expected string
	}{
		{"Plain", "file.txt", "file.txt"},
		{"Nested", "a/b/c.txt", filepath.Join("a", "b", "c.txt")},
		{"Backslashes", `a\b\c.txt`, filepath.Join("a", "b", "c.txt")},
		{"LeadingParents", "../../etc/passwd", filepath.Join("etc", "passwd")},
		{"LeadingBackslashParents", `..\..\evil.sh`, "evil.sh"},
		{"MixedSeparators", `../a\..\..\b`, "b"},
		{"InnerParent", "a/../b.txt", "b.txt"},
		{"InnerEscape", "a/../../b.txt", "b.txt"},
		{"Absolute", "/abs/path", filepath.Join("abs", "path")},
		{"DotSegments", "./a/./b", filepath.Join("a", "b")},
		{"DoubleSlashes", "a//b", filepath.Join("a", "b")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafePath(dest, tt.entry)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dest, tt.expected), got)
		})
	}
}

func TestSafePathRejects(t *testing.T) {
	for _, name := range []string{"", "/", `\`, ".", "..", "../..", "a/..", "./", "a\x00b"} {
		t.Run(name, func(t *testing.T) {
			_, err := SafePath(t.TempDir(), name)
			assert.ErrorIs(t, err, ErrUnsafePath)
		})
	}
}

func TestSafePathNeverEscapes(t *testing.T) {
	dest := t.TempDir()
	segments := []string{"..", ".", "a", "b", "..", "c.txt", ""}
	separators := []string{"/", `\`}
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 2000; i++ {
		var b strings.Builder
		for j := 0; j < 1+rng.Intn(8); j++ {
			if j > 0 {
				b.WriteString(separators[rng.Intn(len(separators))])
			}
			b.WriteString(segments[rng.Intn(len(segments))])
		}
		name := b.String()

		path, err := SafePath(dest, name)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(dest, path)
		require.NoError(t, err)
		assert.False(t, strings.HasPrefix(rel, ".."), "name %q mapped to %q", name, path)
		assert.NotEqual(t, ".", rel, "name %q mapped to dest itself", name)
	}
}
