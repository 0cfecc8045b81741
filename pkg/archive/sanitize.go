package archive

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrUnsafePath is returned for entry names that cannot be mapped inside the
// destination directory.
var ErrUnsafePath = errors.New("unsafe entry path")

// parentEscapes matches leading runs of ../ or ..\ after cleaning.
var parentEscapes = regexp.MustCompile(`^(\.\.[/\\])+`)

// SafePath maps an archive entry name onto a path inside dest. Names use
// either slash or backslash separators, so archives built on any platform
// extract the same way. Leading parent references are stripped rather than
// rejected; the result always stays inside dest.
func SafePath(dest, name string) (string, error) {
	if strings.IndexByte(name, 0) >= 0 {
		return "", fmt.Errorf("%w: %q contains a NUL byte", ErrUnsafePath, name)
	}
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: empty name", ErrUnsafePath)
	}

	rel := filepath.Clean(filepath.Join(parts...))
	rel = parentEscapes.ReplaceAllString(rel, "")
	if rel == "" || rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	root := filepath.Clean(dest)
	full := filepath.Join(root, rel)
	check, err := filepath.Rel(root, full)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if check == "." || check == ".." || strings.HasPrefix(check, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes destination", ErrUnsafePath, name)
	}
	return full, nil
}
