package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"hyperg/pkg/types"

	"go.uber.org/zap"
)

// FileCallback is invoked once per written file with the number of files
// still to go. remaining reaches zero when the last file completes.
type FileCallback func(source string, err error, remaining int)

// Write streams each source file into a under its entry name. Files are
// written one at a time in the given order; the first failure aborts the
// remaining files and is returned.
func Write(ctx context.Context, a *Archive, files []types.File, onFile FileCallback) error {
	remaining := len(files)
	for _, file := range files {
		err := writeFile(ctx, a, file)
		remaining--
		if onFile != nil {
			onFile(file.Source, err, remaining)
		}
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Source, err)
		}
	}
	return nil
}

func writeFile(ctx context.Context, a *Archive, file types.File) error {
	name := entryName(file)

	f, err := os.Open(file.Source)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", file.Source)
	}

	entry, err := a.AddFile(ctx, name, f, info.Size())
	if err != nil {
		return err
	}
	a.logger.Debug("Added file to archive",
		zap.String("key", a.key.String()),
		zap.String("source", file.Source),
		zap.String("name", entry.Name),
		zap.Uint64("size", entry.Size),
		zap.Uint64("blocks", entry.Blocks))
	return nil
}

// entryName defaults to the source file's base name.
func entryName(file types.File) string {
	if file.Name != "" {
		return file.Name
	}
	return filepath.Base(file.Source)
}

type extractTarget struct {
	entry Entry
	path  string
}

// Extract materializes every file entry of a under dest and returns the
// written paths. Entries whose names cannot be mapped inside dest are
// logged and skipped. The first read or write failure aborts the extraction.
func Extract(ctx context.Context, a *Archive, dest string) ([]string, error) {
	entries, err := a.List(ctx)
	if err != nil {
		return nil, err
	}

	var targets []extractTarget
	for _, e := range entries {
		if e.Name == "" || !e.IsFile() {
			continue
		}
		path, err := SafePath(dest, e.Name)
		if err != nil {
			a.logger.Warn("Skipping archive entry",
				zap.String("key", a.key.String()),
				zap.String("name", e.Name),
				zap.Error(err))
			continue
		}
		targets = append(targets, extractTarget{entry: e, path: path})
	}

	paths := make([]string, 0, len(targets))
	for _, target := range targets {
		if err := context.Cause(ctx); err != nil {
			return nil, err
		}
		if err := extractEntry(ctx, a, target); err != nil {
			return nil, err
		}
		paths = append(paths, target.path)
	}
	return paths, nil
}

func extractEntry(ctx context.Context, a *Archive, target extractTarget) error {
	if _, err := os.Stat(target.path); err == nil && a.IsEntryDownloaded(target.entry) {
		// An existing file may be partial or stale; rewrite it from the log.
		if err := os.Remove(target.path); err != nil {
			return fmt.Errorf("failed to remove existing %s: %w", target.path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(target.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target.path, err)
	}
	f, err := os.OpenFile(target.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target.path, err)
	}

	if err := a.ReadEntry(ctx, target.entry, f); err != nil {
		f.Close()
		os.Remove(target.path)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", target.path, err)
	}
	return nil
}

