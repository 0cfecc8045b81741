package archive

import (
	"errors"
	"fmt"

	"hyperg/pkg/codec"
	"hyperg/pkg/types"
)

// Entry types stored in the metadata index.
const (
	EntryFile      = "file"
	EntryDirectory = "directory"
)

const indexType = "index"

// Block sizes used when splitting files into content blocks.
const (
	SmallBlockSize   = 64 * 1024   // 64KB for small files
	DefaultBlockSize = 256 * 1024  // 256KB
	LargeBlockSize   = 1024 * 1024 // 1MB for large files

	SmallFileThreshold = 1024 * 1024       // Files < 1MB
	LargeFileThreshold = 100 * 1024 * 1024 // Files > 100MB
)

var errNotIndex = errors.New("block is not an index header")

// Entry describes one item of an archive. File bytes occupy Blocks content
// blocks starting at Offset.
type Entry struct {
	Name   string `cbor:"name" json:"name"`
	Type   string `cbor:"type" json:"type"`
	Size   uint64 `cbor:"size" json:"size"`
	Offset uint64 `cbor:"offset" json:"offset"`
	Blocks uint64 `cbor:"blocks" json:"blocks"`
}

// IsFile reports whether e carries file content.
func (e Entry) IsFile() bool {
	return e.Type == EntryFile
}

// indexHeader is the first block of every metadata feed.
type indexHeader struct {
	Type    string `cbor:"type"`
	Content []byte `cbor:"content"`
}

// BlockSizeFor picks the content block size for a file of the given size.
func BlockSizeFor(size int64) int {
	if size < SmallFileThreshold {
		return SmallBlockSize
	} else if size > LargeFileThreshold {
		return LargeBlockSize
	}
	return DefaultBlockSize
}

func encodeIndex(content []byte) ([]byte, error) {
	return codec.Marshal(indexHeader{Type: indexType, Content: content})
}

// decodeIndex extracts the content feed key from an index header block.
func decodeIndex(block []byte) ([]byte, error) {
	var header indexHeader
	if err := codec.Unmarshal(block, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", errNotIndex, err)
	}
	if header.Type != indexType {
		return nil, fmt.Errorf("%w: type %q", errNotIndex, header.Type)
	}
	if len(header.Content) != types.KeySize {
		return nil, fmt.Errorf("%w: content key has %d bytes", errNotIndex, len(header.Content))
	}
	return header.Content, nil
}

func encodeEntry(e Entry) ([]byte, error) {
	return codec.Marshal(e)
}

func decodeEntry(block []byte) (Entry, error) {
	var e Entry
	if err := codec.Unmarshal(block, &e); err != nil {
		return e, fmt.Errorf("failed to decode entry: %w", err)
	}
	if e.Type != EntryFile && e.Type != EntryDirectory {
		return e, fmt.Errorf("unknown entry type %q", e.Type)
	}
	return e, nil
}
