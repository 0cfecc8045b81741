package feed

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Stored blocks carry a one byte codec tag followed by the uncompressed
// length as a uvarint.
const (
	codecNone byte = 0
	codecLZ4  byte = 1
)

var errIncompressible = errors.New("data is incompressible")

// encodeStored prepares a block for the KV store.
func encodeStored(data []byte) []byte {
	header := make([]byte, 1, 1+binary.MaxVarintLen64)
	header = binary.AppendUvarint(header, uint64(len(data)))

	compressed, err := compressLZ4(data)
	if err != nil {
		header[0] = codecNone
		return append(header, data...)
	}
	header[0] = codecLZ4
	return append(header, compressed...)
}

// decodeStored reverses encodeStored.
func decodeStored(stored []byte) ([]byte, error) {
	if len(stored) < 2 {
		return nil, fmt.Errorf("stored block too short: %d bytes", len(stored))
	}
	size, n := binary.Uvarint(stored[1:])
	if n <= 0 {
		return nil, fmt.Errorf("stored block has a corrupt length prefix")
	}
	payload := stored[1+n:]

	switch stored[0] {
	case codecNone:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("stored block: got %d bytes, expected %d", len(payload), size)
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case codecLZ4:
		return decompressLZ4(payload, int(size))
	default:
		return nil, fmt.Errorf("unsupported block codec: %d", stored[0])
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errIncompressible
	}
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

// zstd is used for data frames on the wire. Encoder and decoder are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("feed: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("feed: zstd decoder initialization failed: " + err.Error())
	}
}

// compressWire returns the zstd frame for data and whether it is smaller
// than the input.
func compressWire(data []byte) ([]byte, bool) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, false
	}
	return compressed, true
}

func decompressWire(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}
