package types

import "errors"

var (
	// ErrNotFound is returned for unknown content or discovery keys.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned when a key is not 32 bytes of hex.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidPeer is returned for peers that fail address validation.
	ErrInvalidPeer = errors.New("invalid peer")

	// ErrNoPeers is the terminal error raised when none of the explicitly
	// provided peers could be reached.
	ErrNoPeers = errors.New("cannot connect to provided peers")

	// ErrSizeExceeded is returned when an archive is larger than the
	// download size ceiling.
	ErrSizeExceeded = errors.New("archive size exceeds limit")

	// ErrTimeout is returned when a download does not finish in time.
	ErrTimeout = errors.New("download timed out")

	// ErrCancelled is returned to waiters of a download that was cancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrClosed is returned by operations on closed feeds, sessions or engines.
	ErrClosed = errors.New("closed")
)
