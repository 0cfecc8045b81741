package types

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// KeySize is the length in bytes of content, discovery and node keys.
const KeySize = 32

// ContentKey identifies an archive. It is the public key of the archive's
// metadata log and is serialized as lowercase hex on external interfaces.
type ContentKey [KeySize]byte

// DiscoveryKey is the rendezvous topic derived from a ContentKey. It cannot
// be reversed into the ContentKey.
type DiscoveryKey [KeySize]byte

// NodeID is this node's overlay identity.
type NodeID [KeySize]byte

// discoveryDomain keys the BLAKE3 hash used to derive discovery keys.
var discoveryDomain = [KeySize]byte{
	'h', 'y', 'p', 'e', 'r', 'g', '.', 'd', 'i', 's', 'c', 'o', 'v', 'e', 'r', 'y',
}

// ParseContentKey decodes a hex encoded content key.
func ParseContentKey(s string) (ContentKey, error) {
	var key ContentKey
	if err := decodeKey(strings.TrimSpace(s), key[:]); err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// ContentKeyFromBytes copies a raw public key into a ContentKey.
func ContentKeyFromBytes(b []byte) (ContentKey, error) {
	var key ContentKey
	if len(b) != KeySize {
		return key, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(b))
	}
	copy(key[:], b)
	return key, nil
}

func (k ContentKey) String() string {
	return hex.EncodeToString(k[:])
}

// Discovery returns the discovery key for k.
func (k ContentKey) Discovery() DiscoveryKey {
	return DiscoveryKeyOf(k[:])
}

// IsZero reports whether k is unset.
func (k ContentKey) IsZero() bool {
	return k == ContentKey{}
}

// DiscoveryKeyOf derives the discovery key of an arbitrary log public key.
func DiscoveryKeyOf(publicKey []byte) DiscoveryKey {
	hasher, err := blake3.NewKeyed(discoveryDomain[:])
	if err != nil {
		panic("types: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(publicKey)

	var dk DiscoveryKey
	copy(dk[:], hasher.Sum(nil))
	return dk
}

// ParseDiscoveryKey decodes a hex encoded discovery key.
func ParseDiscoveryKey(s string) (DiscoveryKey, error) {
	var key DiscoveryKey
	if err := decodeKey(s, key[:]); err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

func (d DiscoveryKey) String() string {
	return hex.EncodeToString(d[:])
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

func decodeKey(s string, dst []byte) error {
	if len(s) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("expected %d hex characters, got %d", hex.EncodedLen(len(dst)), len(s))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return err
	}
	return nil
}

// Peer is a directly addressable overlay node.
type Peer struct {
	Host string
	Port int
}

// ParsePeer parses a host:port pair.
func ParsePeer(addr string) (Peer, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Peer{}, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Peer{}, fmt.Errorf("%w: invalid port %q", ErrInvalidPeer, portStr)
	}
	return Peer{Host: host, Port: port}, nil
}

// Addr returns the dialable host:port form of the peer.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p Peer) String() string {
	return p.Addr()
}

// Validate checks that the host is a literal IPv4 or IPv6 address and the
// port is within 1-65535.
func (p Peer) Validate() error {
	if net.ParseIP(p.Host) == nil {
		return fmt.Errorf("%w: invalid address %q", ErrInvalidPeer, p.Host)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidPeer, p.Port)
	}
	return nil
}

// File pairs a local source path with the entry name it is stored under
// inside an archive.
type File struct {
	Source string
	Name   string
}
