package feed

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest of a block or tree node.
type Hash [32]byte

var (
	leafDomain = [32]byte{
		'h', 'y', 'p', 'e', 'r', 'g', '.', 'f', 'e', 'e', 'd', '.', 'l', 'e', 'a', 'f',
	}
	parentDomain = [32]byte{
		'h', 'y', 'p', 'e', 'r', 'g', '.', 'f', 'e', 'e', 'd', '.', 'p', 'a', 'r', 'e', 'n', 't',
	}
	signDomain = []byte("hyperg.feed.header.v1")
)

// HashBlock returns the leaf hash of a block.
func HashBlock(data []byte) Hash {
	return keyedHash(leafDomain, data)
}

// MerkleRoot computes a binary Merkle tree over leaf hashes. Odd nodes are
// promoted to the next level unchanged. The root of an empty tree is the
// leaf hash of an empty block.
func MerkleRoot(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return HashBlock(nil)
	}

	hasher, err := blake3.NewKeyed(parentDomain[:])
	if err != nil {
		panic("feed: BLAKE3 keyed hash initialization failed: " + err.Error())
	}

	var combined [64]byte
	level := make([]Hash, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			copy(combined[:32], level[i][:])
			copy(combined[32:], level[i+1][:])
			hasher.Reset()
			hasher.Write(combined[:])

			var parent Hash
			copy(parent[:], hasher.Sum(nil))
			next = append(next, parent)
		}
		level = next
	}
	return level[0]
}

// signingPayload is the byte string covered by a feed header signature.
func signingPayload(root Hash, length, byteLength uint64) []byte {
	payload := make([]byte, 0, len(signDomain)+len(root)+16)
	payload = append(payload, signDomain...)
	payload = append(payload, root[:]...)
	payload = binary.BigEndian.AppendUint64(payload, length)
	payload = binary.BigEndian.AppendUint64(payload, byteLength)
	return payload
}

func keyedHash(key [32]byte, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("feed: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)

	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}
