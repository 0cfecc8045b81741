package feed

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"time"

	"hyperg/pkg/codec"
	"hyperg/pkg/types"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

const (
	recordPrefix = "feeds/"
	feedPrefix   = "f/"

	// deleteBatch bounds how many keys are removed per write batch flush.
	deleteBatch = 1024
)

// Record is the persisted description of a feed.
type Record struct {
	Key       []byte `cbor:"key"`
	SecretKey []byte `cbor:"secret,omitempty"`
	Prefix    string `cbor:"prefix"`
	Created   int64  `cbor:"created"`
}

// Writable reports whether this node holds the feed's secret key.
func (r Record) Writable() bool {
	return len(r.SecretKey) == ed25519.PrivateKeySize
}

// DiscoveryKey returns the discovery key of the feed.
func (r Record) DiscoveryKey() types.DiscoveryKey {
	return types.DiscoveryKeyOf(r.Key)
}

// Header is the signed summary of a finalized feed.
type Header struct {
	Length     uint64 `cbor:"length"`
	ByteLength uint64 `cbor:"bytes"`
	Root       []byte `cbor:"root"`
	Signature  []byte `cbor:"sig"`
}

// Storage lays feeds out inside a shared badger database. Every feed lives
// under its own prefix derived from its discovery key, so concurrently open
// feeds never share keys.
type Storage struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewStorage wraps an open database. The caller keeps ownership of db.
func NewStorage(db *badger.DB, logger *zap.Logger) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{db: db, logger: logger}
}

func recordKey(dk types.DiscoveryKey) []byte {
	return []byte(recordPrefix + dk.String())
}

func prefixFor(dk types.DiscoveryKey) string {
	return feedPrefix + dk.String() + "/"
}

func dataKey(prefix string, index uint64) []byte {
	return []byte(prefix + "data/" + indexString(index))
}

func treeKey(prefix string, index uint64) []byte {
	return []byte(prefix + "tree/" + indexString(index))
}

func signatureKey(prefix string) []byte { return []byte(prefix + "signature") }
func bitfieldKey(prefix string) []byte  { return []byte(prefix + "bitfield") }

// indexString is fixed width so lexical key order matches block order.
func indexString(index uint64) string {
	s := strconv.FormatUint(index, 16)
	const width = 16
	if len(s) < width {
		s = "0000000000000000"[:width-len(s)] + s
	}
	return s
}

// Generate creates and persists a new writable feed record.
func (s *Storage) Generate() (Record, error) {
	public, secret, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Record{}, fmt.Errorf("failed to generate feed key: %w", err)
	}
	rec := Record{
		Key:       public,
		SecretKey: secret,
		Prefix:    prefixFor(types.DiscoveryKeyOf(public)),
		Created:   time.Now().UnixMilli(),
	}
	if err := s.putRecord(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Ensure returns the record for a foreign feed key, creating it if needed.
func (s *Storage) Ensure(key []byte) (Record, error) {
	if len(key) != ed25519.PublicKeySize {
		return Record{}, fmt.Errorf("%w: feed key must be %d bytes", types.ErrInvalidKey, ed25519.PublicKeySize)
	}
	dk := types.DiscoveryKeyOf(key)

	var rec Record
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := getRecord(txn, dk)
		if err == nil {
			rec = existing
			return nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}
		rec = Record{
			Key:     append([]byte(nil), key...),
			Prefix:  prefixFor(dk),
			Created: time.Now().UnixMilli(),
		}
		return setRecord(txn, dk, rec)
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to ensure feed record: %w", err)
	}
	return rec, nil
}

// Record looks up a feed record by discovery key.
func (s *Storage) Record(dk types.DiscoveryKey) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, dk)
		return err
	})
	return rec, err
}

// Stat returns the record and, once finalized, the signed header of a feed
// without opening it.
func (s *Storage) Stat(dk types.DiscoveryKey) (Record, *Header, error) {
	rec, err := s.Record(dk)
	if err != nil {
		return Record{}, nil, err
	}
	st, err := s.loadHeader(rec.Prefix)
	if err != nil {
		return rec, nil, fmt.Errorf("failed to load feed header: %w", err)
	}
	return rec, st, nil
}

func (s *Storage) loadHeader(prefix string) (*Header, error) {
	var header *Header
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(signatureKey(prefix))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		header = &Header{}
		return codec.Unmarshal(value, header)
	})
	return header, err
}

// Remove deletes a feed record and everything stored under its prefix. It
// reports whether a record existed; removing an absent feed is not an error.
func (s *Storage) Remove(dk types.DiscoveryKey) (bool, error) {
	rec, err := s.Record(dk)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	keys, err := s.keysWithPrefix([]byte(rec.Prefix))
	if err != nil {
		return true, fmt.Errorf("failed to list feed keys: %w", err)
	}

	for start := 0; start < len(keys); start += deleteBatch {
		end := start + deleteBatch
		if end > len(keys) {
			end = len(keys)
		}
		batch := s.db.NewWriteBatch()
		for _, key := range keys[start:end] {
			if err := batch.Delete(key); err != nil {
				batch.Cancel()
				return true, fmt.Errorf("failed to delete feed key: %w", err)
			}
		}
		if err := batch.Flush(); err != nil {
			return true, fmt.Errorf("failed to flush feed deletion: %w", err)
		}
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(dk))
	})
	if err != nil {
		return true, fmt.Errorf("failed to delete feed record: %w", err)
	}

	s.logger.Debug("Removed feed storage",
		zap.String("discovery_key", dk.String()),
		zap.Int("keys", len(keys)))
	return true, nil
}

func (s *Storage) keysWithPrefix(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (s *Storage) putRecord(rec Record) error {
	dk := rec.DiscoveryKey()
	return s.db.Update(func(txn *badger.Txn) error {
		return setRecord(txn, dk, rec)
	})
}

func getRecord(txn *badger.Txn, dk types.DiscoveryKey) (Record, error) {
	var rec Record
	item, err := txn.Get(recordKey(dk))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, fmt.Errorf("feed %s: %w", dk, types.ErrNotFound)
	}
	if err != nil {
		return rec, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return rec, err
	}
	if err := codec.Unmarshal(value, &rec); err != nil {
		return rec, fmt.Errorf("failed to decode feed record: %w", err)
	}
	return rec, nil
}

func setRecord(txn *badger.Txn, dk types.DiscoveryKey, rec Record) error {
	value, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode feed record: %w", err)
	}
	return txn.Set(recordKey(dk), value)
}

// putBlock stores a block, its leaf hash and the updated bitfield atomically.
func (s *Storage) putBlock(prefix string, index uint64, data []byte, leaf Hash, have bitfield) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dataKey(prefix, index), encodeStored(data)); err != nil {
			return err
		}
		if err := txn.Set(treeKey(prefix, index), append([]byte(nil), leaf[:]...)); err != nil {
			return err
		}
		return txn.Set(bitfieldKey(prefix), append([]byte(nil), have...))
	})
}

func (s *Storage) block(prefix string, index uint64) ([]byte, error) {
	var stored []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(prefix, index))
		if err != nil {
			return err
		}
		stored, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("block %d: %w", index, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeStored(stored)
}

// putHeader stores a signed header together with the full leaf list.
func (s *Storage) putHeader(prefix string, header Header, leaves []Hash) error {
	value, err := codec.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode feed header: %w", err)
	}
	batch := s.db.NewWriteBatch()
	for i, leaf := range leaves {
		if err := batch.Set(treeKey(prefix, uint64(i)), append([]byte(nil), leaf[:]...)); err != nil {
			batch.Cancel()
			return err
		}
	}
	if err := batch.Set(signatureKey(prefix), value); err != nil {
		batch.Cancel()
		return err
	}
	return batch.Flush()
}

// state is the in-memory view of a feed rebuilt from storage.
type state struct {
	header *Header
	leaves []Hash
	have   bitfield
}

func (s *Storage) loadState(prefix string) (state, error) {
	var st state
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(signatureKey(prefix))
		switch {
		case err == nil:
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var header Header
			if err := codec.Unmarshal(value, &header); err != nil {
				return fmt.Errorf("failed to decode feed header: %w", err)
			}
			st.header = &header
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		item, err = txn.Get(bitfieldKey(prefix))
		switch {
		case err == nil:
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			st.have = bitfield(value)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		tree := []byte(prefix + "tree/")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = tree
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(tree); it.ValidForPrefix(tree); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var leaf Hash
			copy(leaf[:], value)
			st.leaves = append(st.leaves, leaf)
		}
		return nil
	})
	return st, err
}

// bitfield records which blocks are present locally.
type bitfield []byte

func (b bitfield) get(index uint64) bool {
	i := index / 8
	if i >= uint64(len(b)) {
		return false
	}
	return b[i]&(1<<(index%8)) != 0
}

func (b *bitfield) set(index uint64) {
	i := index / 8
	for uint64(len(*b)) <= i {
		*b = append(*b, 0)
	}
	(*b)[i] |= 1 << (index % 8)
}

func (b bitfield) count() uint64 {
	var n uint64
	for _, v := range b {
		n += uint64(bits.OnesCount8(v))
	}
	return n
}
