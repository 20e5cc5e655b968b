// Package local implements the local persistent blob tier: a bbolt-backed
// hash-addressed key/value store, adapted from the teacher's
// internal/store (bucketed bbolt wrapper) and internal/store.Manager
// (refcounted shared handle), with optional at-rest zstd compression
// adapted from internal/objects's zstd blob codec.
package local

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	"github.com/mmalmi/hashtree/internal/hashing"
)

var blobsBucket = []byte("blobs")

// Store is the local persistent tier of the layered blob store.
type Store struct {
	db       *bbolt.DB
	compress bool

	encOnce sync.Once
	enc     *zstd.Encoder
	decOnce sync.Once
	dec     *zstd.Decoder
}

// Open opens (creating if necessary) a local blob store at path.
// compress enables zstd compression of stored blob bytes.
func Open(path string, compress bool) (*Store, error) {
	db, err := bbolt.Open(path, 0666, nil)
	if err != nil {
		return nil, fmt.Errorf("open local blob store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(blobsBucket)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init local blob store: %w", err)
	}
	return &Store{db: db, compress: compress}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.enc != nil {
		s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
	return s.db.Close()
}

func (s *Store) encoder() *zstd.Encoder {
	s.encOnce.Do(func() {
		s.enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return s.enc
}

func (s *Store) decoder() *zstd.Decoder {
	s.decOnce.Do(func() {
		s.dec, _ = zstd.NewReader(nil)
	})
	return s.dec
}

func (s *Store) encode(data []byte) []byte {
	if !s.compress {
		return data
	}
	return s.encoder().EncodeAll(data, nil)
}

func (s *Store) decode(data []byte) ([]byte, error) {
	if !s.compress {
		return data, nil
	}
	out, err := s.decoder().DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	return out, nil
}

// Has reports whether hash is present.
func (s *Store) Has(hash hashing.Hash) bool {
	found := false
	_ = s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(blobsBucket).Get(hash[:]) != nil
		return nil
	})
	return found
}

// Get returns the stored bytes for hash, or ok=false if absent.
func (s *Store) Get(hash hashing.Hash) (data []byte, ok bool, err error) {
	var raw []byte
	if viewErr := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(blobsBucket).Get(hash[:])
		if v == nil {
			return nil
		}
		raw = append([]byte(nil), v...)
		return nil
	}); viewErr != nil {
		return nil, false, fmt.Errorf("local get: %w", viewErr)
	}
	if raw == nil {
		return nil, false, nil
	}
	data, err = s.decode(raw)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Put stores data at hash. isNew reports whether the key was absent
// before this call, matching the idempotence-of-put property.
func (s *Store) Put(hash hashing.Hash, data []byte) (isNew bool, err error) {
	encoded := s.encode(data)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(blobsBucket)
		isNew = b.Get(hash[:]) == nil
		return b.Put(hash[:], encoded)
	})
	if err != nil {
		return false, fmt.Errorf("local put: %w", err)
	}
	return isNew, nil
}

// Delete removes hash if present, reporting whether it had existed.
func (s *Store) Delete(hash hashing.Hash) (existed bool, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(blobsBucket)
		existed = b.Get(hash[:]) != nil
		return b.Delete(hash[:])
	})
	if err != nil {
		return false, fmt.Errorf("local delete: %w", err)
	}
	return existed, nil
}

// VerifyOnRead re-hashes data and compares to hash; used by every tier
// above the local store to honour the store-wide hash-verification
// invariant.
func VerifyOnRead(hash hashing.Hash, data []byte) bool {
	return hashing.Sum(data) == hash
}
