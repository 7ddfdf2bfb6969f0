package bolt

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store implements store.Store on a bbolt file.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database at path. A second process holding the
// file makes Open fail after one second instead of blocking forever.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(bucket, key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	return val, err
}

func (s *Store) Set(bucket, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		return b.Put(key, value)
	})
}

func (s *Store) Delete(bucket, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
}

// ForEach visits keys in byte order. fn must not retain key or value.
func (s *Store) ForEach(bucket []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(fn)
	})
}

func (s *Store) Append(bucket, value []byte) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		if seq, err = b.NextSequence(); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		return b.Put(SeqKey(seq), value)
	})
	return seq, err
}

func (s *Store) Trim(bucket []byte, keep int) error {
	if keep < 0 {
		keep = 0
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		excess := -keep
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			excess++
		}
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

func (s *Store) Clear(bucket []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucket) == nil {
			return nil
		}
		return tx.DeleteBucket(bucket)
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SeqKey encodes a sequence number as a big-endian key so keys sort numerically.
func SeqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
