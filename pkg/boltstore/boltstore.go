// Package boltstore wraps a single bbolt database file for components that
// need a small durable key/value store without standing up Postgres, such
// as the channel bookmark tracker.
package boltstore

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store is a thin wrapper around one bbolt file. Safe for concurrent use;
// bbolt itself serializes writers and allows concurrent readers.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path, and ensures bucket
// exists.
func Open(path string, bucket string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes key/value into bucket. bbolt commits are fsynced by default, so
// this is already an atomic, durable replace of any prior value for key.
func (s *Store) Put(bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		return b.Put([]byte(key), value)
	})
}

// Get returns the value for key, or (nil, false) if absent. The returned
// slice is a copy safe to use after the transaction closes.
func (s *Store) Get(bucket, key string) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, found, nil
}

// Delete removes key from bucket, if present.
func (s *Store) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// HealthCheck reports whether the underlying file is still writable.
func (s *Store) HealthCheck() func() error {
	return func() error {
		return s.db.Update(func(tx *bolt.Tx) error { return nil })
	}
}
