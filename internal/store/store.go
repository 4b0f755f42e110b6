// Package store persists session tokens and cache blobs in a bbolt
// database, keyed by session identifier.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/evgrid/tronity-connect/tronity"
)

const (
	// storeDirPerm is the permission mode for the state directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file. The
	// file holds bearer tokens, so it must not be group readable.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	tokensBucket = []byte("tokens")
	cacheBucket  = []byte("cache")
)

// Store wraps a bbolt database implementing the tronity token and
// cache store ports.
type Store struct {
	db *bolt.DB
}

var (
	_ tronity.TokenStore = (*Store)(nil)
	_ tronity.CacheStore = (*Store)(nil)
)

// Open opens the database at the given path, creating it and its
// parent directory if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(tokensBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(cacheBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetToken returns the persisted token record for an identifier, or
// nil if none exists.
func (s *Store) GetToken(identifier string) (*tronity.TokenRecord, error) {
	var rec *tronity.TokenRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get([]byte(identifier))
		if v == nil {
			return nil
		}

		rec = &tronity.TokenRecord{}

		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("reading token record: %w", err)
	}

	return rec, nil
}

// SetToken persists a token record, overwriting any prior entry.
func (s *Store) SetToken(identifier string, record tronity.TokenRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}

		return tx.Bucket(tokensBucket).Put([]byte(identifier), data)
	})
}

// GetCache returns the persisted cache blob for an identifier, or nil
// if none exists.
func (s *Store) GetCache(identifier string) ([]byte, error) {
	var blob []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cacheBucket).Get([]byte(identifier))
		if v != nil {
			blob = make([]byte, len(v))
			copy(blob, v)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading cache blob: %w", err)
	}

	return blob, nil
}

// SetCache persists a cache blob, overwriting any prior entry.
func (s *Store) SetCache(identifier string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(identifier), blob)
	})
}

// DefaultPath returns the default database location:
// ~/.tronity-connect/state.db
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".tronity-connect", "state.db"), nil
}
