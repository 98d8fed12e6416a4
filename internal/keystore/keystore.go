// Package keystore persists the encryption key and KDF salt in a bbolt
// file kept apart from the record store.
package keystore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	dirPerm     = fs.FileMode(0o700)
	filePerm    = fs.FileMode(0o600)
	openTimeout = 5 * time.Second
)

var secretsBucket = []byte("secrets")

// KeyStore is a small named-secret table.
type KeyStore struct {
	db *bolt.DB
}

// Open opens the key store at path, creating it if needed.
func Open(path string) (*KeyStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating keystore directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening keystore: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(secretsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing keystore: %w", err)
	}

	return &KeyStore{db: db}, nil
}

// Close closes the underlying database.
func (k *KeyStore) Close() error {
	return k.db.Close()
}

// Get returns a copy of the named secret, or nil if absent.
func (k *KeyStore) Get(name string) ([]byte, error) {
	var out []byte

	err := k.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(secretsBucket).Get([]byte(name))
		if v != nil {
			out = append([]byte(nil), v...)
		}

		return nil
	})

	return out, err
}

// Put stores the named secret, replacing any previous value.
func (k *KeyStore) Put(name string, value []byte) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).Put([]byte(name), value)
	})
}
