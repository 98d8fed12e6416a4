// Package store is the durable local replica: a record table, the
// pending-mutation outbox, and a little metadata, all in one bbolt file.
// Payloads, queued mutations and the session token are encrypted before
// they are written.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/alexjbarnes/offsync/internal/codec"
	syncerr "github.com/alexjbarnes/offsync/internal/errors"
	"github.com/alexjbarnes/offsync/internal/logging"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the data directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second

	// CurrentSchemaVersion is the on-disk layout this build writes.
	CurrentSchemaVersion = 2

	// DefaultMaxRetries is the retry cap used when Options.MaxRetries is zero.
	DefaultMaxRetries = 5
)

var (
	metaBucket    = []byte("meta")
	recordsBucket = []byte("records")
	basesBucket   = []byte("bases")
	queueBucket   = []byte("queue")

	schemaVersionKey = []byte("schema_version")
	sessionTokenKey  = []byte("session_token")
	fetchCursorKey   = []byte("fetch_cursor")
	lastCreatedKey   = []byte("last_created_at")
)

// ErrEntryNotFound is returned when a queue entry ID does not exist.
var ErrEntryNotFound = errors.New("queue entry not found")

// migrations upgrade the layout one version at a time. The key is the
// version being migrated from.
var migrations = map[int]func(tx *bolt.Tx) error{
	// v1 had no per-record base table.
	1: func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(basesBucket)
		return err
	},
}

// Options configures a Store.
type Options struct {
	// Cipher encrypts payloads and credentials. Required.
	Cipher codec.Cipher

	// MaxRetries caps QueueEntry.RetryCount. Zero means DefaultMaxRetries.
	MaxRetries int

	// Now overrides the wall clock. Nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Store wraps a bbolt database holding records, the outbox, and metadata.
type Store struct {
	db         *bolt.DB
	cipher     codec.Cipher
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
	version    int
}

// Open opens the store at path, creating it if it does not exist, and
// brings the layout up to CurrentSchemaVersion.
func Open(path string, opts Options) (*Store, error) {
	if opts.Cipher == nil {
		return nil, fmt.Errorf("store cipher is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	s := &Store{
		db:         db,
		cipher:     opts.Cipher,
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
		logger:     opts.Logger,
	}
	if s.maxRetries <= 0 {
		s.maxRetries = DefaultMaxRetries
	}

	if s.now == nil {
		s.now = time.Now
	}

	if s.logger == nil {
		s.logger = logging.Discard()
	}

	if err := db.Update(s.migrate); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return s, nil
}

// migrate reads the schema marker once and runs any pending migrations.
func (s *Store) migrate(tx *bolt.Tx) error {
	meta, err := tx.CreateBucketIfNotExists(metaBucket)
	if err != nil {
		return err
	}

	version := 0
	if v := meta.Get(schemaVersionKey); v != nil {
		version, err = strconv.Atoi(string(v))
		if err != nil {
			return fmt.Errorf("parsing schema version %q: %w", v, err)
		}
	} else if tx.Bucket(recordsBucket) != nil {
		// Stores created before the marker existed.
		version = 1
	}

	if version > CurrentSchemaVersion {
		return fmt.Errorf("%w: found %d, supported %d", syncerr.ErrSchemaTooNew, version, CurrentSchemaVersion)
	}

	if version == 0 {
		for _, name := range [][]byte{recordsBucket, basesBucket, queueBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		version = CurrentSchemaVersion
	}

	for version < CurrentSchemaVersion {
		m, ok := migrations[version]
		if !ok {
			return fmt.Errorf("no migration from schema version %d", version)
		}

		if err := m(tx); err != nil {
			return fmt.Errorf("migrating from schema version %d: %w", version, err)
		}

		s.logger.Info("store migrated", slog.Int("from", version), slog.Int("to", version+1))
		version++
	}

	s.version = version

	return meta.Put(schemaVersionKey, []byte(strconv.Itoa(version)))
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the layout version read at open.
func (s *Store) SchemaVersion() int {
	return s.version
}

// MaxRetries returns the retry cap applied by MarkFailed and DrainBatch.
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

// Token returns the persisted session token, or "" when none is set.
func (s *Store) Token() (string, error) {
	var token string

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(sessionTokenKey)
		if v == nil {
			return nil
		}

		plain, err := s.cipher.Decrypt(v)
		if err != nil {
			return syncerr.New(syncerr.KindUnknown, "read token", err)
		}

		token = string(plain)

		return nil
	})

	return token, err
}

// SetToken persists the session token encrypted. An empty token
// overwrites any previous one.
func (s *Store) SetToken(token string) error {
	ct, err := s.cipher.Encrypt([]byte(token))
	if err != nil {
		return fmt.Errorf("encrypting token: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(sessionTokenKey, ct)
	})
}

// FetchCursor returns the newest remote timestamp applied so far, or the
// zero time.
func (s *Store) FetchCursor() (time.Time, error) {
	var cursor time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(fetchCursorKey)
		if v == nil {
			return nil
		}

		return cursor.UnmarshalText(v)
	})

	return cursor, err
}

// SetFetchCursor records the newest remote timestamp applied so far.
func (s *Store) SetFetchCursor(t time.Time) error {
	data, err := t.UTC().MarshalText()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(fetchCursorKey, data)
	})
}

// stamp returns now, bumped so it is never earlier than floor.
func (s *Store) stamp(floor time.Time) time.Time {
	now := s.now().UTC()
	if now.Before(floor) {
		return floor
	}

	return now
}

// nextCreatedAt hands out queue timestamps that never go backwards, even
// when the wall clock does. Must be called inside an Update transaction,
// which bbolt serializes.
func (s *Store) nextCreatedAt(tx *bolt.Tx) (time.Time, error) {
	meta := tx.Bucket(metaBucket)

	var last time.Time
	if v := meta.Get(lastCreatedKey); v != nil {
		if err := last.UnmarshalText(v); err != nil {
			return time.Time{}, fmt.Errorf("parsing last created stamp: %w", err)
		}
	}

	created := s.stamp(last)

	data, err := created.MarshalText()
	if err != nil {
		return time.Time{}, err
	}

	return created, meta.Put(lastCreatedKey, data)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}
