package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	syncerr "github.com/alexjbarnes/offsync/internal/errors"
	bolt "go.etcd.io/bbolt"
)

// QueueEntry is one pending mutation in the outbox. Payload is
// ciphertext; the dispatcher decrypts it just before sending.
type QueueEntry struct {
	ID         uint64    `json:"id"`
	Action     string    `json:"action"`
	Payload    []byte    `json:"payload"`
	Synced     bool      `json:"synced"`
	RetryCount int       `json:"retryCount"`
	CreatedAt  time.Time `json:"createdAt"`
	LastError  string    `json:"lastError,omitempty"`
}

// Cursor returns the entry's position in dispatch order.
func (e QueueEntry) Cursor() Cursor {
	return Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
}

// Cursor is a position in dispatch order: CreatedAt ascending, ties
// broken by ID.
type Cursor struct {
	CreatedAt time.Time
	ID        uint64
}

// Less reports whether c sorts before o.
func (c Cursor) Less(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}

	return c.ID < o.ID
}

// QueueStats summarizes the outbox.
type QueueStats struct {
	Total        int `json:"total" yaml:"total"`
	Pending      int `json:"pending" yaml:"pending"`
	Synced       int `json:"synced" yaml:"synced"`
	DeadLettered int `json:"deadLettered" yaml:"dead_lettered"`
}

// Enqueue encrypts payload and appends a new unsynced entry.
func (s *Store) Enqueue(action string, payload []byte) (QueueEntry, error) {
	var e QueueEntry

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		e, err = s.enqueueTx(tx, action, payload)

		return err
	})

	return e, err
}

func (s *Store) enqueueTx(tx *bolt.Tx, action string, plaintext []byte) (QueueEntry, error) {
	if action == "" {
		return QueueEntry{}, fmt.Errorf("queue action is required")
	}

	ct, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return QueueEntry{}, fmt.Errorf("encrypting queue payload: %w", err)
	}

	b := tx.Bucket(queueBucket)

	id, err := b.NextSequence()
	if err != nil {
		return QueueEntry{}, fmt.Errorf("allocating queue id: %w", err)
	}

	created, err := s.nextCreatedAt(tx)
	if err != nil {
		return QueueEntry{}, err
	}

	e := QueueEntry{
		ID:        id,
		Action:    action,
		Payload:   ct,
		CreatedAt: created,
	}

	return e, putEntry(b, e)
}

// DrainBatch returns up to limit entries that are unsynced and below the
// retry cap, in dispatch order. It does not modify the queue.
func (s *Store) DrainBatch(limit int) ([]QueueEntry, error) {
	return s.DrainRange(nil, nil, limit)
}

// DrainRange is DrainBatch restricted to entries sorting strictly after
// `after` and no later than `until`. Nil bounds are open.
func (s *Store) DrainRange(after, until *Cursor, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	var out []QueueEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(_, v []byte) error {
			var e QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding queue entry: %w", err)
			}

			if !s.eligible(e) {
				return nil
			}

			c := e.Cursor()
			if after != nil && !after.Less(c) {
				return nil
			}

			if until != nil && until.Less(c) {
				return nil
			}

			out = append(out, e)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortEntries(out)

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// PendingWindow counts the entries DrainBatch would eventually return and
// reports the cursor of the last one. The dispatcher pages up to that
// cursor so entries enqueued mid-cycle wait for the next cycle.
func (s *Store) PendingWindow() (int, *Cursor, error) {
	count := 0

	var last *Cursor

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(_, v []byte) error {
			var e QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding queue entry: %w", err)
			}

			if !s.eligible(e) {
				return nil
			}

			count++

			c := e.Cursor()
			if last == nil || last.Less(c) {
				last = &c
			}

			return nil
		})
	})

	return count, last, err
}

// Entry returns the entry with the given ID.
func (s *Store) Entry(id uint64) (QueueEntry, error) {
	var e QueueEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(queueBucket).Get(itob(id))
		if v == nil {
			return fmt.Errorf("%w: %d", ErrEntryNotFound, id)
		}

		return json.Unmarshal(v, &e)
	})

	return e, err
}

// OpenEntry decrypts the entry's payload. A failure is an error of kind
// unknown.
func (s *Store) OpenEntry(e QueueEntry) ([]byte, error) {
	plain, err := s.cipher.Decrypt(e.Payload)
	if err != nil {
		return nil, syncerr.New(syncerr.KindUnknown, fmt.Sprintf("decrypt queue entry %d", e.ID), err)
	}

	return plain, nil
}

// MarkSynced flags the entry as delivered. For update entries the pushed
// record becomes the stored base, since both replicas now agree on it.
func (s *Store) MarkSynced(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		e, err := getEntry(b, id)
		if err != nil {
			return err
		}

		e.Synced = true
		e.LastError = ""

		if e.Action == ActionUpdate {
			s.recordBaseFromEntryTx(tx, e)
		}

		return putEntry(b, e)
	})
}

// recordBaseFromEntryTx is best effort: an entry that no longer decrypts
// is still acknowledged, it just leaves the base untouched.
func (s *Store) recordBaseFromEntryTx(tx *bolt.Tx, e QueueEntry) {
	plain, err := s.cipher.Decrypt(e.Payload)
	if err != nil {
		s.logger.Warn("synced entry not decryptable, base not updated",
			slog.Uint64("entry_id", e.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	var rec Record
	if err := json.Unmarshal(plain, &rec); err != nil || rec.ID == "" {
		return
	}

	if err := s.writeBaseTx(tx, rec.ID, rec.Payload); err != nil {
		s.logger.Warn("writing base failed",
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// MarkFailed increments the entry's retry count by one, capped at
// MaxRetries, and records reason. It reports whether the entry has now
// reached the cap and is dead-lettered.
func (s *Store) MarkFailed(id uint64, reason string) (bool, error) {
	dead := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		e, err := getEntry(b, id)
		if err != nil {
			return err
		}

		if e.RetryCount < s.maxRetries {
			e.RetryCount++
		}

		e.LastError = reason
		dead = !e.Synced && e.RetryCount >= s.maxRetries

		return putEntry(b, e)
	})
	if err != nil {
		return false, err
	}

	if dead {
		s.logger.Warn("queue entry dead-lettered",
			slog.Uint64("entry_id", id),
			slog.Int("retries", s.maxRetries),
			slog.String("last_error", reason),
		)
	}

	return dead, nil
}

// DeadLetters returns unsynced entries that have exhausted their retries,
// in dispatch order.
func (s *Store) DeadLetters() ([]QueueEntry, error) {
	var out []QueueEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(_, v []byte) error {
			var e QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding queue entry: %w", err)
			}

			if !e.Synced && e.RetryCount >= s.maxRetries {
				out = append(out, e)
			}

			return nil
		})
	})

	sortEntries(out)

	return out, err
}

// ResetDeadLetters returns every dead-lettered entry to the pending set
// with a fresh retry budget. It returns how many entries were reset.
func (s *Store) ResetDeadLetters() (int, error) {
	n := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		var reset []QueueEntry

		err := b.ForEach(func(_, v []byte) error {
			var e QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding queue entry: %w", err)
			}

			if !e.Synced && e.RetryCount >= s.maxRetries {
				e.RetryCount = 0
				reset = append(reset, e)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, e := range reset {
			if err := putEntry(b, e); err != nil {
				return err
			}
		}

		n = len(reset)

		return nil
	})

	return n, err
}

// PruneSynced deletes synced entries created before cutoff and returns
// how many were removed. Unsynced entries are never pruned.
func (s *Store) PruneSynced(cutoff time.Time) (int, error) {
	n := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		var doomed [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var e QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding queue entry: %w", err)
			}

			if e.Synced && e.CreatedAt.Before(cutoff) {
				doomed = append(doomed, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		n = len(doomed)

		return nil
	})

	return n, err
}

// Stats counts entries by state.
func (s *Store) Stats() (QueueStats, error) {
	var st QueueStats

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(_, v []byte) error {
			var e QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding queue entry: %w", err)
			}

			st.Total++

			switch {
			case e.Synced:
				st.Synced++
			case e.RetryCount >= s.maxRetries:
				st.DeadLettered++
			default:
				st.Pending++
			}

			return nil
		})
	})

	return st, err
}

func (s *Store) eligible(e QueueEntry) bool {
	return !e.Synced && e.RetryCount < s.maxRetries
}

func sortEntries(entries []QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Cursor().Less(entries[j].Cursor())
	})
}

func getEntry(b *bolt.Bucket, id uint64) (QueueEntry, error) {
	var e QueueEntry

	v := b.Get(itob(id))
	if v == nil {
		return e, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}

	if err := json.Unmarshal(v, &e); err != nil {
		return e, fmt.Errorf("decoding queue entry %d: %w", id, err)
	}

	return e, nil
}

func putEntry(b *bolt.Bucket, e QueueEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return b.Put(itob(e.ID), data)
}
