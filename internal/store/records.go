package store

import (
	"encoding/json"
	"fmt"
	"time"

	syncerr "github.com/alexjbarnes/offsync/internal/errors"
	bolt "go.etcd.io/bbolt"
)

// ActionUpdate is the queue action recorded by Put and ApplyMerged.
const ActionUpdate = "update"

// Record is one row of the local replica. Payload values are normalized
// through JSON, so numbers come back as float64.
type Record struct {
	ID          string         `json:"id" yaml:"id"`
	Payload     map[string]any `json:"payload" yaml:"payload"`
	LastUpdated time.Time      `json:"lastUpdated" yaml:"last_updated"`
}

// storedRecord is the on-disk shape: payload JSON is encrypted.
type storedRecord struct {
	ID          string    `json:"id"`
	Payload     []byte    `json:"payload"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// NormalizePayload round-trips p through JSON so values compare equal to
// what a later read returns. A nil payload becomes an empty map.
func NormalizePayload(p map[string]any) (map[string]any, error) {
	if p == nil {
		return map[string]any{}, nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	return out, nil
}

// Put upserts the record for id, stamps LastUpdated, and appends an
// update entry to the outbox in the same transaction.
func (s *Store) Put(id string, payload map[string]any) (Record, error) {
	if id == "" {
		return Record{}, fmt.Errorf("record id is required")
	}

	payload, err := NormalizePayload(payload)
	if err != nil {
		return Record{}, err
	}

	var rec Record

	err = s.db.Update(func(tx *bolt.Tx) error {
		prev, err := s.lastUpdatedTx(tx, id)
		if err != nil {
			return err
		}

		rec = Record{ID: id, Payload: payload, LastUpdated: s.stamp(prev)}
		if err := s.writeRecordTx(tx, rec); err != nil {
			return err
		}

		return s.enqueueRecordTx(tx, rec)
	})
	if err != nil {
		return Record{}, err
	}

	return rec, nil
}

// ApplyRemote writes a record received from the remote authority without
// queueing it back out. The stored base becomes the remote payload. A
// zero LastUpdated is stamped with the current time; LastUpdated never
// moves backwards.
func (s *Store) ApplyRemote(rec Record) (Record, error) {
	if rec.ID == "" {
		return Record{}, fmt.Errorf("record id is required")
	}

	payload, err := NormalizePayload(rec.Payload)
	if err != nil {
		return Record{}, err
	}

	rec.Payload = payload

	err = s.db.Update(func(tx *bolt.Tx) error {
		prev, err := s.lastUpdatedTx(tx, rec.ID)
		if err != nil {
			return err
		}

		if rec.LastUpdated.IsZero() {
			rec.LastUpdated = s.stamp(prev)
		} else {
			rec.LastUpdated = rec.LastUpdated.UTC()
			if rec.LastUpdated.Before(prev) {
				rec.LastUpdated = prev
			}
		}

		if err := s.writeRecordTx(tx, rec); err != nil {
			return err
		}

		return s.writeBaseTx(tx, rec.ID, rec.Payload)
	})
	if err != nil {
		return Record{}, err
	}

	return rec, nil
}

// ApplyMerged writes the result of a conflict resolution. The merged
// record is a local change, so it is stamped and queued like Put; base
// is the remote payload the merge started from.
func (s *Store) ApplyMerged(rec Record, base map[string]any) (Record, error) {
	if rec.ID == "" {
		return Record{}, fmt.Errorf("record id is required")
	}

	payload, err := NormalizePayload(rec.Payload)
	if err != nil {
		return Record{}, err
	}

	base, err = NormalizePayload(base)
	if err != nil {
		return Record{}, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		prev, err := s.lastUpdatedTx(tx, rec.ID)
		if err != nil {
			return err
		}

		if rec.LastUpdated.After(prev) {
			prev = rec.LastUpdated.UTC()
		}

		rec = Record{ID: rec.ID, Payload: payload, LastUpdated: s.stamp(prev)}
		if err := s.writeRecordTx(tx, rec); err != nil {
			return err
		}

		if err := s.writeBaseTx(tx, rec.ID, base); err != nil {
			return err
		}

		return s.enqueueRecordTx(tx, rec)
	})
	if err != nil {
		return Record{}, err
	}

	return rec, nil
}

// Get returns the record for id, or nil if absent. A record that cannot
// be decrypted is an error of kind unknown, not a miss.
func (s *Store) Get(id string) (*Record, error) {
	var rec *Record

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		r, err := s.decodeRecord(v)
		if err != nil {
			return err
		}

		rec = &r

		return nil
	})

	return rec, err
}

// GetAll returns every record. Order is unspecified.
func (s *Store) GetAll() ([]Record, error) {
	var out []Record

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(_, v []byte) error {
			r, err := s.decodeRecord(v)
			if err != nil {
				return err
			}

			out = append(out, r)

			return nil
		})
	})

	return out, err
}

// Base returns the last payload both replicas agreed on for id, or nil.
func (s *Store) Base(id string) (map[string]any, error) {
	var base map[string]any

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(basesBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		plain, err := s.cipher.Decrypt(v)
		if err != nil {
			return syncerr.New(syncerr.KindUnknown, "read base", err)
		}

		return json.Unmarshal(plain, &base)
	})

	return base, err
}

func (s *Store) decodeRecord(v []byte) (Record, error) {
	var sr storedRecord
	if err := json.Unmarshal(v, &sr); err != nil {
		return Record{}, syncerr.New(syncerr.KindUnknown, "decode record", err)
	}

	plain, err := s.cipher.Decrypt(sr.Payload)
	if err != nil {
		return Record{}, syncerr.New(syncerr.KindUnknown, "decrypt record "+sr.ID, err)
	}

	payload := map[string]any{}
	if err := json.Unmarshal(plain, &payload); err != nil {
		return Record{}, syncerr.New(syncerr.KindUnknown, "decode record "+sr.ID, err)
	}

	return Record{ID: sr.ID, Payload: payload, LastUpdated: sr.LastUpdated}, nil
}

func (s *Store) lastUpdatedTx(tx *bolt.Tx, id string) (time.Time, error) {
	v := tx.Bucket(recordsBucket).Get([]byte(id))
	if v == nil {
		return time.Time{}, nil
	}

	var sr storedRecord
	if err := json.Unmarshal(v, &sr); err != nil {
		return time.Time{}, syncerr.New(syncerr.KindUnknown, "decode record", err)
	}

	return sr.LastUpdated, nil
}

func (s *Store) writeRecordTx(tx *bolt.Tx, rec Record) error {
	plain, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	ct, err := s.cipher.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypting payload: %w", err)
	}

	data, err := json.Marshal(storedRecord{ID: rec.ID, Payload: ct, LastUpdated: rec.LastUpdated})
	if err != nil {
		return err
	}

	return tx.Bucket(recordsBucket).Put([]byte(rec.ID), data)
}

func (s *Store) writeBaseTx(tx *bolt.Tx, id string, payload map[string]any) error {
	plain, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding base: %w", err)
	}

	ct, err := s.cipher.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypting base: %w", err)
	}

	return tx.Bucket(basesBucket).Put([]byte(id), ct)
}

func (s *Store) enqueueRecordTx(tx *bolt.Tx, rec Record) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding queued record: %w", err)
	}

	_, err = s.enqueueTx(tx, ActionUpdate, plain)

	return err
}
