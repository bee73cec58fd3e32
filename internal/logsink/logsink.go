// Package logsink persists notification log entries in an embedded BoltDB
// file. The store is append-only: the processing core writes one immutable
// entry per handled queue message and never updates or deletes them.
package logsink

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"
)

const bucketName = "notification_logs"

// Entry is one immutable notification log record.
type Entry struct {
	ChargeID       string         `json:"charge_id"`
	ReceivedAt     time.Time      `json:"received_at"`
	PreviousStatus string         `json:"previous_status"`
	NewStatus      string         `json:"new_status"`
	MessageID      string         `json:"message_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Store wraps a BoltDB database holding notification log entries.
type Store struct {
	db *bolt.DB
}

// New opens (or creates) the database at the given path and ensures the
// notification_logs bucket exists. Safe to call on every startup.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes one entry. Keys come from the bucket sequence encoded
// big-endian, so byte order equals append order.
func (s *Store) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		return b.Put(key, data)
	})
}

// Recent returns up to limit entries, newest first. Used by the external
// listing surface and by tests; the processing core itself never reads.
func (s *Store) Recent(limit int) ([]Entry, error) {
	entries := []Entry{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}
