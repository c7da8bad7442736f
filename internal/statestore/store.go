// Package statestore implements an expiring key-value store on bbolt.
//
// It backs the OAuth state tokens: entries carry an expiry timestamp, a
// background sweeper reclaims abandoned entries, and Consume performs the
// atomic get-then-delete that makes a state token single-use.
package statestore

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	StateBucket     = "oauth_state"
	cleanupInterval = 1 * time.Minute
)

// Entry is one stored value with its expiry
type Entry struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// IsExpired checks if the entry has expired
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Store is an expiring KV store. Safe for concurrent use; bbolt serializes
// writers, which is what makes Consume race-free.
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger
	stopCh chan struct{}
}

// New creates the store on an existing bbolt database and starts the
// background sweeper.
func New(db *bbolt.DB, logger *zap.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(StateBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create state bucket: %w", err)
	}

	go s.startCleanup()

	return s, nil
}

// Close stops the background sweeper. The database is owned by the caller.
func (s *Store) Close() {
	close(s.stopCh)
}

// Put stores a value under key with the given TTL
func (s *Store) Put(key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal state value: %w", err)
	}

	now := time.Now()
	entry := &Entry{
		Value:     raw,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal state entry: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(StateBucket)).Put([]byte(key), data)
	})
}

// Consume atomically reads and deletes the entry under key. Returns
// (nil, false) when the key is absent, expired, or already consumed —
// indistinguishable by design. At most one concurrent caller gets the
// value; the rest observe absence.
func (s *Store) Consume(key string, out any) (bool, error) {
	found := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(StateBucket))
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}

		// Always delete: expired entries are reclaimed on touch
		if err := bucket.Delete([]byte(key)); err != nil {
			return err
		}

		entry := &Entry{}
		if err := json.Unmarshal(data, entry); err != nil {
			return fmt.Errorf("unmarshal state entry: %w", err)
		}
		if entry.IsExpired() {
			return nil
		}

		if err := json.Unmarshal(entry.Value, out); err != nil {
			return fmt.Errorf("unmarshal state value: %w", err)
		}
		found = true
		return nil
	})
	return found, err
}

// Sweep removes all expired entries and returns the count removed. The
// background sweeper calls this; it is also exposed for manual
// maintenance.
func (s *Store) Sweep() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(StateBucket))
		cursor := bucket.Cursor()

		var expired [][]byte
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			entry := &Entry{}
			if err := json.Unmarshal(v, entry); err != nil {
				// Unreadable entries are reclaimed too
				expired = append(expired, append([]byte{}, k...))
				continue
			}
			if entry.IsExpired() {
				expired = append(expired, append([]byte{}, k...))
			}
		}

		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Len returns the number of live (non-expired) entries
func (s *Store) Len() (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(StateBucket)).ForEach(func(_, v []byte) error {
			entry := &Entry{}
			if err := json.Unmarshal(v, entry); err == nil && !entry.IsExpired() {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *Store) startCleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed, err := s.Sweep(); err != nil {
				s.logger.Warn("state sweep failed", zap.Error(err))
			} else if removed > 0 {
				s.logger.Debug("swept expired state entries", zap.Int("removed", removed))
			}
		case <-s.stopCh:
			return
		}
	}
}
