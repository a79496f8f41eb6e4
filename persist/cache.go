package persist

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var cacheBucket = []byte("documents")

// Record is one local durable cache entry. The cache is advisory, never the
// system of record: it survives restarts but not cache-clearing events, and
// concurrent writers to the same session key are last-write-wins.
type Record struct {
	SessionID string    `json:"sessionId"`
	Content   string    `json:"content"`
	SavedAt   time.Time `json:"savedAt"`

	// IsBackup marks content that failed to reach the backend and still
	// needs a forced save once connectivity returns.
	IsBackup bool `json:"isBackup"`
}

// Cache is the local durable fallback store, shared by all sessions on the
// machine and keyed by session id.
type Cache struct {
	db *bolt.DB
}

// OpenCache opens (or creates) the cache file.
func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db}, nil
}

// Put overwrites the record for its session.
func (c *Cache) Put(rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(rec.SessionID), raw)
	})
}

// Get returns the record for a session and whether one exists.
func (c *Cache) Get(sessionID string) (Record, bool, error) {
	var rec Record
	var found bool

	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(cacheBucket).Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	return rec, found, err
}

// ClearBackup drops the backup mark on a session's record, keeping the rest
// of the record intact. Clearing an absent record is a no-op.
func (c *Cache) ClearBackup(sessionID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		raw := b.Get([]byte(sessionID))
		if raw == nil {
			return nil
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.IsBackup = false

		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(sessionID), out)
	})
}

// Close releases the underlying database file.
func (c *Cache) Close() error {
	return c.db.Close()
}
