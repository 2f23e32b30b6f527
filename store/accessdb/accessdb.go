// Package accessdb tracks when each cached combination image was last
// served, backed by bbolt. The expiry manager uses it to find idle cache
// entries; losing the database only resets idle tracking, never cache
// correctness.
package accessdb

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kitchencache "github.com/mixmoji/kitchen-cache"
	"go.etcd.io/bbolt"
)

var bucketAccess = []byte("access")

// Record is the stored per-pair access state.
type Record struct {
	// LastAccess is the unix-seconds timestamp of the most recent serve.
	LastAccess int64 `json:"last_access"`
	// Count is the total number of serves.
	Count int64 `json:"count"`
}

// DB is the access-tracking database.
type DB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// New creates a DB instance with options. Call Open before use.
func New(opts ...Option) *DB {
	d := &DB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the database at the given path and creates the bucket.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("opening access db: %w", err)
	}
	d.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAccess)
		return err
	}); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating bucket: %w", err)
	}

	d.logger.Debug("opened access db", "path", path)
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Touch records one serve of key at the current time.
func (d *DB) Touch(key kitchencache.PairKey) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccess)

		var rec Record
		if raw := b.Get([]byte(key)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				// Corrupt entry: start over rather than fail the serve.
				rec = Record{}
			}
		}
		rec.LastAccess = d.now().Unix()
		rec.Count++

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding access record: %w", err)
		}
		return b.Put([]byte(key), data)
	})
}

// Get returns the access record for key, or false when untracked.
func (d *DB) Get(key kitchencache.PairKey) (Record, bool, error) {
	var rec Record
	var found bool
	err := d.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketAccess).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decoding access record: %w", err)
		}
		found = true
		return nil
	})
	return rec, found, err
}

// IdleBefore returns all tracked keys whose last access is before cutoff.
func (d *DB) IdleBefore(cutoff time.Time) ([]kitchencache.PairKey, error) {
	var keys []kitchencache.PairKey
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccess).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				// Corrupt entries count as idle so the sweeper clears them.
				keys = append(keys, kitchencache.PairKey(k))
				return nil
			}
			if rec.LastAccess < cutoff.Unix() {
				keys = append(keys, kitchencache.PairKey(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Delete removes the record for key.
func (d *DB) Delete(key kitchencache.PairKey) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccess).Delete([]byte(key))
	})
}

// Len returns the number of tracked keys.
func (d *DB) Len() (int, error) {
	var n int
	err := d.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketAccess).Stats().KeyN
		return nil
	})
	return n, err
}
