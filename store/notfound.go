package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	kitchencache "github.com/mixmoji/kitchen-cache"
)

// DefaultNotFoundTTL is how long a confirmed-absent record stays valid.
const DefaultNotFoundTTL = 7 * 24 * time.Hour

// NotFoundRecord marks one pair as confirmed absent as of a registry state.
type NotFoundRecord struct {
	// Timestamp is when absence was determined (unix seconds).
	Timestamp int64 `json:"timestamp"`
	// DatesTried is how many release dates the determining probe covered.
	DatesTried int `json:"dates_tried"`
	// Fingerprint is the date-registry fingerprint at determination time.
	// Any registry growth changes the fingerprint and implicitly
	// invalidates the record.
	Fingerprint string `json:"fingerprint"`
}

// NotFound is the persistent negative cache. Records self-invalidate on read
// when expired or written against a different registry fingerprint; invalid
// and corrupt records are deleted eagerly.
type NotFound struct {
	dir         string
	ttl         time.Duration
	fingerprint func() string
	logger      *slog.Logger
	now         func() time.Time
}

// NotFoundOption configures the negative store.
type NotFoundOption func(*NotFound)

// WithTTL sets the record TTL. Default 7 days.
func WithTTL(ttl time.Duration) NotFoundOption {
	return func(s *NotFound) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) NotFoundOption {
	return func(s *NotFound) {
		s.logger = logger
	}
}

// WithNow sets the time source for testing.
func WithNow(now func() time.Time) NotFoundOption {
	return func(s *NotFound) {
		s.now = now
	}
}

// NewNotFound creates the negative store rooted at dir. fingerprint supplies
// the current date-registry fingerprint and is consulted on every read.
func NewNotFound(dir string, fingerprint func() string, opts ...NotFoundOption) (*NotFound, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating notfound directory: %w", err)
	}
	s := &NotFound{
		dir:         dir,
		ttl:         DefaultNotFoundTTL,
		fingerprint: fingerprint,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *NotFound) path(key kitchencache.PairKey) string {
	return filepath.Join(s.dir, key.String()+".json")
}

// IsNotFound reports whether key has a valid confirmed-absent record.
// Expired records, records written against a different registry fingerprint,
// and corrupt records are deleted and reported absent.
func (s *NotFound) IsNotFound(key kitchencache.PairKey) bool {
	path := s.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	var rec NotFoundRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Debug("dropping corrupt notfound record", "key", key, "error", err)
		_ = os.Remove(path)
		return false
	}

	if s.now().Unix()-rec.Timestamp > int64(s.ttl/time.Second) {
		_ = os.Remove(path)
		return false
	}
	if rec.Fingerprint != s.fingerprint() {
		_ = os.Remove(path)
		return false
	}
	return true
}

// Put records key as confirmed absent after a probe covering datesTried
// dates. Write failures are logged, not raised: a lost negative record only
// costs a future re-probe.
func (s *NotFound) Put(key kitchencache.PairKey, datesTried int) {
	rec := NotFoundRecord{
		Timestamp:   s.now().Unix(),
		DatesTried:  datesTried,
		Fingerprint: s.fingerprint(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("encoding notfound record failed", "key", key, "error", err)
		return
	}
	if err := os.WriteFile(s.path(key), data, 0644); err != nil {
		s.logger.Warn("writing notfound record failed", "key", key, "error", err)
	}
}

// Delete removes the record for key, if any.
func (s *NotFound) Delete(key kitchencache.PairKey) {
	_ = os.Remove(s.path(key))
}

// Sweep deletes records on disk whose timestamp is older than the TTL.
// It returns the number removed. Used by the background expiry manager;
// reads already self-invalidate, this just reclaims disk.
func (s *NotFound) Sweep() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	cutoff := s.now().Add(-s.ttl).Unix()
	removed := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec NotFoundRecord
		if err := json.Unmarshal(data, &rec); err != nil || rec.Timestamp < cutoff {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed
}
