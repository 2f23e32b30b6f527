// Package registry maintains the ranked list of known Emoji Kitchen release
// dates. Dates are opaque 8-digit tokens ordered lexicographically (which
// coincides with chronological order), kept newest-first so probing fails
// fast. The set only ever grows: merges union new dates into both the
// in-memory list and the persisted cache file.
package registry

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// baselineDates is the compiled-in floor of known release dates. The
// persisted cache and remote metadata only ever add to this list.
var baselineDates = []string{
	"20251029", "20250501", "20250430", "20250204", "20250130",
	"20241023", "20241021", "20240610", "20240530", "20240214",
	"20240206", "20231128", "20231113", "20230821", "20230818",
	"20230803", "20230426", "20230418", "20230301", "20230216",
	"20230127", "20230126", "20221107", "20221101", "20220815",
	"20220506", "20220406", "20220203", "20220110", "20211115",
	"20210831", "20210521", "20210218", "20201001",
}

// Registry is the single source of truth for which release dates to probe.
type Registry struct {
	cachePath string
	logger    *slog.Logger

	mu    sync.RWMutex
	dates []string // descending
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates a Registry persisting its date cache at cachePath and seeds it
// from the compiled-in baseline, the persisted cache file (if readable), and
// extraDates, a newline-separated list of user-supplied 8-digit dates.
// Malformed cache content and malformed extra lines are dropped, never fatal.
func New(cachePath string, extraDates string, opts ...Option) *Registry {
	r := &Registry{
		cachePath: cachePath,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	set := make(map[string]struct{}, len(baselineDates))
	for _, d := range baselineDates {
		set[d] = struct{}{}
	}

	if cached, err := readDateFile(cachePath); err != nil {
		r.logger.Warn("ignoring unreadable date cache", "path", cachePath, "error", err)
	} else {
		for _, d := range cached {
			if ValidDate(d) {
				set[d] = struct{}{}
			}
		}
	}

	for _, line := range strings.Split(extraDates, "\n") {
		line = strings.TrimSpace(line)
		if ValidDate(line) {
			set[line] = struct{}{}
		}
	}

	r.dates = sortedDescending(set)
	return r
}

// Dates returns the known release dates, newest first.
func (r *Registry) Dates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.dates))
	copy(out, r.dates)
	return out
}

// Len returns the number of known dates.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dates)
}

// Fingerprint returns a short deterministic digest over the full sorted date
// list. It is used to invalidate negative cache records when new dates become
// known; it has no security purpose.
func (r *Registry) Fingerprint() string {
	r.mu.RLock()
	joined := strings.Join(r.dates, ",")
	r.mu.RUnlock()

	sum := blake3.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:4])
}

// Merge unions newDates into the registry, persists the merged list, and
// reloads the in-memory order. Invalid tokens are dropped. Merging is
// idempotent; the set never shrinks. Persistence failure is logged, the
// in-memory merge still takes effect.
func (r *Registry) Merge(newDates []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := make(map[string]struct{}, len(r.dates)+len(newDates))
	for _, d := range r.dates {
		set[d] = struct{}{}
	}
	added := 0
	for _, d := range newDates {
		if !ValidDate(d) {
			continue
		}
		if _, ok := set[d]; !ok {
			set[d] = struct{}{}
			added++
		}
	}
	if added == 0 {
		return
	}

	r.dates = sortedDescending(set)

	if err := r.persistLocked(); err != nil {
		r.logger.Warn("persisting date cache failed", "path", r.cachePath, "error", err)
	} else {
		r.logger.Info("date registry updated", "added", added, "total", len(r.dates))
	}
}

// persistLocked writes the current date list as a JSON array using the
// temp-file-and-rename pattern so readers never observe a partial file.
func (r *Registry) persistLocked() error {
	data, err := json.Marshal(r.dates)
	if err != nil {
		return fmt.Errorf("encoding dates: %w", err)
	}

	dir := filepath.Dir(r.cachePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-dates-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing dates: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.cachePath); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// ValidDate reports whether s is an 8-digit date token (YYYYMMDD).
func ValidDate(s string) bool {
	if len(s) != 8 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func readDateFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dates []string
	if err := json.Unmarshal(data, &dates); err != nil {
		return nil, fmt.Errorf("decoding date cache: %w", err)
	}
	return dates, nil
}

func sortedDescending(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out
}
