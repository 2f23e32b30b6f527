// Package metadata keeps the per-emoji combination index that lets the
// resolver skip blind date probing. Each anchor emoji has one JSON document
// cached verbatim on disk; the parsed partner->date entries live in memory.
// Remote refreshes are best-effort and deduplicated per anchor.
package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	kitchencache "github.com/mixmoji/kitchen-cache"
	"github.com/mixmoji/kitchen-cache/registry"
	"github.com/mixmoji/kitchen-cache/telemetry"
	"github.com/mixmoji/kitchen-cache/upstream"
	"golang.org/x/sync/singleflight"
)

// DefaultFreshFor is how long a cached metadata document is considered
// fresh; older documents are eligible for refetch.
const DefaultFreshFor = 7 * 24 * time.Hour

// sampleAnchor is the well-populated anchor used for the startup date
// refresh; its document embeds essentially every release date.
const sampleAnchor = kitchencache.Codepoint("1f600")

// Index is the in-memory metadata index plus its on-disk document cache.
type Index struct {
	dir      string
	client   *upstream.Client
	registry *registry.Registry
	logger   *slog.Logger
	now      func() time.Time
	freshFor time.Duration

	mu      sync.RWMutex
	entries map[kitchencache.Codepoint]map[kitchencache.Codepoint]string

	group singleflight.Group
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger for the index.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Index) {
		i.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(i *Index) {
		i.now = now
	}
}

// WithFreshFor sets the document freshness window. Default 7 days.
func WithFreshFor(d time.Duration) Option {
	return func(i *Index) {
		if d > 0 {
			i.freshFor = d
		}
	}
}

// New creates an Index storing documents under dir, fetching through client,
// and feeding discovered dates into reg.
func New(dir string, client *upstream.Client, reg *registry.Registry, opts ...Option) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}
	i := &Index{
		dir:      dir,
		client:   client,
		registry: reg,
		logger:   slog.Default(),
		now:      time.Now,
		freshFor: DefaultFreshFor,
		entries:  make(map[kitchencache.Codepoint]map[kitchencache.Codepoint]string),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Load parses every persisted document into the in-memory index. Documents
// that fail to parse are skipped with a warning; Load itself never fails on
// content.
func (i *Index) Load() {
	files, err := filepath.Glob(filepath.Join(i.dir, "*.json"))
	if err != nil {
		i.logger.Warn("listing metadata documents failed", "dir", i.dir, "error", err)
		return
	}

	loaded := 0
	for _, f := range files {
		anchor := kitchencache.Codepoint(trimJSONExt(filepath.Base(f)))
		raw, err := os.ReadFile(f)
		if err != nil {
			i.logger.Warn("reading metadata document failed", "anchor", anchor, "error", err)
			continue
		}
		entry, _, err := parseDocument(raw)
		if err != nil {
			i.logger.Warn("skipping malformed metadata document", "anchor", anchor, "error", err)
			continue
		}
		if len(entry) == 0 {
			continue
		}
		i.mu.Lock()
		i.entries[anchor] = entry
		i.mu.Unlock()
		loaded++
	}

	if loaded > 0 {
		i.logger.Info("metadata index loaded", "anchors", loaded)
	}
}

// Lookup returns the known release date for the pair, trying both
// directions: a's entry for b, then b's entry for a. Metadata is sparse and
// asymmetric, so a single direction is not conclusive.
func (i *Index) Lookup(a, b kitchencache.Codepoint) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if date, ok := i.entries[a][b]; ok {
		return date, true
	}
	if date, ok := i.entries[b][a]; ok {
		return date, true
	}
	return "", false
}

// NeedsRefresh reports whether the document for anchor is absent or older
// than the freshness window.
func (i *Index) NeedsRefresh(anchor kitchencache.Codepoint) bool {
	info, err := os.Stat(i.documentPath(anchor))
	if err != nil {
		return true
	}
	return i.now().Sub(info.ModTime()) > i.freshFor
}

// FetchAndCache retrieves the remote metadata document for anchor, persists
// it verbatim, replaces the anchor's in-memory entry, and merges any
// embedded dates into the date registry. Concurrent calls for the same
// anchor collapse into one fetch. Failures are logged and absorbed; the
// caller only ever observes "index updated or not".
func (i *Index) FetchAndCache(ctx context.Context, anchor kitchencache.Codepoint) {
	_, _, _ = i.group.Do(string(anchor), func() (any, error) {
		i.fetchAndCache(ctx, anchor)
		return nil, nil
	})
}

func (i *Index) fetchAndCache(ctx context.Context, anchor kitchencache.Codepoint) {
	raw, err := i.client.FetchMetadata(ctx, i.client.MetadataURL(anchor))
	if err != nil {
		i.logger.Debug("metadata fetch failed", "anchor", anchor, "error", err)
		return
	}

	entry, dates, err := parseDocument(raw)
	if err != nil {
		i.logger.Debug("metadata parse failed", "anchor", anchor, "error", err)
		return
	}

	// Persist the document verbatim; a write failure costs only a refetch.
	if err := i.persistDocument(anchor, raw); err != nil {
		i.logger.Warn("persisting metadata document failed", "anchor", anchor, "error", err)
	} else {
		telemetry.RecordCacheOp(ctx, "metadata", "write")
	}

	if len(entry) > 0 {
		i.mu.Lock()
		i.entries[anchor] = entry
		i.mu.Unlock()
	}

	if len(dates) > 0 {
		i.registry.Merge(dates)
	}
}

// RefreshDates fetches the sample metadata document once and merges its
// embedded dates into the registry. Intended as a non-blocking startup
// task; failure is logged and simply retried on the next process start.
func (i *Index) RefreshDates(ctx context.Context) {
	raw, err := i.client.FetchMetadata(ctx, i.client.MetadataURL(sampleAnchor))
	if err != nil {
		i.logger.Warn("remote date refresh failed", "error", err)
		return
	}
	_, dates, err := parseDocument(raw)
	if err != nil {
		i.logger.Warn("remote date refresh parse failed", "error", err)
		return
	}
	if len(dates) > 0 {
		i.registry.Merge(dates)
		i.logger.Info("remote date refresh complete", "dates", i.registry.Len())
	}
}

func (i *Index) documentPath(anchor kitchencache.Codepoint) string {
	return filepath.Join(i.dir, string(anchor)+".json")
}

func (i *Index) persistDocument(anchor kitchencache.Codepoint, raw []byte) error {
	tmp, err := os.CreateTemp(i.dir, ".tmp-meta-*")
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

	if _, err := tmp.Write(raw); err != nil {
		return fmt.Errorf("writing document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, i.documentPath(anchor)); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

func trimJSONExt(name string) string {
	return name[:len(name)-len(".json")]
}
