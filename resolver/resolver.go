// Package resolver implements the three-stage resolution engine: exact
// metadata lookup, on-demand metadata refresh, then newest-first date
// probing. It owns the per-pair serialization, the double-checked cache
// reads, rate-limit propagation, and the decision of when a miss is durable
// enough to cache negatively.
package resolver

import (
	"context"
	"log/slog"
	"time"

	kitchencache "github.com/mixmoji/kitchen-cache"
	"github.com/mixmoji/kitchen-cache/keylock"
	"github.com/mixmoji/kitchen-cache/metadata"
	"github.com/mixmoji/kitchen-cache/registry"
	"github.com/mixmoji/kitchen-cache/store"
	"github.com/mixmoji/kitchen-cache/store/accessdb"
	"github.com/mixmoji/kitchen-cache/telemetry"
	"github.com/mixmoji/kitchen-cache/upstream"
)

// DefaultMaxProbeDates bounds how many registry dates the fallback probe
// scans per resolution.
const DefaultMaxProbeDates = 10

// status is the internal outcome of one resolution stage.
type status int

const (
	statusMiss status = iota
	statusHit
	statusRateLimited
)

// Config wires the resolver's collaborators. Client, Index, Registry,
// Images, NotFound and Locks are required; Access is optional.
type Config struct {
	Client   *upstream.Client
	Index    *metadata.Index
	Registry *registry.Registry
	Images   *store.Images
	NotFound *store.NotFound
	Locks    *keylock.Table

	// Access optionally records serves for idle-based cache expiry.
	Access *accessdb.DB

	// MaxProbeDates is the probe limit for the fallback stage. Default 10.
	MaxProbeDates int

	// Logger for resolution events.
	Logger *slog.Logger
}

// Resolver resolves emoji pairs to cached combination images.
type Resolver struct {
	client   *upstream.Client
	index    *metadata.Index
	registry *registry.Registry
	images   *store.Images
	notfound *store.NotFound
	locks    *keylock.Table
	access   *accessdb.DB

	maxProbeDates int
	logger        *slog.Logger
}

// New creates a Resolver from cfg, applying defaults for zero fields.
func New(cfg Config) *Resolver {
	if cfg.MaxProbeDates <= 0 {
		cfg.MaxProbeDates = DefaultMaxProbeDates
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		client:        cfg.Client,
		index:         cfg.Index,
		registry:      cfg.Registry,
		images:        cfg.Images,
		notfound:      cfg.NotFound,
		locks:         cfg.Locks,
		access:        cfg.Access,
		maxProbeDates: cfg.MaxProbeDates,
		logger:        cfg.Logger,
	}
}

// Resolve answers the point query for one emoji pair. It returns the
// filesystem path of the validated PNG and true on a hit, or "" and false
// on a miss. The result is total: rate limits, upstream failures and
// persistence failures all surface as a plain miss, never as an error.
func (r *Resolver) Resolve(ctx context.Context, a, b kitchencache.Codepoint) (string, bool) {
	key := kitchencache.PairKeyOf(a, b)
	start := time.Now()

	// Fast path before taking the pair lock.
	if path := r.cachedHit(ctx, key); path != "" {
		telemetry.RecordResolve(ctx, "hit", "cache", time.Since(start))
		return path, true
	}
	if r.notfound.IsNotFound(key) {
		telemetry.RecordCacheOp(ctx, "notfound", "hit")
		telemetry.RecordResolve(ctx, "miss", "negative", time.Since(start))
		return "", false
	}

	release, err := r.locks.Acquire(ctx, key)
	if err != nil {
		return "", false
	}
	defer release()

	// Double-checked: the first caller through the lock may have already
	// settled this pair.
	if path := r.cachedHit(ctx, key); path != "" {
		telemetry.RecordResolve(ctx, "hit", "cache", time.Since(start))
		return path, true
	}
	if r.notfound.IsNotFound(key) {
		telemetry.RecordCacheOp(ctx, "notfound", "hit")
		telemetry.RecordResolve(ctx, "miss", "negative", time.Since(start))
		return "", false
	}

	path, st, stage := r.fetch(ctx, a, b, key)

	outcome := "miss"
	switch st {
	case statusHit:
		outcome = "hit"
	case statusRateLimited:
		outcome = "rate_limited"
	}
	telemetry.RecordResolve(ctx, outcome, stage, time.Since(start))

	if st == statusHit {
		r.touch(key)
		return path, true
	}
	return "", false
}

// cachedHit returns the cached image path for key, recording the access.
func (r *Resolver) cachedHit(ctx context.Context, key kitchencache.PairKey) string {
	path := r.images.Get(key)
	if path == "" {
		return ""
	}
	telemetry.RecordCacheOp(ctx, "image", "hit")
	r.touch(key)
	return path
}

func (r *Resolver) touch(key kitchencache.PairKey) {
	if r.access == nil {
		return
	}
	if err := r.access.Touch(key); err != nil {
		r.logger.Debug("access tracking failed", "key", key, "error", err)
	}
}

// fetch runs the three-stage strategy for a cold pair. The caller holds the
// pair lock.
func (r *Resolver) fetch(ctx context.Context, a, b kitchencache.Codepoint, key kitchencache.PairKey) (string, status, string) {
	// Stage 1: exact lookup against the loaded metadata index.
	if date, ok := r.index.Lookup(a, b); ok {
		path, st := r.tryExactDate(ctx, a, b, date, key)
		if st != statusMiss {
			return path, st, "exact"
		}
	}

	// Stage 2: refresh stale or missing metadata for both anchors, then
	// retry the exact lookup once.
	fetchedNew := false
	for _, cp := range []kitchencache.Codepoint{a, b} {
		if r.index.NeedsRefresh(cp) {
			r.index.FetchAndCache(ctx, cp)
			fetchedNew = true
		}
	}
	if fetchedNew {
		if date, ok := r.index.Lookup(a, b); ok {
			path, st := r.tryExactDate(ctx, a, b, date, key)
			if st != statusMiss {
				return path, st, "metadata"
			}
		}
	}

	// Stage 3: fall back to newest-first date probing.
	path, st := r.probeDates(ctx, a, b, key)
	return path, st, "probe"
}

// tryExactDate races both directional URLs for one known date. The first
// validated payload wins and is persisted; a rate limit on either direction
// aborts immediately. Ordinary failures and 404s just leave this stage a
// miss.
func (r *Resolver) tryExactDate(ctx context.Context, a, b kitchencache.Codepoint, date string, key kitchencache.PairKey) (string, status) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	urls := r.client.ImageURLs(a, b, date)
	results := make(chan upstream.Outcome, len(urls))
	for _, url := range urls {
		go func(url string) {
			results <- r.client.FetchImage(ctx, url)
		}(url)
	}

	for range urls {
		out := <-results
		switch out.Kind {
		case upstream.OutcomeBytes:
			path, err := r.images.PutAtomic(key, out.Data)
			if err != nil {
				// No stable path to hand out.
				r.logger.Warn("image cache write failed", "key", key, "error", err)
				telemetry.RecordCacheOp(ctx, "image", "write_error")
				return "", statusMiss
			}
			telemetry.RecordCacheOp(ctx, "image", "write")
			return path, statusHit
		case upstream.OutcomeRateLimited:
			return "", statusRateLimited
		}
	}
	return "", statusMiss
}

// probeDates scans the top of the date registry newest-first. Within one
// date both directions are fetched concurrently and BOTH outcomes are
// awaited, so a rate limit on either URL is observed before the next date.
// A negative record is written only when every probed date 404ed on both
// directions, nothing errored, and the probe covered the entire registry.
func (r *Resolver) probeDates(ctx context.Context, a, b kitchencache.Codepoint, key kitchencache.PairKey) (string, status) {
	dates := r.registry.Dates()
	limit := r.maxProbeDates
	if limit > len(dates) {
		limit = len(dates)
	}
	probe := dates[:limit]
	if len(probe) == 0 {
		r.logger.Warn("date registry empty, cannot probe")
		return "", statusMiss
	}

	all404 := true
	hasError := false
	probed := 0

	for _, date := range probe {
		urls := r.client.ImageURLs(a, b, date)
		results := make(chan upstream.Outcome, len(urls))
		for _, url := range urls {
			go func(url string) {
				results <- r.client.FetchImage(ctx, url)
			}(url)
		}

		var found []byte
		rateLimited := false
		for range urls {
			out := <-results
			switch out.Kind {
			case upstream.OutcomeBytes:
				found = out.Data
			case upstream.OutcomeRateLimited:
				all404 = false
				hasError = true
				rateLimited = true
			case upstream.OutcomeFailed:
				all404 = false
				hasError = true
			}
		}
		probed++

		if found != nil {
			telemetry.RecordProbeDepth(ctx, probed)
			path, err := r.images.PutAtomic(key, found)
			if err != nil {
				r.logger.Warn("image cache write failed", "key", key, "error", err)
				telemetry.RecordCacheOp(ctx, "image", "write_error")
				return "", statusMiss
			}
			telemetry.RecordCacheOp(ctx, "image", "write")
			return path, statusHit
		}
		if rateLimited {
			telemetry.RecordProbeDepth(ctx, probed)
			return "", statusRateLimited
		}
	}

	telemetry.RecordProbeDepth(ctx, probed)

	switch {
	case all404 && !hasError && r.maxProbeDates >= r.registry.Len():
		// Durable miss: the probe covered the whole registry cleanly.
		r.notfound.Put(key, len(probe))
		telemetry.RecordCacheOp(ctx, "notfound", "write")
		r.logger.Info("combination confirmed absent", "key", key, "dates_tried", len(probe))
	case hasError:
		r.logger.Info("probe saw errors, miss not cached", "key", key)
	default:
		r.logger.Info("probe inconclusive, registry not fully covered",
			"key", key, "probed", len(probe), "registry", r.registry.Len())
	}
	return "", statusMiss
}
