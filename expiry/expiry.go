// Package expiry reclaims disk from the image cache. Cached combination
// images never go stale upstream, so expiry is purely idle-based: images not
// served within the idle TTL are deleted, along with expired negative
// records. The access database drives the idle decision.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mixmoji/kitchen-cache/store"
	"github.com/mixmoji/kitchen-cache/store/accessdb"
)

// Config holds expiry configuration.
type Config struct {
	// IdleTTL is how long a cached image may go unserved before it is
	// deleted. Zero disables image expiry.
	IdleTTL time.Duration

	// CheckInterval is how often to run expiry checks. Default is 1 hour.
	CheckInterval time.Duration

	// Logger for expiry events.
	Logger *slog.Logger
}

// DefaultIdleTTL is the default idle window for cached images.
const DefaultIdleTTL = 30 * 24 * time.Hour

// Manager runs periodic expiry sweeps over the image cache and the negative
// records.
type Manager struct {
	config   Config
	images   *store.Images
	notfound *store.NotFound
	access   *accessdb.DB
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates an expiry manager over the given stores.
func NewManager(images *store.Images, notfound *store.NotFound, access *accessdb.DB, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		config:   cfg,
		images:   images,
		notfound: notfound,
		access:   access,
		logger:   cfg.Logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background expiry checks.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop stops background expiry checks and waits for the loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// Result describes one expiry sweep.
type Result struct {
	ImagesRemoved    int
	NegativesRemoved int
	Errors           int
	Duration         time.Duration
}

// RunOnce performs a single expiry sweep.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	start := m.now()
	result := &Result{}

	m.logger.Debug("starting expiry sweep")

	if m.config.IdleTTL > 0 {
		m.sweepIdleImages(result)
	}
	result.NegativesRemoved = m.notfound.Sweep()

	result.Duration = m.now().Sub(start)

	if result.ImagesRemoved > 0 || result.NegativesRemoved > 0 {
		m.logger.Info("expiry sweep complete",
			"images_removed", result.ImagesRemoved,
			"negatives_removed", result.NegativesRemoved,
			"errors", result.Errors,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("expiry sweep complete, nothing to remove")
	}
	return result
}

// sweepIdleImages deletes cached images idle past the TTL and retires their
// access records. Cached images the access database has never seen get a
// record now, so their idle clock starts instead of never expiring.
func (m *Manager) sweepIdleImages(result *Result) {
	cutoff := m.now().Add(-m.config.IdleTTL)

	idle, err := m.access.IdleBefore(cutoff)
	if err != nil {
		m.logger.Warn("listing idle images failed", "error", err)
		result.Errors++
		return
	}
	for _, key := range idle {
		if err := m.images.Delete(key); err != nil {
			m.logger.Warn("deleting idle image failed", "key", key, "error", err)
			result.Errors++
			continue
		}
		if err := m.access.Delete(key); err != nil {
			m.logger.Warn("deleting access record failed", "key", key, "error", err)
			result.Errors++
			continue
		}
		result.ImagesRemoved++
	}

	keys, err := m.images.Keys()
	if err != nil {
		m.logger.Warn("listing image cache failed", "error", err)
		result.Errors++
		return
	}
	for _, key := range keys {
		_, tracked, err := m.access.Get(key)
		if err != nil || tracked {
			continue
		}
		if err := m.access.Touch(key); err != nil {
			m.logger.Debug("seeding access record failed", "key", key, "error", err)
		}
	}
}
