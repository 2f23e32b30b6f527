// Package server provides the HTTP front end for the emoji combination
// cache: the pair resolution endpoint plus health, stats and metrics. It
// also owns construction of the resolution stack so the command line stays
// thin.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	kitchencache "github.com/mixmoji/kitchen-cache"
	"github.com/mixmoji/kitchen-cache/expiry"
	"github.com/mixmoji/kitchen-cache/keylock"
	"github.com/mixmoji/kitchen-cache/metadata"
	"github.com/mixmoji/kitchen-cache/registry"
	"github.com/mixmoji/kitchen-cache/resolver"
	"github.com/mixmoji/kitchen-cache/store"
	"github.com/mixmoji/kitchen-cache/store/accessdb"
	"github.com/mixmoji/kitchen-cache/telemetry"
	"github.com/mixmoji/kitchen-cache/upstream"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DataDir is the root path for all persistent state: images, negative
	// records, metadata documents, the date cache and the access database.
	DataDir string

	// CDNSource selects the CDN preset; CDNCustomURL applies when the
	// preset is "custom". See upstream.ResolveCDNBase.
	CDNSource    string
	CDNCustomURL string

	// GitHubProxySource selects the proxy preset for metadata fetches;
	// GitHubProxyCustomURL applies when the preset is "custom".
	GitHubProxySource    string
	GitHubProxyCustomURL string

	// ExtraDates is a newline-separated list of additional release dates
	// to seed the date registry with.
	ExtraDates string

	// MaxProbeDates bounds the fallback probe. Default 10.
	MaxProbeDates int

	// MaxConcurrentFetches bounds concurrent upstream calls. Default 4.
	MaxConcurrentFetches int64

	// RequestsPerSecond optionally spaces upstream calls. Zero disables.
	RequestsPerSecond float64

	// FetchTimeout is the per-upstream-request timeout. Default 10s.
	FetchTimeout time.Duration

	// NotFoundTTL is how long confirmed-absent records stay valid.
	// Default 7 days.
	NotFoundTTL time.Duration

	// MetadataFreshFor is how long cached metadata documents are fresh.
	// Default 7 days.
	MetadataFreshFor time.Duration

	// CacheIdleTTL is how long a cached image may go unserved before
	// expiry deletes it. Zero disables image expiry.
	CacheIdleTTL time.Duration

	// ExpiryCheckInterval is how often expiry sweeps run. Default 1 hour.
	ExpiryCheckInterval time.Duration

	// AuthToken, when set, requires Bearer token authentication on the
	// resolution and stats endpoints.
	AuthToken string

	// Logger for the server.
	Logger *slog.Logger
}

// Server is the HTTP server for the emoji combination cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	registry  *registry.Registry
	client    *upstream.Client
	index     *metadata.Index
	images    *store.Images
	notfound  *store.NotFound
	access    *accessdb.DB
	resolver  *resolver.Resolver
	expiryMgr *expiry.Manager
}

// New creates a server and its full resolution stack from cfg.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}

	reg := registry.New(
		filepath.Join(cfg.DataDir, "dates.json"),
		cfg.ExtraDates,
		registry.WithLogger(cfg.Logger.With("component", "registry")),
	)

	client := upstream.NewClient(upstream.Config{
		CDNBase:           upstream.ResolveCDNBase(cfg.CDNSource, cfg.CDNCustomURL),
		GitHubProxy:       upstream.ResolveGitHubProxy(cfg.GitHubProxySource, cfg.GitHubProxyCustomURL),
		Timeout:           cfg.FetchTimeout,
		MaxConcurrent:     cfg.MaxConcurrentFetches,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            cfg.Logger.With("component", "upstream"),
	})

	indexOpts := []metadata.Option{
		metadata.WithLogger(cfg.Logger.With("component", "metadata")),
	}
	if cfg.MetadataFreshFor > 0 {
		indexOpts = append(indexOpts, metadata.WithFreshFor(cfg.MetadataFreshFor))
	}
	index, err := metadata.New(filepath.Join(cfg.DataDir, "metadata"), client, reg, indexOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating metadata index: %w", err)
	}
	index.Load()

	images, err := store.NewImages(filepath.Join(cfg.DataDir, "images"))
	if err != nil {
		return nil, fmt.Errorf("creating image store: %w", err)
	}

	notfoundOpts := []store.NotFoundOption{
		store.WithLogger(cfg.Logger.With("component", "notfound")),
	}
	if cfg.NotFoundTTL > 0 {
		notfoundOpts = append(notfoundOpts, store.WithTTL(cfg.NotFoundTTL))
	}
	notfound, err := store.NewNotFound(filepath.Join(cfg.DataDir, "notfound"), reg.Fingerprint, notfoundOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating notfound store: %w", err)
	}

	access := accessdb.New(accessdb.WithLogger(cfg.Logger.With("component", "accessdb")))
	if err := access.Open(filepath.Join(cfg.DataDir, "access.db")); err != nil {
		return nil, fmt.Errorf("opening access db: %w", err)
	}

	res := resolver.New(resolver.Config{
		Client:        client,
		Index:         index,
		Registry:      reg,
		Images:        images,
		NotFound:      notfound,
		Locks:         keylock.New(keylock.DefaultCapacity),
		Access:        access,
		MaxProbeDates: cfg.MaxProbeDates,
		Logger:        cfg.Logger.With("component", "resolver"),
	})

	expiryMgr := expiry.NewManager(images, notfound, access, expiry.Config{
		IdleTTL:       cfg.CacheIdleTTL,
		CheckInterval: cfg.ExpiryCheckInterval,
		Logger:        cfg.Logger.With("component", "expiry"),
	})

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		registry:  reg,
		client:    client,
		index:     index,
		images:    images,
		notfound:  notfound,
		access:    access,
		resolver:  res,
		expiryMgr: expiryMgr,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Pair resolution. Path values may be codepoint strings ("1f600") or
	// literal emoji.
	mux.HandleFunc("GET /mix/{left}/{right}", s.handleMix)
}

// handleMix resolves one emoji pair and serves the combination PNG.
func (s *Server) handleMix(w http.ResponseWriter, r *http.Request) {
	left, err := kitchencache.ParseCodepoint(r.PathValue("left"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid left emoji")
		return
	}
	right, err := kitchencache.ParseCodepoint(r.PathValue("right"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid right emoji")
		return
	}

	path, ok := s.resolver.Resolve(r.Context(), left, right)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "combination not found")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeFile(w, r, path)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports cache and registry state.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	keys, err := s.images.Keys()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tracked, err := s.access.Len()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"cached_images":        len(keys),
		"tracked_keys":         tracked,
		"known_dates":          s.registry.Len(),
		"registry_fingerprint": s.registry.Fingerprint(),
	})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)

		telemetry.RecordHTTP(r.Context(), wrapped.status, duration)
	})
}

// Start starts the expiry manager, kicks off the background date refresh,
// and serves HTTP. It blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	s.expiryMgr.Start(context.Background())

	// Fold newly published release dates into the registry without
	// delaying startup.
	go s.index.RefreshDates(context.Background())

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and its background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.expiryMgr.Stop()
	s.client.Close()

	err := s.httpServer.Shutdown(ctx)
	if cerr := s.access.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the fully wrapped HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written. It preserves http.Flusher for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
