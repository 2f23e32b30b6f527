// Package upstream is the single point of contact with the Emoji Kitchen CDN
// and the GitHub-hosted metadata mirror. It owns the shared HTTP client, the
// global outbound-concurrency throttle, and the tagged fetch outcome the
// resolution engine switches on.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mixmoji/kitchen-cache/telemetry"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the per-request timeout for upstream calls.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxConcurrent bounds concurrent outbound calls across all
	// pairs and probe attempts.
	DefaultMaxConcurrent = 4
)

// pngMagic is the first four bytes of every valid PNG stream. Responses that
// carry a 200 status but fail this check are HTML error pages in disguise.
var pngMagic = []byte("\x89PNG")

// Outcome is the tagged result of one image fetch. Exactly one of the four
// kinds applies; Data is set only for OutcomeBytes and Err only for
// OutcomeFailed.
type Outcome struct {
	Kind OutcomeKind
	Data []byte
	Err  error
}

// OutcomeKind discriminates fetch outcomes.
type OutcomeKind int

const (
	// OutcomeBytes is a validated PNG payload.
	OutcomeBytes OutcomeKind = iota
	// OutcomeAbsent is an upstream 404: the combination does not exist at
	// the requested date. Benign.
	OutcomeAbsent
	// OutcomeRateLimited is an upstream 429. The caller must stop all
	// remaining work for the current pair.
	OutcomeRateLimited
	// OutcomeFailed covers server errors, malformed payloads, transport
	// failures and cancellation. Err carries the cause.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeBytes:
		return "bytes"
	case OutcomeAbsent:
		return "absent"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds the resolved upstream configuration. Values are validated
// once at construction; there is no per-call fallback logic.
type Config struct {
	// CDNBase is the Emoji Kitchen CDN base URL (already resolved from
	// presets, see ResolveCDNBase).
	CDNBase string

	// GitHubProxy optionally prefixes raw.githubusercontent metadata URLs.
	// Empty means direct.
	GitHubProxy string

	// Timeout is the per-request timeout. Default 10s.
	Timeout time.Duration

	// MaxConcurrent bounds concurrent outbound calls. Default 4.
	MaxConcurrent int64

	// RequestsPerSecond optionally spaces outbound calls. Zero disables
	// the ceiling; the throttle alone bounds concurrency.
	RequestsPerSecond float64

	// Logger for upstream events.
	Logger *slog.Logger
}

// Client performs throttled GETs against the CDN and the metadata mirror.
// The underlying HTTP client is built lazily and shared process-wide.
type Client struct {
	cdnBase      string
	metadataBase string
	githubProxy  string
	timeout      time.Duration
	logger       *slog.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	httpOnce sync.Once
	http     *http.Client
}

// NewClient creates an upstream client from cfg, applying defaults for any
// zero field.
func NewClient(cfg Config) *Client {
	if cfg.CDNBase == "" {
		cfg.CDNBase = DefaultCDNBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		cdnBase:      strings.TrimRight(cfg.CDNBase, "/"),
		metadataBase: metadataRawBase,
		githubProxy:  strings.TrimRight(cfg.GitHubProxy, "/"),
		timeout:      cfg.Timeout,
		logger:       cfg.Logger,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrent),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// httpClient returns the shared HTTP client, constructing it on first use.
func (c *Client) httpClient() *http.Client {
	c.httpOnce.Do(func() {
		c.http = &http.Client{
			Timeout: c.timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	})
	return c.http
}

// Close releases idle upstream connections.
func (c *Client) Close() {
	if c.http != nil {
		c.http.CloseIdleConnections()
	}
}

// acquire takes one throttle slot (and a rate token when a ceiling is
// configured). The returned release must be called on every path.
func (c *Client) acquire(ctx context.Context) (release func(), err error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.sem.Release(1)
			return nil, err
		}
	}
	return func() { c.sem.Release(1) }, nil
}

// FetchImage GETs one CDN image URL through the throttle and classifies the
// response. 404 is absent, 429 is rate-limited, any other non-200 or a
// payload without the PNG magic is a failure. Context cancellation surfaces
// as a failure carrying the context error.
func (c *Client) FetchImage(ctx context.Context, url string) Outcome {
	release, err := c.acquire(ctx)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	defer release()

	start := time.Now()
	out := c.fetchImage(ctx, url)
	telemetry.RecordUpstreamFetch(ctx, "cdn", out.Kind.String(), time.Since(start))
	return out
}

func (c *Client) fetchImage(ctx context.Context, url string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Outcome{Kind: OutcomeAbsent}
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn("cdn rate limit", "url", url)
		return Outcome{Kind: OutcomeRateLimited}
	case resp.StatusCode != http.StatusOK:
		c.logger.Warn("cdn unexpected status", "status", resp.StatusCode, "url", url)
		return Outcome{Kind: OutcomeFailed, Err: &StatusError{Status: resp.StatusCode, URL: url}}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	if !bytes.HasPrefix(data, pngMagic) {
		c.logger.Warn("cdn response is not a png", "url", url)
		return Outcome{Kind: OutcomeFailed, Err: &StatusError{Status: resp.StatusCode, URL: url, NotPNG: true}}
	}
	return Outcome{Kind: OutcomeBytes, Data: data}
}

// FetchMetadata GETs the raw combination metadata document for one anchor
// emoji through the throttle. Any non-200 status is an error; the body is
// returned verbatim for the caller to persist and parse.
func (c *Client) FetchMetadata(ctx context.Context, url string) ([]byte, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	data, err := c.fetchMetadata(ctx, url)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordUpstreamFetch(ctx, "metadata", outcome, time.Since(start))
	return data, err
}

func (c *Client) fetchMetadata(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode, URL: url}
	}
	return io.ReadAll(resp.Body)
}

// StatusError reports an unexpected upstream response.
type StatusError struct {
	Status int
	URL    string
	NotPNG bool
}

func (e *StatusError) Error() string {
	if e.NotPNG {
		return fmt.Sprintf("upstream returned non-PNG payload: %s", e.URL)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.URL)
}
