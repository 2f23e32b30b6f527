// Command kitchen-cache serves Google Emoji Kitchen combination images from
// a persistent local cache, resolving unknown pairs against the CDN on
// demand.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mixmoji/kitchen-cache/server"
	"github.com/mixmoji/kitchen-cache/telemetry"
)

var version = "dev"

var cli struct {
	Address string `help:"Address to listen on." default:":8080"`
	DataDir string `help:"Directory for all persistent state." default:"./data" type:"path"`

	CDNSource    string `help:"CDN preset: www.gstatic.cn, www.gstatic.com or custom." default:"www.gstatic.cn" name:"cdn-source"`
	CDNCustomURL string `help:"CDN base URL when --cdn-source=custom." name:"cdn-custom-url"`

	GithubProxySource    string `help:"GitHub proxy preset for metadata fetches: ghfast.top, gh-proxy.com, direct or custom." default:"ghfast.top"`
	GithubProxyCustomURL string `help:"Proxy base URL when --github-proxy-source=custom."`

	ExtraDates string `help:"Additional release dates (YYYYMMDD), comma separated."`

	MaxProbeDates        int           `help:"Release dates to probe per unresolved pair." default:"10"`
	MaxConcurrentFetches int64         `help:"Concurrent upstream fetch ceiling." default:"4"`
	RequestsPerSecond    float64       `help:"Upstream request rate ceiling, 0 to disable." default:"0"`
	FetchTimeout         time.Duration `help:"Per-upstream-request timeout." default:"10s"`

	NotFoundTTL      time.Duration `help:"How long confirmed-absent pairs stay cached." default:"168h"`
	MetadataFreshFor time.Duration `help:"How long cached metadata documents stay fresh." default:"168h"`
	CacheIdleTTL     time.Duration `help:"Delete cached images unserved for this long, 0 to disable." default:"720h"`
	ExpiryInterval   time.Duration `help:"How often expiry sweeps run." default:"1h"`

	AuthToken string `help:"Require this Bearer token on resolution and stats endpoints." env:"KITCHEN_CACHE_AUTH_TOKEN"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics."`

	LogLevel  string `help:"Log level: debug, info, warn, error." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format: text, json." default:"text" enum:"text,json"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("kitchen-cache"),
		kong.Description("Caching resolver for Emoji Kitchen combination images."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	logger := buildLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cli.OTLPEndpoint != "" || cli.Prometheus {
		shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "kitchen-cache",
			ServiceVersion:   version,
			OTLPEndpoint:     cli.OTLPEndpoint,
			EnablePrometheus: cli.Prometheus,
		})
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownMetrics(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()
	}

	srv, err := server.New(server.Config{
		Address:              cli.Address,
		DataDir:              cli.DataDir,
		CDNSource:            cli.CDNSource,
		CDNCustomURL:         cli.CDNCustomURL,
		GitHubProxySource:    cli.GithubProxySource,
		GitHubProxyCustomURL: cli.GithubProxyCustomURL,
		ExtraDates:           strings.ReplaceAll(cli.ExtraDates, ",", "\n"),
		MaxProbeDates:        cli.MaxProbeDates,
		MaxConcurrentFetches: cli.MaxConcurrentFetches,
		RequestsPerSecond:    cli.RequestsPerSecond,
		FetchTimeout:         cli.FetchTimeout,
		NotFoundTTL:          cli.NotFoundTTL,
		MetadataFreshFor:     cli.MetadataFreshFor,
		CacheIdleTTL:         cli.CacheIdleTTL,
		ExpiryCheckInterval:  cli.ExpiryInterval,
		AuthToken:            cli.AuthToken,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"mix_url", fmt.Sprintf("http://localhost%s/mix/{left}/{right}", srv.Address()),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger() *slog.Logger {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cli.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
