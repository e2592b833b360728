// Command mega-proxy serves metadata and streaming downloads for MEGA share
// links.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/Mrlabani/mega-proxy/cache"
	"github.com/Mrlabani/mega-proxy/cache/boltcache"
	"github.com/Mrlabani/mega-proxy/cache/rediscache"
	"github.com/Mrlabani/mega-proxy/credentials"
	"github.com/Mrlabani/mega-proxy/credentials/opprovider"
	"github.com/Mrlabani/mega-proxy/readiness"
	"github.com/Mrlabani/mega-proxy/resolver/mega"
	"github.com/Mrlabani/mega-proxy/server"
	"github.com/Mrlabani/mega-proxy/telemetry"
)

var version = "dev"

type cli struct {
	Port    string `help:"Port to listen on." default:"8080" env:"PORT"`
	Address string `help:"Full listen address; overrides --port." env:"LISTEN_ADDRESS"`

	CacheBackend     string        `help:"Metadata cache backend." enum:"redis,bolt" default:"redis" env:"CACHE_BACKEND"`
	RedisURL         string        `help:"Redis connection URL (redis:// or rediss://)." env:"REDIS_URL"`
	RedisUsername    string        `help:"Redis username; overrides the URL." env:"REDIS_USERNAME"`
	RedisPassword    string        `help:"Redis password; overrides the URL." env:"REDIS_PASSWORD"`
	RedisTLSInsecure bool          `help:"Skip certificate verification for rediss:// URLs." env:"REDIS_TLS_INSECURE"`
	BoltPath         string        `help:"Path of the embedded cache database." default:"./mega-proxy.db" env:"BOLT_PATH" type:"path"`
	ReapInterval     time.Duration `help:"How often expired embedded cache entries are removed." default:"5m" env:"REAP_INTERVAL"`
	CacheTTL         time.Duration `help:"Lifetime of cached sizes." default:"1h" env:"CACHE_TTL"`

	MegaAPIURL     string        `help:"MEGA API base URL." default:"${mega_api_url}" env:"MEGA_API_URL"`
	MegaSessionID  string        `help:"MEGA session id for authenticated requests." env:"MEGA_SESSION_ID"`
	ResolveTimeout time.Duration `help:"Bound on each metadata lookup (negative disables)." default:"30s" env:"RESOLVE_TIMEOUT"`

	WriteIdleTimeout time.Duration `help:"Bound on each chunk written to a download client." default:"2m" env:"WRITE_IDLE_TIMEOUT"`
	ReadyWait        time.Duration `help:"How long requests wait for a starting collaborator." default:"10s" env:"READY_WAIT"`
	ProbeMaxElapsed  time.Duration `help:"How long startup probes retry before giving up." default:"1m" env:"PROBE_MAX_ELAPSED"`
	ShutdownTimeout  time.Duration `help:"Grace period for in-flight requests on shutdown." default:"30s" env:"SHUTDOWN_TIMEOUT"`

	AuthToken       string `help:"Bearer token required on proxy routes." env:"AUTH_TOKEN"`
	CredentialsFile string `help:"Credentials template file." env:"CREDENTIALS_FILE" type:"path"`
	OPAccount       string `help:"1Password account for op:// references." env:"OP_ACCOUNT"`

	Metrics      bool          `help:"Expose Prometheus metrics on /metrics." default:"true" env:"METRICS_ENABLED" negatable:""`
	OTLPEndpoint string        `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsFlush time.Duration `help:"Metrics export interval." default:"10s" env:"METRICS_FLUSH_INTERVAL"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"LOG_FORMAT"`

	Version kong.VersionFlag `help:"Print the version and exit."`
}

func main() {
	loadDotEnv()

	var c cli
	kong.Parse(&c,
		kong.Name("mega-proxy"),
		kong.Description("HTTP proxy for MEGA share links."),
		kong.Vars{
			"version":      version,
			"mega_api_url": mega.DefaultAPIURL,
		},
	)

	if err := run(c); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadDotEnv loads .env when present so local runs pick up PORT and REDIS_URL.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	if err := godotenv.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: loading .env: %v\n", err)
	}
}

func newLogger(w io.Writer, format, levelName string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	switch format {
	case "text":
		return slog.New(tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}

func run(c cli) error {
	logger, err := newLogger(os.Stdout, c.LogFormat, c.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "mega-proxy",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Metrics,
		FlushInterval:    c.MetricsFlush,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("flushing metrics", "error", err)
		}
	}()

	if err := applyCredentials(ctx, &c, logger); err != nil {
		return err
	}

	store, reaper, err := openCache(c, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing cache", "error", err)
		}
	}()
	metaCache := cache.NewInstrumented(store, c.CacheBackend)

	client := mega.New(
		mega.WithAPIURL(c.MegaAPIURL),
		mega.WithSessionID(c.MegaSessionID),
		mega.WithLogger(logger.With("component", "mega")),
	)

	gates := server.Gates{
		Cache:    readiness.New("cache"),
		Resolver: readiness.New("resolver"),
	}

	srv, err := server.New(server.Config{
		Address:          listenAddress(c),
		AuthToken:        c.AuthToken,
		CacheTTL:         c.CacheTTL,
		ResolveTimeout:   c.ResolveTimeout,
		WriteIdleTimeout: c.WriteIdleTimeout,
		ReadyWait:        c.ReadyWait,
		Logger:           logger,
	}, metaCache, client, gates)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	probe := readiness.ProbeConfig{
		MaxElapsed: c.ProbeMaxElapsed,
		Logger:     logger.With("component", "readiness"),
	}
	// A failed probe keeps checking in the background so the gate recovers
	// once the collaborator comes back.
	g.Go(func() error {
		if err := readiness.Probe(gctx, gates.Cache, metaCache.Ping, probe); err != nil {
			logger.Error("cache did not become ready, bypassing it", "backend", c.CacheBackend, "error", err)
			_ = readiness.Rearm(gctx, gates.Cache, metaCache.Ping, probe)
		}
		return nil
	})
	g.Go(func() error {
		if err := readiness.Probe(gctx, gates.Resolver, client.Ping, probe); err != nil {
			logger.Error("mega api did not become ready", "error", err)
			_ = readiness.Rearm(gctx, gates.Resolver, client.Ping, probe)
		}
		return nil
	})

	if reaper != nil {
		g.Go(func() error {
			reaper.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "cause", context.Cause(gctx))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("mega-proxy started",
		"address", srv.Address(),
		"version", version,
		"cache", c.CacheBackend,
		"metrics", c.Metrics,
	)

	return g.Wait()
}

// applyCredentials overlays secrets from the credentials file onto the flags.
func applyCredentials(ctx context.Context, c *cli, logger *slog.Logger) error {
	if c.CredentialsFile == "" {
		return nil
	}

	opts := []credentials.ResolverOption{credentials.WithLogger(logger.With("component", "credentials"))}
	var opOpts []opprovider.Option
	if c.OPAccount != "" {
		opOpts = append(opOpts, opprovider.WithAccount(c.OPAccount))
	}
	opts = append(opts, opprovider.WithOnePassword(opOpts...))

	creds, err := credentials.NewResolver(opts...).ResolveFile(ctx, c.CredentialsFile)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}

	if creds.AuthToken != "" {
		c.AuthToken = creds.AuthToken
	}
	if creds.Cache != nil {
		if creds.Cache.URL != "" {
			c.RedisURL = creds.Cache.URL
		}
		if creds.Cache.Username != "" {
			c.RedisUsername = creds.Cache.Username
		}
		if creds.Cache.Password != "" {
			c.RedisPassword = creds.Cache.Password
		}
	}
	if creds.Mega != nil {
		if creds.Mega.APIURL != "" {
			c.MegaAPIURL = creds.Mega.APIURL
		}
		if creds.Mega.SessionID != "" {
			c.MegaSessionID = creds.Mega.SessionID
		}
	}
	return nil
}

// openCache opens the configured store. The bolt backend also returns its
// expiry reaper.
func openCache(c cli, logger *slog.Logger) (cache.Cache, *boltcache.Reaper, error) {
	switch c.CacheBackend {
	case "redis":
		store, err := rediscache.Open(c.RedisURL,
			rediscache.WithLogger(logger.With("component", "cache")),
			rediscache.WithCredentials(c.RedisUsername, c.RedisPassword),
			rediscache.WithTLSInsecure(c.RedisTLSInsecure),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("opening redis cache: %w", err)
		}
		return store, nil, nil
	case "bolt":
		store, err := boltcache.Open(c.BoltPath, boltcache.WithLogger(logger.With("component", "cache")))
		if err != nil {
			return nil, nil, err
		}
		reaper := boltcache.NewReaper(store,
			boltcache.WithReaperInterval(c.ReapInterval),
			boltcache.WithReaperLogger(logger.With("component", "reaper")),
		)
		return store, reaper, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend: %s", c.CacheBackend)
	}
}

func listenAddress(c cli) string {
	if c.Address != "" {
		return c.Address
	}
	return net.JoinHostPort("", c.Port)
}
