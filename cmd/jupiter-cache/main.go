// Command jupiter-cache is a CLI for a Jupiter derived-data cache service.
// It can probe a service, and store, fetch, check, and remove cache entries
// keyed by name.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/jupiter-cache/store"
	"github.com/wolfeidau/jupiter-cache/telemetry"
)

var version = "dev"

type cli struct {
	ServiceURL string `help:"Base URL of the Jupiter service." required:"" env:"JUPITER_SERVICE_URL"`
	Namespace  string `help:"Cache namespace." required:"" env:"JUPITER_NAMESPACE"`
	Bucket     string `help:"Bucket for named entries." default:"default" env:"JUPITER_BUCKET"`

	OAuthProvider string `help:"OAuth token endpoint URL." env:"JUPITER_OAUTH_PROVIDER"`
	OAuthClientID string `help:"OAuth client id." env:"JUPITER_OAUTH_CLIENT_ID"`
	OAuthSecret   string `help:"OAuth client secret, or a file:// path to read it from." env:"JUPITER_OAUTH_SECRET"`
	OAuthScope    string `help:"OAuth scope." env:"JUPITER_OAUTH_SCOPE"`

	ResolveCanonicalName bool   `help:"Pin the service host to its DNS canonical name at startup."`
	ReadOnly             bool   `help:"Disable all writes."`
	LogLevel             string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat            string `help:"Log format." enum:"text,json" default:"text"`
	OTLPEndpoint         string `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Health  healthCmd  `cmd:"" help:"Probe the service and report whether it is usable."`
	PutFile putFileCmd `cmd:"" help:"Store a file under a cache key."`
	GetFile getFileCmd `cmd:"" help:"Fetch a cache entry to a file or stdout."`
	Exists  existsCmd  `cmd:"" help:"Check which cache keys exist."`
	Remove  removeCmd  `cmd:"" help:"Remove a cache entry."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

type runEnv struct {
	ctx    context.Context
	store  *store.CacheStore
	logger *slog.Logger
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("jupiter-cache"),
		kong.Description("Client for a Jupiter derived-data cache service."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, &flags, kctx)
	kctx.FatalIfErrorf(err)
}

func run(ctx context.Context, flags *cli, kctx *kong.Context) error {
	logger, err := newLogger(flags)
	if err != nil {
		return err
	}

	if flags.OTLPEndpoint != "" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:    "jupiter-cache",
			ServiceVersion: version,
			OTLPEndpoint:   flags.OTLPEndpoint,
		})
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("flushing metrics", "error", err)
			}
		}()
	}

	s, err := store.New(ctx, store.Config{
		ServiceURL:               flags.ServiceURL,
		Namespace:                flags.Namespace,
		DefaultBucket:            flags.Bucket,
		OAuthProvider:            flags.OAuthProvider,
		OAuthClientID:            flags.OAuthClientID,
		OAuthSecret:              flags.OAuthSecret,
		OAuthScope:               flags.OAuthScope,
		ResolveHostCanonicalName: flags.ResolveCanonicalName,
		ReadOnly:                 flags.ReadOnly,
		Logger:                   logger,
	})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", flags.ServiceURL, err)
	}
	defer s.Close()

	return kctx.Run(&runEnv{ctx: ctx, store: s, logger: logger})
}

func newLogger(flags *cli) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flags.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", flags.LogLevel, err)
	}

	var handler slog.Handler
	switch flags.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	return slog.New(handler), nil
}

type healthCmd struct{}

func (c *healthCmd) Run(env *runEnv) error {
	if !env.store.IsUsable() {
		return fmt.Errorf("service %s is not usable", env.store.Name())
	}
	fmt.Printf("%s is healthy\n", env.store.Name())
	return nil
}

type putFileCmd struct {
	Key  string `arg:"" help:"Cache key to store under."`
	Path string `arg:"" type:"existingfile" help:"File to store."`
}

func (c *putFileCmd) Run(env *runEnv) error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := env.store.PutCachedData(env.ctx, c.Key, data); err != nil {
		return fmt.Errorf("storing %s: %w", c.Key, err)
	}

	env.logger.Info("stored", "key", c.Key, "bytes", len(data), "duration", time.Since(start))
	return nil
}

type getFileCmd struct {
	Key    string `arg:"" help:"Cache key to fetch."`
	Output string `short:"o" help:"Write the entry to this file instead of stdout."`
}

func (c *getFileCmd) Run(env *runEnv) error {
	start := time.Now()
	data, err := env.store.GetCachedData(env.ctx, c.Key)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s not found", c.Key)
	}
	if err != nil {
		return fmt.Errorf("fetching %s: %w", c.Key, err)
	}

	env.logger.Info("fetched", "key", c.Key, "bytes", len(data), "duration", time.Since(start))

	if c.Output == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(c.Output, data, 0o644)
}

type existsCmd struct {
	Keys []string `arg:"" help:"Cache keys to check."`
}

func (c *existsCmd) Run(env *runEnv) error {
	results := env.store.CachedDataProbablyExistsBatch(env.ctx, c.Keys)

	missing := 0
	for i, key := range c.Keys {
		state := "present"
		if !results[i] {
			state = "missing"
			missing++
		}
		fmt.Printf("%s\t%s\n", key, state)
	}

	if missing > 0 {
		return fmt.Errorf("%d of %d keys missing", missing, len(c.Keys))
	}
	return nil
}

type removeCmd struct {
	Key       string `arg:"" help:"Cache key to remove."`
	Transient bool   `help:"Treat the entry as transient and skip the remote delete."`
}

func (c *removeCmd) Run(env *runEnv) error {
	if err := env.store.RemoveCachedData(env.ctx, c.Key, c.Transient); err != nil {
		return fmt.Errorf("removing %s: %w", c.Key, err)
	}
	env.logger.Info("removed", "key", c.Key, "transient", c.Transient)
	return nil
}
