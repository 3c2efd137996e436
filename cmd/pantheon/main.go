// Pantheon orchestrator server. Wires the message bus, provider
// gateway, swarm coordinator, and HTTP API into one process.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/pantheon-agents/pantheon/pkg/api"
	"github.com/pantheon-agents/pantheon/pkg/bus"
	"github.com/pantheon-agents/pantheon/pkg/config"
	"github.com/pantheon-agents/pantheon/pkg/gateway"
	"github.com/pantheon-agents/pantheon/pkg/ratelimit"
	"github.com/pantheon-agents/pantheon/pkg/resilience"
	"github.com/pantheon-agents/pantheon/pkg/store"
	"github.com/pantheon-agents/pantheon/pkg/swarm"
	"github.com/pantheon-agents/pantheon/pkg/telemetry"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})))
}

func main() {
	configPath := flag.String("config",
		getEnv("PANTHEON_CONFIG", "pantheon.yaml"),
		"Path to the provider configuration file")
	dataDir := flag.String("data-dir",
		getEnv("PANTHEON_DATA_DIR", "./data"),
		"Directory for coordinator state files")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *dataDir); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, dataDir string) error {
	// Resolve settings before the store exists, so the store location
	// itself is configurable; re-resolve afterwards to pick up the
	// stored key/value layer.
	resolver := config.NewResolver()
	settings, err := resolver.Settings(ctx)
	if err != nil {
		return err
	}
	setupLogging(settings.LogLevel)

	st, err := store.Open(ctx, store.Config{
		PrimaryURL:      settings.StorePrimaryURL,
		FallbackPath:    settings.StoreFallbackPath,
		ConversationCap: settings.ConversationCap,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	resolver = config.NewResolver(config.WithStore(st))
	if settings, err = resolver.Settings(ctx); err != nil {
		return err
	}

	fileCfg, err := config.LoadFile(configPath)
	if err != nil {
		if !errors.Is(err, config.ErrConfigNotFound) {
			return err
		}
		slog.Warn("No configuration file, starting with the echo provider only",
			"path", configPath)
		fileCfg = &config.FileConfig{
			Providers: []config.ProviderYAML{{Name: "echo", Type: "echo"}},
		}
	}

	breakerParams := resilience.DefaultBreakerParams()
	for component, bs := range settings.Breakers {
		params := breakerParams[component]
		if bs.Threshold > 0 {
			params.FailureThreshold = bs.Threshold
		}
		if bs.Timeout > 0 {
			params.RecoveryTimeout = bs.Timeout
		}
		breakerParams[component] = params
	}
	breakers := resilience.NewBreakerSet(breakerParams)
	magic := resilience.NewMagic(resilience.MagicConfig{
		Energy: settings.MagicEnergy,
		Acorns: settings.MagicAcorns,
	}, breakers)
	recorder := telemetry.New()

	limiter := ratelimit.New()
	for provider, caps := range settings.RateLimits {
		limiter.Configure(provider, caps.Minute, caps.Hour, caps.Day)
	}

	gw := gateway.New(st, limiter, magic, breakers, recorder, gateway.Options{
		MaxAttempts: settings.RetryMax,
		BaseDelay:   settings.RetryBaseDelay,
	})
	defer func() {
		if err := gw.Close(); err != nil {
			slog.Error("Error closing gateway", "error", err)
		}
	}()

	for _, p := range fileCfg.Providers {
		conn, err := p.BuildConnector()
		if err != nil {
			return err
		}
		if err := gw.Register(ctx, conn, p.ProviderConfig()); err != nil {
			return err
		}
	}

	msgBus := bus.New()
	coordinator, err := swarm.New(swarm.Config{
		DataDir: dataDir,
		Trust:   fileCfg.Trust,
		Risk:    fileCfg.Risk,
		Bus:     msgBus,
	})
	if err != nil {
		return err
	}

	slog.Info("Pantheon initialized",
		"providers", len(fileCfg.Providers),
		"default_provider", settings.DefaultProvider,
		"fallback_only", st.FallbackOnly())

	server := api.NewServer(gw, msgBus, coordinator, recorder, settings.DefaultProvider)
	return server.Serve(ctx, settings.ListenAddr)
}
