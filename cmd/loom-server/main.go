package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentwire/loom/pkg/config"
	"github.com/agentwire/loom/pkg/service"
)

// Build-time variables set via ldflags
var (
	// Version is the semantic version of the application
	Version = "dev"
	// GitCommit is the git commit SHA at build time
	GitCommit = "unknown"
)

// FlagConfig holds all command line flags
type FlagConfig struct {
	configFile    *string
	storePath     *string
	sweepInterval *string
	tokenTTL      *string
	logLevel      *string
	version       *bool
}

// parseFlags parses command line flags and returns configuration
func parseFlags() *FlagConfig {
	flags := &FlagConfig{
		configFile:    flag.String("config", "", "Path to configuration file"),
		storePath:     flag.String("store-path", "", "Execution store path"),
		sweepInterval: flag.String("sweep-interval", "", "Timeout sweep cadence (e.g., '5s')"),
		tokenTTL:      flag.String("token-ttl", "", "Continuation token TTL (e.g., '24h')"),
		logLevel:      flag.String("log-level", "", "Log level (debug, info, warn, error)"),
		version:       flag.Bool("version", false, "Show version information"),
	}
	flag.Parse()
	return flags
}

func main() {
	flags := parseFlags()

	if *flags.version {
		fmt.Printf("loom-server %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	cfg, err := loadAndConfigureServer(flags)
	if err != nil {
		log.Error().Err(err).Msg("Failed to configure server")
		os.Exit(1)
	}

	srv, err := createServer(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create server")
		os.Exit(1)
	}

	runServerWithShutdown(srv)
}

// loadAndConfigureServer loads configuration and applies flag overrides
func loadAndConfigureServer(flags *FlagConfig) (config.ServerConfig, error) {
	cfg, err := config.Load(*flags.configFile)
	if err != nil {
		return cfg, fmt.Errorf("failed to load configuration: %w", err)
	}

	applyFlagOverrides(&cfg, flags)
	if cfg.ServiceVersion == "dev" {
		cfg.ServiceVersion = Version
	}

	setupLogging(cfg.LogLevel)
	return cfg, nil
}

// applyFlagOverrides applies flag overrides to configuration
func applyFlagOverrides(cfg *config.ServerConfig, flags *FlagConfig) {
	if *flags.storePath != "" {
		cfg.StorePath = *flags.storePath
	}
	if *flags.sweepInterval != "" {
		if interval, err := time.ParseDuration(*flags.sweepInterval); err == nil {
			cfg.SweepInterval = interval
		}
	}
	if *flags.tokenTTL != "" {
		if ttl, err := time.ParseDuration(*flags.tokenTTL); err == nil {
			cfg.TokenTTL = ttl
		}
	}
	if *flags.logLevel != "" {
		cfg.LogLevel = *flags.logLevel
	}
}

// setupLogging configures the zerolog global logger. Stdout carries the
// protocol stream, so all logging goes to stderr.
func setupLogging(logLevel string) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// createServer builds the fully wired server
func createServer(cfg config.ServerConfig) (*service.Server, error) {
	log.Info().
		Str("version", Version).
		Str("store_path", cfg.StorePath).
		Msg("Starting Loom orchestration server")

	slogLogger := createSlogLogger(cfg.LogLevel)

	initCtx, cancel := context.WithTimeout(context.Background(), cfg.MigrationTimeout)
	defer cancel()

	srv, err := service.InitializeServer(initCtx, slogLogger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}
	return srv, nil
}

// createSlogLogger creates a structured logger for dependency injection
func createSlogLogger(logLevel string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseSlogLevel(logLevel),
	})
	return slog.New(handler)
}

// parseSlogLevel converts string log level to slog.Level
func parseSlogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runServerWithShutdown runs the server with graceful shutdown handling
func runServerWithShutdown(srv *service.Server) {
	ctx := context.Background()

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error during server shutdown")
		}

		// Let final logs flush before exit
		time.Sleep(100 * time.Millisecond)

	case err := <-serverErr:
		log.Error().Err(err).Msg("Server failed")
		os.Exit(1)
	}
}
