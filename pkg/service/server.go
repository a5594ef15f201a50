// Package service assembles the orchestration server: it opens the store,
// runs migrations, wires the engine and its collaborators, and serves the
// tool surface over stdio.
package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/agentwire/loom/pkg/artifacts"
	"github.com/agentwire/loom/pkg/config"
	"github.com/agentwire/loom/pkg/domain/errors"
	"github.com/agentwire/loom/pkg/engine"
	"github.com/agentwire/loom/pkg/execlog"
	"github.com/agentwire/loom/pkg/findings"
	"github.com/agentwire/loom/pkg/projects"
	"github.com/agentwire/loom/pkg/registry"
	"github.com/agentwire/loom/pkg/service/registrar"
	"github.com/agentwire/loom/pkg/store"
	"github.com/agentwire/loom/pkg/telemetry"
	"github.com/agentwire/loom/pkg/token"
)

// Server owns the store, the engine, and the MCP transport
type Server struct {
	logger    *slog.Logger
	config    config.ServerConfig
	store     *store.Store
	engine    *engine.Engine
	mcpServer *server.MCPServer

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	shutdownMu     sync.Mutex
	isShuttingDown bool
}

// InitializeServer builds a fully wired server: store opened and migrated,
// engine assembled, tools and resources registered.
func InitializeServer(ctx context.Context, logger *slog.Logger, cfg config.ServerConfig) (*Server, error) {
	if dir := filepath.Dir(cfg.StorePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.New(errors.CodeIoError, "service", "failed to create store directory", err)
		}
	}

	st, err := store.Open(cfg.StorePath, store.Options{CacheSizeBytes: cfg.CacheSizeBytes}, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx, store.MigrateOptions{Timeout: cfg.MigrationTimeout}); err != nil {
		st.Close()
		return nil, err
	}

	contracts, err := execlog.DefaultContracts()
	if err != nil {
		st.Close()
		return nil, err
	}

	reg := registry.New(st, logger)
	recorder := telemetry.NewRecorder(st, logger)
	logStore := execlog.NewLogger(st, contracts, logger)
	artifactStore := artifacts.New(st, logger)
	findingStore := findings.New(st, logger)
	projectStore := projects.New(st, logger)
	tokens := token.NewService(cfg.TokenTTL, cfg.ClockSkew)

	eng := engine.New(engine.Config{
		Store:     st,
		Registry:  reg,
		Tokens:    tokens,
		Telemetry: recorder,
		ExecLog:   logStore,
		Findings:  findingStore,
		Limits: engine.EscalationLimits{
			CriticalFindings: cfg.CriticalFindingLimit,
			HighFindings:     cfg.HighFindingLimit,
			TotalBlockers:    cfg.BlockerLimit,
		},
		Logger: logger,
	})

	mcpServer := server.NewMCPServer(
		cfg.ServiceName,
		cfg.ServiceVersion,
		server.WithResourceCapabilities(true, true),
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	tools := registrar.NewToolRegistrar(logger, eng, reg, artifactStore, projectStore, recorder, cfg)
	if err := tools.RegisterAll(mcpServer); err != nil {
		st.Close()
		return nil, err
	}
	resources := registrar.NewResourceRegistrar(logger, reg, eng)
	if err := resources.RegisterAll(mcpServer); err != nil {
		st.Close()
		return nil, err
	}

	return &Server{
		logger:    logger.With("component", "server"),
		config:    cfg,
		store:     st,
		engine:    eng,
		mcpServer: mcpServer,
	}, nil
}

// Engine exposes the engine, mainly for recovery tooling around startup
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Start launches the background timeout sweep and serves the stdio
// transport. It blocks until the transport shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.startSweep()

	s.logger.Info("starting stdio transport",
		"store_path", s.config.StorePath,
		"sweep_interval", s.config.SweepInterval)
	return server.ServeStdio(s.mcpServer)
}

// Stop shuts the server down: the sweep loop is stopped and the store is
// closed. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShuttingDown {
		return nil
	}
	s.isShuttingDown = true

	s.logger.Info("shutting down")
	if s.sweepCancel != nil {
		s.sweepCancel()
		select {
		case <-s.sweepDone:
		case <-ctx.Done():
			s.logger.Warn("timeout sweep did not stop before shutdown deadline")
		}
	}

	if err := s.store.Close(); err != nil {
		return errors.New(errors.CodeStoreError, "service", "failed to close store", err)
	}
	return nil
}

// startSweep runs the timeout sweep at the configured cadence. Sweep
// failures are logged and the loop keeps going.
func (s *Server) startSweep() {
	sweepCtx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	s.sweepDone = make(chan struct{})

	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case now := <-ticker.C:
				transitioned, err := s.engine.CheckTimeouts(sweepCtx, now)
				if err != nil {
					s.logger.Warn("timeout sweep failed", "error", err)
					continue
				}
				if len(transitioned) > 0 {
					s.logger.Info("executions timed out", "count", len(transitioned), "execution_ids", transitioned)
				}
			}
		}
	}()
}
