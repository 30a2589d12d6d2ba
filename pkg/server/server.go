// Package server provides the public entry point for initializing the
// AgentHub control plane. It composes the store, event bus, container
// engine, snapshot builder, session launcher and artifact broker into
// one HTTP handler.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/internal/api"
	"github.com/agenthub/agenthub/internal/api/handlers"
	"github.com/agenthub/agenthub/internal/artifacts"
	"github.com/agenthub/agenthub/internal/config"
	"github.com/agenthub/agenthub/internal/credentials"
	"github.com/agenthub/agenthub/internal/engine"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/launcher"
	"github.com/agenthub/agenthub/internal/retention"
	"github.com/agenthub/agenthub/internal/snapshot"
	"github.com/agenthub/agenthub/internal/store"
	"github.com/agenthub/agenthub/internal/telemetry"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the authoritative data store.
	Store store.Store

	// Launcher supervises chat containers; main calls its Shutdown.
	Launcher *launcher.Launcher

	// Builder runs snapshot builds; main calls its Close.
	Builder *snapshot.Builder

	// Bus fans state changes out to sync subscribers.
	Bus *events.Bus

	// Config is the loaded configuration.
	Config *config.Config

	// StopJanitor stops the retention sweep goroutine, if one is running.
	StopJanitor context.CancelFunc

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all control plane components from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := store.NewMemoryStore(cfg.DataDir)
	bus := events.New(dataStore.Snapshot)

	eng := engine.NewDocker(cfg.Engine.Binary)
	if err := eng.Available(ctx); err != nil {
		// Fatal for launches, but the control plane still starts so the
		// state surface stays reachable with an explicit reason.
		log.Error().Err(err).Msg("Container engine unavailable; builds and chat starts will fail")
	}

	builder := snapshot.NewBuilder(dataStore, eng, bus, snapshot.Options{
		BuildTimeout:        cfg.Engine.BuildTimeout,
		MaxConcurrentBuilds: cfg.Limits.MaxConcurrentBuilds,
		BuildLogLines:       cfg.Limits.BuildLogLines,
	})
	broker := artifacts.NewBroker(dataStore, bus, cfg.DataDir)
	creds := credentials.NewChain(cfg.DataDir)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		// Containers reach the host's loopback via the engine's gateway
		// alias on default desktop installs.
		baseURL = fmt.Sprintf("http://host.docker.internal:%d", cfg.Port)
	}
	launch := launcher.New(dataStore, eng, bus, broker, creds, launcher.Options{
		DataDir:             cfg.DataDir,
		BaseURL:             baseURL,
		StartTimeout:        cfg.Engine.StartTimeout,
		StopTimeout:         cfg.Engine.StopTimeout,
		MaxConcurrentStarts: cfg.Limits.MaxConcurrentStarts,
	})

	stopJanitor := context.CancelFunc(func() {})
	if cfg.Limits.RetentionInterval > 0 {
		janitorCtx, cancel := context.WithCancel(context.Background())
		stopJanitor = cancel
		go retention.NewJanitor(dataStore, eng, cfg.Limits.RetentionInterval).Start(janitorCtx)
	}

	log.Info().Msg("Store, event bus, builder, launcher and broker initialized")

	h := handlers.New(dataStore, bus, builder, launch, broker, cfg.Version)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Launcher:     launch,
		Builder:      builder,
		Bus:          bus,
		Config:       cfg,
		StopJanitor:  stopJanitor,
		ShutdownFunc: shutdown,
	}, nil
}
