// AgentHub Control Plane turns repositories into fleets of isolated,
// container-backed coding agent sessions.
//
// Responsibilities:
//   - Snapshot Builder (repo + setup script -> cached container image)
//   - Session Launcher (one supervised container per chat)
//   - Artifact Broker (durable file hand-back from inside sessions)
//   - State Store & Event Bus (authoritative state, real-time fan-out)
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("AgentHub control plane starting")

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", srv.Config.Port),
		Handler:     srv.Handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown: stop accepting requests, stop chat containers,
	// flush the store and telemetry.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		httpServer.Shutdown(shutdownCtx)
		srv.StopJanitor()
		srv.Builder.Close()
		srv.Launcher.Shutdown(shutdownCtx)
		srv.Bus.Close()
		srv.Store.Close()
		srv.ShutdownFunc(shutdownCtx)
	}()

	log.Info().Int("port", srv.Config.Port).Msg("AgentHub control plane ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
	<-drained
}
