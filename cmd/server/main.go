package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"collab-canvas/internal/api"
	"collab-canvas/internal/config"
	"collab-canvas/internal/db"
	"collab-canvas/internal/discovery"
	"collab-canvas/internal/repository"
	"collab-canvas/internal/services"
	"collab-canvas/internal/services/collaboration"
	"collab-canvas/internal/services/oplog"
	"collab-canvas/internal/services/registry"
	"collab-canvas/internal/telemetry"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	serviceName     = "collab-canvas"
	releaseVersion  = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "collab-canvas",
		Short:         "Real-time collaborative drawing relay.",
		Args:          cobra.NoArgs,
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.CompletionOptions.HiddenDefaultCmd = true
	return cmd
}

/*
Startup order: logging and tracing first so everything after is observed,
then the optional persistence layer, then the in-memory relay core, then
the HTTP surface. Shutdown runs in reverse: stop accepting, close sockets,
drain snapshot workers, flush traces, close the database.
*/
func run(ctx context.Context, cfg *config.Config) error {
	telemetry.SetupLogger(cfg.LogLevel, cfg.LogPretty)
	log.Info().Str("version", releaseVersion).Msg("starting collab-canvas")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jaegerShutdown, err := telemetry.InitJaeger(serviceName, cfg.JaegerEndpoint)
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize jaeger, continuing without tracing")
		jaegerShutdown = func(context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to shutdown jaeger")
		}
	}()

	meters, err := telemetry.NewMetrics(serviceName)
	if err != nil {
		return err
	}
	meters.Install()
	defer meters.Shutdown(context.Background())

	metrics, err := telemetry.NewRelayMetrics(meters.Meter())
	if err != nil {
		return err
	}

	// Persistence is optional. Without a database the relay is purely
	// in-memory and save-canvas answers persistence-unavailable.
	var (
		snapshotService *services.SnapshotServiceImpl
		relaySnapshots  collaboration.SnapshotService
		apiSnapshots    api.SnapshotReader
	)
	if cfg.PersistenceEnabled() {
		database, err := db.NewGorm(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()

		snapshotService = services.NewSnapshotService(
			repository.NewSnapshotRepository(database.DB),
			cfg.SnapshotWorkers,
			cfg.SnapshotQueueSize,
			cfg.SnapshotKeep,
		)
		snapshotService.Start()
		defer snapshotService.Shutdown()

		relaySnapshots = snapshotService
		apiSnapshots = snapshotService
		log.Info().Int("workers", cfg.SnapshotWorkers).Msg("snapshot persistence enabled")
	} else {
		log.Info().Msg("no database configured, snapshots disabled")
	}

	reg := registry.New(cfg.EvictionGrace)
	defer reg.Close()
	history := oplog.New(cfg.HistoryCap)

	relay := collaboration.NewRelay(reg, history, collaboration.Options{
		MaxPathPoints: cfg.MaxPathPoints,
		Snapshots:     relaySnapshots,
		Metrics:       metrics,
	})
	wsHandler := collaboration.NewWebSocketHandler(relay, cfg.AllowedOrigin)

	handler := api.NewHandler(reg, history, apiSnapshots, meters, wsHandler, cfg.PublicURL)
	router := api.SetupRoutes(handler, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.MDNS {
		adv, err := discovery.Advertise("", cfg.Port)
		if err != nil {
			log.Warn().Err(err).Msg("mDNS advertisement failed")
		} else {
			defer adv.Shutdown()
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Addr()).
			Str("allowedOrigin", cfg.AllowedOrigin).
			Int("historyCap", cfg.HistoryCap).
			Dur("evictionGrace", cfg.EvictionGrace).
			Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server forced to shutdown")
	}

	// Hijacked websockets are not tracked by server.Shutdown.
	relay.Shutdown()

	log.Info().Msg("server shutdown complete")
	return nil
}
