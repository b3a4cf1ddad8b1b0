package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/aikasa/drivevec/internal/httpapi"
	"github.com/aikasa/drivevec/internal/watch"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg := resolvedCfg
	logger := buildLogger()

	ctx := shutdownContext(parent, logger)

	artifacts, manifests, err := newBlobStores(ctx, cfg)
	if err != nil {
		return err
	}

	driveClient, err := newDriveClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	dispatcher, err := newJobDispatcher(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sched, err := newScheduler(ctx, cfg, logger, driveClient, manifests, dispatcher)
	if err != nil {
		return err
	}

	watchStore := watch.NewStore(artifacts, cfg.WatchStatePrefix)
	manager := watch.NewManager(watchStore, driveClient, cfg.WatchCallbackURL, cfg.WatchTTLSeconds, logger)

	// A zero configured cooldown disables the gate; the router treats zero
	// as "use the default".
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	if cfg.CooldownSeconds == 0 {
		cooldown = -1
	}

	router := watch.NewRouter(watchStore, driveClient, dispatcher, cooldown, logger)

	server := httpapi.NewServer(&httpapi.Config{
		Artifacts:  artifacts,
		Provider:   provider,
		Translator: newTranslator(ctx, cfg, logger),
		Dispatcher: dispatcher,
		Watch:      manager,
		Router:     router,
		Updater:    sched,
		Version:    version,
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("http server listening",
		slog.String("addr", cfg.ListenAddr),
		slog.String("version", version))

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
