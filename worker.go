package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/aikasa/drivevec/internal/config"
	"github.com/aikasa/drivevec/internal/imaging"
	"github.com/aikasa/drivevec/internal/scheduler"
	"github.com/aikasa/drivevec/internal/sync"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run one vectorization job from the environment",
		Long: "Syncs a single tenant (UUID and DRIVE_URL) or, with BATCH_MODE=true, " +
			"every tenant listed in BATCH_TASKS. This is the entrypoint the Cloud Run job executes.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(parent context.Context) error {
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

	refresher := scheduler.NewRefresher(driveClient, scheduler.NewManifestStore(manifests, logger))

	engine := sync.NewEngine(&sync.EngineConfig{
		Store:              artifacts,
		Drive:              driveClient,
		Provider:           provider,
		Normalizer:         imaging.NewNormalizer(cfg.MaxPixels, cfg.MaxFileSizeMB<<20),
		CheckpointInterval: cfg.CheckpointInterval,
		Logger:             logger,
		AfterTenant: func(ctx context.Context, task sync.Task) error {
			return refresher.Refresh(ctx, task.UUID, task.DriveURL)
		},
	})

	env := config.ReadWorkerEnv()

	if env.BatchMode {
		return runBatchWorker(ctx, engine, env, logger)
	}

	if env.UUID == "" || env.DriveURL == "" {
		return errors.New("worker: UUID and DRIVE_URL must be set")
	}

	report, err := engine.Sync(ctx, env.UUID, env.DriveURL, env.UseEmbedV4)
	if err != nil {
		return fmt.Errorf("worker: syncing %s: %w", env.UUID, err)
	}

	logger.Info("sync complete",
		slog.String("uuid", report.UUID),
		slog.Duration("duration", report.Duration),
		slog.Int("remote_files", report.RemoteFiles),
		slog.Int("added", report.Added),
		slog.Int("deleted", report.Deleted),
		slog.Int("corrupt", report.Corrupt))

	return nil
}

// runBatchWorker processes every task. Per-tenant failures are recorded in
// the run log and do not fail the job; cancellation does.
func runBatchWorker(ctx context.Context, engine *sync.Engine, env config.WorkerEnv, logger *slog.Logger) error {
	tasks, err := sync.ParseTasks(env.BatchTasks)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	if len(tasks) == 0 {
		return errors.New("worker: BATCH_TASKS is empty")
	}

	result, err := engine.RunBatch(ctx, tasks)
	if err != nil {
		return fmt.Errorf("worker: batch run: %w", err)
	}

	logger.Info("batch complete",
		slog.Int("total", result.Total),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed))

	if ctx.Err() != nil {
		return fmt.Errorf("worker: batch interrupted: %w", ctx.Err())
	}

	return nil
}
