package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run one auto-update scheduler pass",
		Long: "Checks every auto-update tenant against its stored manifest and dispatches " +
			"a batch vectorization job for the tenants whose Drive trees changed.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSchedule(cmd.Context())
		},
	}
}

func runSchedule(parent context.Context) error {
	cfg := resolvedCfg
	logger := buildLogger()

	ctx := shutdownContext(parent, logger)

	_, manifests, err := newBlobStores(ctx, cfg)
	if err != nil {
		return err
	}

	driveClient, err := newDriveClient(ctx, cfg, logger)
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

	report, err := sched.Run(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(report)
}
