package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"settlement-api/internal/app"
	"settlement-api/internal/config"
	"settlement-api/internal/services"
	"settlement-api/pkg/logging"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var a *app.App

	root := &cobra.Command{
		Use:          "settlement-jobs",
		Short:        "Out-of-band settlement jobs: affiliate batching, payout dispatch, archival",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to initialize config: %w", err)
			}
			if err := logging.InitLogging(cfg.LogLevel, cfg.Production()); err != nil {
				return err
			}
			a, err = app.Build(cfg)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil {
				a.Close()
			}
			logging.Sync()
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "batch",
			Short: "Group accrued commission into affiliate payments",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runBatch(cmd.Context(), a)
			},
		},
		&cobra.Command{
			Use:   "dispatch",
			Short: "Send unpaid affiliate payments to payout gateways",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runDispatch(cmd.Context(), a)
			},
		},
		&cobra.Command{
			Use:   "archive",
			Short: "Archive closed and refunded orders past retention",
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := a.Jobs.Archive(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "archived %d orders\n", n)
				return nil
			},
		},
		newRunCmd(&a),
	)
	return root
}

func newRunCmd(a **app.App) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run batch, dispatch and archive on an interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if interval <= 0 {
				interval = (*a).Config.JobInterval
			}
			logging.Infof("Job loop started, interval %v", interval)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				cycle(ctx, *a)
				select {
				case <-ctx.Done():
					logging.Infof("Job loop stopped")
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between cycles (default JOB_INTERVAL_MINUTES)")
	return cmd
}

// cycle runs every job once. A held lease means another worker is on it.
func cycle(ctx context.Context, a *app.App) {
	steps := []struct {
		name string
		fn   func(context.Context, *app.App) error
	}{
		{"batch", runBatch},
		{"dispatch", runDispatch},
		{"archive", func(ctx context.Context, a *app.App) error {
			_, err := a.Jobs.Archive(ctx)
			return err
		}},
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			return
		}
		if err := step.fn(ctx, a); err != nil {
			if errors.Is(err, services.ErrLeaseHeld) {
				logging.Infof("Skipping %s: %v", step.name, err)
				continue
			}
			logging.Errorf("Job %s failed: %v", step.name, err)
		}
	}
}

func runBatch(ctx context.Context, a *app.App) error {
	res, err := a.Jobs.Batch(ctx)
	if err != nil {
		return err
	}
	logging.Infof("Batch created %d payments, %d affiliates held below threshold", len(res.Payments), len(res.Held))
	return nil
}

func runDispatch(ctx context.Context, a *app.App) error {
	res, err := a.Jobs.Dispatch(ctx)
	if err != nil {
		return err
	}
	for method, msg := range res.Errors {
		logging.Warnf("Payout method %s failed: %s", method, msg)
	}
	logging.Infof("Dispatch sent %d payments, %d failed", res.Sent, res.Failed)
	return nil
}
