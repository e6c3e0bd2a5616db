/**
 * @description
 * Entry point for settlementd, the auction/raffle settlement service. One binary
 * runs each role of the pipeline:
 *   api        intake HTTP API, notification inbox, WebSocket fan-out, Stripe webhook
 *   worker     settlement queue consumer (bids and ticket purchases)
 *   scheduler  lifecycle queue consumer, countdowns, reconciliation, refund sweep
 *   all        every role in one process
 *   migrate    applies the database schema
 *
 * @dependencies
 * - github.com/spf13/cobra: command tree.
 * - github.com/joho/godotenv: optional .env loading before viper reads the environment.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/programming-warrior/vehiclevista-sub000/internal/config"
	"github.com/programming-warrior/vehiclevista-sub000/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

type options struct {
	configPath string
	envFile    string

	cfg    config.Config
	logger *zap.Logger
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "settlementd",
		Short:         "Atomic bid and ticket settlement service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", ".", "directory holding an optional .env config file")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file exported into the environment before config is read")

	rootCmd.AddCommand(apiCmd(opts))
	rootCmd.AddCommand(workerCmd(opts))
	rootCmd.AddCommand(schedulerCmd(opts))
	rootCmd.AddCommand(allCmd(opts))
	rootCmd.AddCommand(migrateCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *options) load() error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", o.envFile, err)
		}
	}

	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	logger, err := logging.Init(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = logger
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func apiCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the intake API, notification inbox and WebSocket fan-out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, roles{api: true})
		},
	}
}

func workerCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume settlement jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, roles{worker: true})
		},
	}
}

func schedulerCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Consume lifecycle jobs, run countdowns, reconciliation and the refund sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, roles{scheduler: true})
		},
	}
}

func allCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run every role in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, roles{api: true, worker: true, scheduler: true})
		},
	}
}

func migrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return migrate(ctx, opts.cfg, logging.Component(opts.logger, "migrate"))
		},
	}
}
