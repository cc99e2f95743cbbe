// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/movement_recorder/internal/app"
	"github.com/relabs-tech/movement_recorder/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "recorder",
		Short:         "Calibrated movement recorder with local CSV and remote mirroring",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := config.InitGlobal(configPath); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./configs/recorder.toml", "path to configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSessionCmd())
	root.AddCommand(newCalibrateCmd())
	root.AddCommand(newConsoleCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder with the websocket monitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.RunServe(cmd.Context())
		},
	}
}

func newSessionCmd() *cobra.Command {
	var (
		subject   string
		sessionID string
		duration  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Calibrate, then record one session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.RunSession(cmd.Context(), subject, sessionID, duration, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject (experimenter) code")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 waits for Ctrl-C)")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newCalibrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate",
		Short: "Run one calibration window and print the baseline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.RunCalibrate(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func newConsoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Print live deltas without recording",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.RunConsole(cmd.Context(), cmd.OutOrStdout())
		},
	}
}
