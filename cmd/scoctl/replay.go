package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/btsco/internal/scenario"
	"github.com/srg/btsco/internal/settings"
)

var replayCmd = &cobra.Command{
	Use:   "replay <scenario.yaml>",
	Short: "Replay a scenario against a simulated headset",
	Long: `Runs every step of a YAML scenario against a fresh SCO arbiter wired to a
simulated Hands-Free headset, then prints each step, the connection state
changes and the final arbiter dump.

Examples:
  # Replay with a colour table
  scoctl replay internal/scenario/testdata/client_death.yaml

  # Machine-readable report
  scoctl replay two_clients.yaml --format json

  # Stored per-device connection modes
  scoctl replay voice.yaml --settings modes.yaml

The command exits 1 when any step misses its expectations.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var (
	replayFormat   string
	replaySettings string
	replayVerbose  bool
)

func init() {
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "", "Output format: table, json or yaml (default from config)")
	replayCmd.Flags().StringVar(&replaySettings, "settings", "", "YAML file of per-device settings (overrides settings_file)")
	replayCmd.Flags().BoolVar(&replayVerbose, "verbose", false, "Enable debug logging")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if replayFormat != "" {
		cfg.OutputFormat = replayFormat
	}
	if replaySettings != "" {
		cfg.SettingsFile = replaySettings
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg, fromFile, "verbose")
	if err != nil {
		return err
	}

	sc, err := scenario.Load(args[0])
	if err != nil {
		return err
	}

	var store *settings.Memory
	if cfg.SettingsFile != "" {
		if store, err = settings.LoadFile(cfg.SettingsFile); err != nil {
			return err
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received interrupt signal, stopping replay...")
			cancel()
		case <-ctx.Done():
		}
	}()

	runner := scenario.NewRunner(scenario.RunnerOptions{
		Logger:      logger,
		BindTimeout: cfg.HeadsetBindTimeout,
		BufferSize:  cfg.EventBufferSize,
		Settings:    store,
	})

	logger.WithFields(logrus.Fields{"scenario": sc.Name, "steps": len(sc.Steps)}).Debug("Replaying scenario")
	report, runErr := runner.Run(ctx, sc)
	if errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if report == nil {
		return runErr
	}

	if err := renderReport(cmd.OutOrStdout(), report, cfg.OutputFormat); err != nil {
		return fmt.Errorf("failed to print report: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("%w: %w", ErrScenarioFailed, runErr)
	}
	return nil
}
