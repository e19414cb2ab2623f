// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianTestGen/pkg/config"
	"github.com/AleutianAI/AleutianTestGen/pkg/logging"
	"github.com/AleutianAI/AleutianTestGen/pkg/telemetry"
	"github.com/AleutianAI/AleutianTestGen/pkg/ux"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/history"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/session"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// appState is the per-invocation state built by the root pre-run hook.
type appState struct {
	cfg       config.Config
	logger    *logging.Logger
	telemetry *telemetry.Providers
	history   *history.Store
}

var (
	app appState

	// serviceOptions are appended to every session.Service. Tests use it to
	// replace the provider and runner.
	serviceOptions []session.Option

	configPath string
	verbose    bool
	noColor    bool
	workDir    string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "testgen",
		Short: "Generate pytest suites that reach a coverage target",
		Long: `testgen analyzes a Python module, asks a language model for a pytest
suite, runs it with coverage and regenerates it with feedback about
failures and uncovered lines until the target is reached or the
iteration budget runs out.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "testgen.yaml", "config file (yaml, json or toml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	pf.BoolVar(&noColor, "no-color", false, "disable styled output")
	pf.StringVar(&workDir, "working-dir", "", "base directory for relative paths")
	pf.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	rootCmd.AddCommand(generateCmd, analyzeCmd, coverageCmd, runCmd, batchCmd, historyCmd, configCmd)
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	teardown(ctx)
	if err != nil {
		ux.NewPrinter(rootCmd.ErrOrStderr(), !noColor).Error(err.Error())
	}
	return exitCode(err)
}

// setup loads the configuration and starts logging and telemetry.
func setup(cmd *cobra.Command, _ []string) error {
	// config init must work without a valid file
	if cmd == configInitCmd {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if workDir != "" {
		cfg.WorkingDirectory = workDir
	}
	if verbose {
		cfg.Output.Verbose = true
	}
	if noColor {
		cfg.Output.UseRich = false
	}
	app.cfg = cfg

	level, ok := logging.ParseLevel(logLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", logLevel)
	}
	if cfg.Output.Verbose {
		level = logging.LevelDebug
	}
	app.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Output.LogDir,
		Service: "testgen",
		JSON:    cfg.Output.JSONLogs,
		Output:  cmd.ErrOrStderr(),
	})

	app.telemetry, err = telemetry.Setup(cmd.Context(), cfg.Telemetry, telemetry.WithVersion(version))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// teardown releases everything setup and the commands acquired.
func teardown(ctx context.Context) {
	if app.history != nil {
		if err := app.history.Close(); err != nil && app.logger != nil {
			app.logger.Warn("Failed to close history", "error", err.Error())
		}
		app.history = nil
	}
	if app.telemetry != nil {
		if err := app.telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil && app.logger != nil {
			app.logger.Warn("Telemetry shutdown failed", "error", err.Error())
		}
		app.telemetry = nil
	}
	if app.logger != nil {
		_ = app.logger.Close()
		app.logger = nil
	}
}

// openHistory opens the history store at the configured directory.
func openHistory() (*history.Store, error) {
	if app.history != nil {
		return app.history, nil
	}
	hcfg := history.DefaultConfig(app.cfg.ResolvePath(app.cfg.History.Dir))
	if app.logger != nil {
		hcfg.Logger = app.logger.Slog()
	}
	store, err := history.Open(hcfg)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	app.history = store
	return store, nil
}

// newService builds the session service for the loaded configuration.
func newService(extra ...session.Option) (*session.Service, error) {
	opts := make([]session.Option, 0, len(serviceOptions)+len(extra)+1)
	if app.cfg.History.Enabled {
		store, err := openHistory()
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithHistory(store))
	}
	opts = append(opts, extra...)
	opts = append(opts, serviceOptions...)
	return session.New(app.cfg, app.logger.Slog(), opts...)
}

func printer(w io.Writer) *ux.Printer {
	return ux.NewPrinter(w, app.cfg.Output.UseRich && !noColor)
}

func stdout(cmd *cobra.Command) io.Writer {
	if w := cmd.OutOrStdout(); w != nil {
		return w
	}
	return os.Stdout
}
