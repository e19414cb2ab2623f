// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session wires extraction, the completion client, the runner and
// the regeneration loop into one call per source file.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianTestGen/pkg/config"
	"github.com/AleutianAI/AleutianTestGen/pkg/tokens"
	"github.com/AleutianAI/AleutianTestGen/services/llm"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/artifact"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/ast"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/files"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/history"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/loop"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/runner"
)

// ClientFactory creates the completion client of one session.
type ClientFactory func(cfg config.LLMConfig, lookup llm.LookupFunc, logger *slog.Logger) (loop.Completer, error)

// RunnerFactory creates the test runner of one session.
type RunnerFactory func(cfg config.RunnerConfig, opts runner.Options, logger *slog.Logger) (loop.TestRunner, error)

// IterationFunc observes iterations as they finish.
type IterationFunc func(source string, rec datatypes.IterationRecord)

// Service runs test generation sessions.
//
// Thread Safety: Safe for concurrent use. Every session gets its own
// client, rate limiter, runner and temp directories.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	lookup    llm.LookupFunc
	extractor *ast.Extractor
	files     *files.Manager
	history   *history.Store

	newClient   ClientFactory
	newRunner   RunnerFactory
	onIteration IterationFunc
	counter     tokens.Counter
}

// Option configures a Service.
type Option func(*Service)

// WithLookup replaces the environment lookup used for credentials.
func WithLookup(lookup llm.LookupFunc) Option {
	return func(s *Service) { s.lookup = lookup }
}

// WithHistory stores every finished session in store.
func WithHistory(store *history.Store) Option {
	return func(s *Service) { s.history = store }
}

// WithClientFactory replaces provider resolution.
func WithClientFactory(f ClientFactory) Option {
	return func(s *Service) { s.newClient = f }
}

// WithRunnerFactory replaces the pytest runner.
func WithRunnerFactory(f RunnerFactory) Option {
	return func(s *Service) { s.newRunner = f }
}

// WithIterationFunc registers a progress callback.
func WithIterationFunc(f IterationFunc) Option {
	return func(s *Service) { s.onIteration = f }
}

// WithTokenCounter replaces the prompt token counter.
func WithTokenCounter(counter tokens.Counter) Option {
	return func(s *Service) { s.counter = counter }
}

// DefaultClientFactory resolves the provider from configuration and the
// environment.
func DefaultClientFactory(cfg config.LLMConfig, lookup llm.LookupFunc, logger *slog.Logger) (loop.Completer, error) {
	client, _, err := llm.NewFromConfig(cfg, lookup, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// DefaultRunnerFactory creates a pytest runner.
func DefaultRunnerFactory(cfg config.RunnerConfig, opts runner.Options, logger *slog.Logger) (loop.TestRunner, error) {
	r, err := runner.New(cfg, opts, logger)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// New creates a Service.
//
// Inputs:
//   - cfg: Validated configuration.
//   - logger: Structured logger. Nil uses slog.Default().
//   - opts: Optional overrides.
//
// Outputs:
//   - *Service: The service.
//   - error: Non-nil if the env file cannot be read or the extractor
//     cannot be created.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	extractor, err := ast.NewExtractor(ast.NewPythonParser(ast.WithLogger(logger)), 0)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:       cfg,
		logger:    logger,
		extractor: extractor,
		files:     files.NewManager(cfg.ResolvePath(cfg.WorkingDirectory), logger),
		newClient: DefaultClientFactory,
		newRunner: DefaultRunnerFactory,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.lookup == nil {
		envFile := ""
		if cfg.LLM.EnvFile != "" {
			envFile = cfg.ResolvePath(cfg.LLM.EnvFile)
		}
		s.lookup, err = llm.EnvLookup(envFile)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Generate runs one session with a default Service.
//
// Description:
//
//	Extracts the fact sheet of sourcePath, runs the regeneration loop
//	and writes the best artifact (or the latest parsed one when nothing
//	executed) to tests_directory. The result is returned together with
//	the error for aborted sessions.
func Generate(ctx context.Context, sourcePath string, cfg config.Config) (*datatypes.LoopResult, error) {
	s, err := New(cfg, nil)
	if err != nil {
		return nil, err
	}
	return s.Generate(ctx, sourcePath)
}

// Extract returns the fact sheet of sourcePath.
func (s *Service) Extract(ctx context.Context, sourcePath string) (*datatypes.SourceFactSheet, error) {
	sheet, err := s.extractor.Extract(ctx, s.cfg.ResolvePath(sourcePath))
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", sourcePath, err)
	}
	return sheet, nil
}

// Generate runs one session for sourcePath.
//
// Outputs:
//   - *datatypes.LoopResult: Nil only when the source could not be
//     analyzed or the runner could not be created.
//   - error: Extraction, credential, fatal provider, cancellation or
//     output write failures.
func (s *Service) Generate(ctx context.Context, sourcePath string) (*datatypes.LoopResult, error) {
	sheet, err := s.Extract(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(slog.String("module", sheet.ModuleName))

	client, clientErr := s.newClient(s.cfg.LLM, s.lookup, logger)
	run, err := s.newRunner(s.cfg.Runner, runner.Options{Branch: s.cfg.Coverage.BranchCoverage}, logger)
	if err != nil {
		return nil, fmt.Errorf("create runner: %w", err)
	}

	testsDir := s.cfg.ResolvePath(s.cfg.Output.TestsDirectory)
	deps := loop.Dependencies{
		Client: client,
		Parser: artifact.NewParser(
			artifact.WithTestFilePrefix(s.cfg.TestGeneration.TestFilePrefix),
			artifact.WithLogger(logger),
		),
		Runner: run,
		Preflight: func(context.Context) error {
			return clientErr
		},
	}
	if s.cfg.Output.SavePrompts {
		deps.OnPrompt = func(req datatypes.GenerationRequest) {
			if _, err := s.files.WritePrompt(testsDir, sheet.ModuleName, req); err != nil {
				logger.Warn("Failed to save prompt", slog.String("error", err.Error()))
			}
		}
	}
	if s.onIteration != nil {
		deps.OnIteration = func(rec datatypes.IterationRecord) {
			s.onIteration(sourcePath, rec)
		}
	}

	loopCfg := loop.ConfigFromApp(s.cfg)
	loopCfg.Prompt.Counter = s.counter
	ctrl, err := loop.NewController(loopCfg, deps, logger)
	if err != nil {
		return nil, err
	}

	result, runErr := ctrl.Run(ctx, sheet)
	if result == nil {
		return nil, runErr
	}

	writeErr := s.writeOutput(ctx, result, sheet, logger)
	s.save(ctx, result, logger)

	if runErr != nil {
		return result, runErr
	}
	return result, writeErr
}

// writeOutput persists the artifact of result and, when configured,
// renders the html coverage report for it.
func (s *Service) writeOutput(ctx context.Context, result *datatypes.LoopResult, sheet *datatypes.SourceFactSheet, logger *slog.Logger) error {
	art := result.Artifact()
	if art == nil {
		logger.Warn("No test module to write", slog.String("status", result.Status.String()))
		return nil
	}
	written, err := s.files.WriteArtifact(art, s.cfg.ResolvePath(s.cfg.Output.TestsDirectory))
	if err != nil {
		return err
	}
	result.OutputPath = written.Path

	if s.cfg.Coverage.HTMLReport && result.Status != datatypes.StatusAborted {
		s.renderHTML(ctx, result.OutputPath, sheet, logger)
	}
	return nil
}

func (s *Service) renderHTML(ctx context.Context, testPath string, sheet *datatypes.SourceFactSheet, logger *slog.Logger) {
	htmlDir := s.cfg.ResolvePath(s.cfg.Coverage.HTMLOutputDir)
	r, err := runner.New(s.cfg.Runner, runner.Options{Branch: s.cfg.Coverage.BranchCoverage, HTMLDir: htmlDir}, logger)
	if err != nil {
		logger.Warn("HTML coverage report skipped", slog.String("error", err.Error()))
		return
	}
	report, err := r.RunFile(ctx, testPath, sheet, s.cfg.Runner.Timeout)
	if err != nil || report.Crashed || report.TimedOut {
		logger.Warn("HTML coverage report incomplete", slog.String("dir", htmlDir))
		return
	}
	logger.Info("Wrote HTML coverage report", slog.String("dir", htmlDir))
}

func (s *Service) save(ctx context.Context, result *datatypes.LoopResult, logger *slog.Logger) {
	if s.history == nil {
		return
	}
	if err := s.history.Save(context.WithoutCancel(ctx), result); err != nil {
		logger.Warn("Failed to record session history",
			slog.String("session_id", result.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

// ErrDuplicateModule is returned by Batch for a source whose module name
// was already claimed by an earlier path. Both would write the same
// test file.
var ErrDuplicateModule = errors.New("duplicate module name in batch")

// Batch runs Generate for every path, at most cfg.Concurrency at a time.
//
// Description:
//
//	Sessions are independent: one failing does not stop the others.
//	results[i] belongs to paths[i] and is nil when that session could
//	not start. Errors are aggregated, each prefixed with its path.
//	A path whose module name repeats an earlier one is not run.
func (s *Service) Batch(ctx context.Context, paths []string) ([]*datatypes.LoopResult, error) {
	results := make([]*datatypes.LoopResult, len(paths))

	var (
		mu   sync.Mutex
		merr = &multierror.Error{}
	)

	claimed := make(map[string]string, len(paths))
	run := make([]bool, len(paths))
	for i, path := range paths {
		module := ast.ModuleName(path)
		if first, ok := claimed[module]; ok {
			s.logger.Warn("Skipping duplicate module",
				slog.String("module", module),
				slog.String("path", path),
				slog.String("first", first),
			)
			merr = multierror.Append(merr, fmt.Errorf("%s: %w %q (also %s)", path, ErrDuplicateModule, module, first))
			continue
		}
		claimed[module] = path
		run[i] = true
	}

	g := new(errgroup.Group)
	limit := s.cfg.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, path := range paths {
		if !run[i] {
			continue
		}
		g.Go(func() error {
			res, err := s.Generate(ctx, path)
			results[i] = res
			if err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", path, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("Batch complete",
		slog.Int("files", len(paths)),
		slog.Int("failed", len(merr.Errors)),
	)
	return results, merr.ErrorOrNil()
}
