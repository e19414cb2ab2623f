// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner executes pytest modules against a target with coverage.
//
// Every call works in a private temporary directory that holds the test
// file, the coverage data file and the JSON coverage report. The target's
// directory is put on PYTHONPATH so the test module can import it.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianTestGen/pkg/config"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

// DefaultMaxOutputBytes bounds captured output when none is configured.
const DefaultMaxOutputBytes = 256 * 1024

// Options configures a Runner.
type Options struct {
	// Branch enables branch coverage.
	Branch bool

	// PerTestTimeout is passed to pytest-timeout when it is installed.
	PerTestTimeout time.Duration

	MaxOutputBytes int

	// HTMLDir, when set, also writes a coverage.py html report there.
	HTMLDir string
}

// Runner executes test modules.
//
// Thread Safety: Safe for concurrent use. Each run creates its own
// process and temporary directory.
type Runner struct {
	lang   *LanguageConfig
	opts   Options
	logger *slog.Logger

	probeOnce     sync.Once
	timeoutPlugin bool
}

// New creates a python runner from the runner configuration. The
// configured interpreter and extra arguments are overlaid on the python
// defaults.
func New(cfg config.RunnerConfig, opts Options, logger *slog.Logger) (*Runner, error) {
	registry := NewLanguageConfigRegistry()
	if err := registry.Overlay(LanguageConfig{
		Language:    "python",
		Interpreter: cfg.Python,
		ExtraArgs:   cfg.ExtraArgs,
	}); err != nil {
		return nil, err
	}
	if opts.PerTestTimeout == 0 {
		opts.PerTestTimeout = cfg.PerTestTimeout
	}
	if opts.MaxOutputBytes == 0 {
		opts.MaxOutputBytes = cfg.MaxOutputBytes
	}
	return NewWithRegistry(registry, "python", opts, logger)
}

// NewWithRegistry creates a runner for one language of a registry.
func NewWithRegistry(registry *LanguageConfigRegistry, language string, opts Options, logger *slog.Logger) (*Runner, error) {
	lang, ok := registry.Get(language)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Runner{lang: lang, opts: opts, logger: logger}, nil
}

// Interpreter returns the executable the runner starts.
func (r *Runner) Interpreter() string {
	return r.lang.Interpreter
}

// Check verifies that the interpreter can import pytest and pytest-cov.
func (r *Runner) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, r.lang.Interpreter, r.lang.ProbeArgs...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s: %v: %s", ErrToolchainMissing, r.lang.Interpreter, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// hasTimeoutPlugin reports whether pytest-timeout is importable. The
// probe runs once per runner.
func (r *Runner) hasTimeoutPlugin(ctx context.Context) bool {
	r.probeOnce.Do(func() {
		if len(r.lang.TimeoutProbeArgs) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		r.timeoutPlugin = exec.CommandContext(ctx, r.lang.Interpreter, r.lang.TimeoutProbeArgs...).Run() == nil
	})
	return r.timeoutPlugin
}

// Run executes a generated test module against the target.
//
// Description:
//
//	The artifact is written into a fresh temporary directory and run
//	with coverage of the target module. The whole run is bounded by
//	timeout; on expiry the process group is killed and the report is
//	marked timed out. Infrastructure failures produce a crashed report,
//	not an error.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - art: The test module. Must not be empty.
//   - sheet: Fact sheet of the target; Path and ModuleName are used.
//   - timeout: Bound on the whole run.
//
// Outputs:
//   - *datatypes.ExecutionReport: The report. Never nil when err is nil.
//   - error: ErrEmptyArtifact, or a context cancellation error.
func (r *Runner) Run(ctx context.Context, art *datatypes.TestArtifact, sheet *datatypes.SourceFactSheet, timeout time.Duration) (*datatypes.ExecutionReport, error) {
	if art.IsEmpty() {
		return nil, ErrEmptyArtifact
	}

	workDir, err := os.MkdirTemp("", "testgen-run-*")
	if err != nil {
		return crashed(&ExecutionError{Op: "workspace", Err: err}), nil
	}
	defer os.RemoveAll(workDir)

	name := art.Name
	if name == "" {
		name = "test_generated.py"
	}
	testPath := filepath.Join(workDir, filepath.Base(name))
	if err := os.WriteFile(testPath, []byte(art.Source), 0o644); err != nil {
		return crashed(&ExecutionError{Op: "workspace", Err: err}), nil
	}

	return r.execute(ctx, testPath, sheet, workDir, timeout)
}

// RunFile executes an existing test file. With a nil sheet coverage is
// not collected.
func (r *Runner) RunFile(ctx context.Context, testPath string, sheet *datatypes.SourceFactSheet, timeout time.Duration) (*datatypes.ExecutionReport, error) {
	abs, err := filepath.Abs(testPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp("", "testgen-run-*")
	if err != nil {
		return crashed(&ExecutionError{Op: "workspace", Err: err}), nil
	}
	defer os.RemoveAll(workDir)

	return r.execute(ctx, abs, sheet, workDir, timeout)
}

func (r *Runner) execute(ctx context.Context, testPath string, sheet *datatypes.SourceFactSheet, workDir string, timeout time.Duration) (*datatypes.ExecutionReport, error) {
	module := ""
	if sheet != nil {
		module = sheet.ModuleName
	}
	ctx, span := startRunSpan(ctx, module, timeout)
	defer span.End()

	start := time.Now()
	covJSON := filepath.Join(workDir, "coverage.json")
	args := r.buildArgs(ctx, testPath, sheet, covJSON)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.lang.Interpreter, args...)
	cmd.Dir = filepath.Dir(testPath)
	cmd.Env = r.environment(sheet, workDir)
	cmd.WaitDelay = 2 * time.Second
	setProcessGroup(cmd)

	lw := &limitedWriter{limit: r.opts.MaxOutputBytes}
	cmd.Stdout = lw
	cmd.Stderr = lw

	r.logger.Debug("Executing tests",
		slog.String("command", r.lang.Interpreter),
		slog.Any("args", args),
		slog.Duration("timeout", timeout),
	)

	runErr := cmd.Run()

	report := &datatypes.ExecutionReport{
		Output:    lw.String(),
		Truncated: lw.truncated,
		Duration:  time.Since(start),
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		report.TimedOut = true
		report.ExitCode = -1
	case ctx.Err() != nil:
		span.SetStatus(codes.Error, "canceled")
		return nil, ctx.Err()
	case runErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			report.Crashed = true
			report.ExitCode = -1
			report.CrashMessage = (&ExecutionError{Op: "start", Err: runErr}).Error()
			r.finish(ctx, span, report, module)
			return report, nil
		}
		report.ExitCode = exitErr.ExitCode()
	}

	parsed := parsePytestOutput(report.Output)
	report.Passed = parsed.passed
	report.Failed = parsed.failed
	report.Errors = parsed.errors
	report.Failures = parsed.failures

	if report.TimedOut {
		report.Failed++
		report.Failures = append(report.Failures, datatypes.TestFailure{
			Test:    filepath.Base(testPath),
			Kind:    datatypes.FailureTimeout,
			Message: fmt.Sprintf("test run exceeded %s and was killed", timeout),
		})
	} else if report.Total() == 0 && report.ExitCode != 0 {
		// usage error, internal error, interrupted or nothing collected
		report.Crashed = true
		report.CrashMessage = (&ExecutionError{
			Op:  "pytest",
			Err: fmt.Errorf("exit code %d: %s", report.ExitCode, tail(report.Output, 800)),
		}).Error()
	}

	if sheet != nil && !report.TimedOut {
		cov, err := readCoverageJSON(covJSON, sheet.Path, cmd.Dir)
		if err != nil {
			r.logger.Debug("No coverage data", slog.String("module", module), slog.String("reason", err.Error()))
		} else {
			report.CoverageMeasured = true
			report.LineCoverage = cov.lines
			report.Branches = cov.branches
			report.Percentage = cov.percentage
		}
	}

	r.finish(ctx, span, report, module)
	return report, nil
}

func (r *Runner) finish(ctx context.Context, span trace.Span, report *datatypes.ExecutionReport, module string) {
	outcome := "ok"
	switch {
	case report.TimedOut:
		outcome = "timeout"
	case report.Crashed:
		outcome = "crashed"
	case !report.AllPassed():
		outcome = "failed"
	}
	span.SetAttributes(
		attribute.String("runner.outcome", outcome),
		attribute.Int("runner.passed", report.Passed),
		attribute.Int("runner.failed", report.Failed+report.Errors),
		attribute.Float64("runner.coverage", report.Percentage),
	)
	recordRun(ctx, outcome, report.Duration)

	r.logger.Info("Tests executed",
		slog.String("module", module),
		slog.String("outcome", outcome),
		slog.Int("passed", report.Passed),
		slog.Int("failed", report.Failed),
		slog.Int("errors", report.Errors),
		slog.Bool("coverage_measured", report.CoverageMeasured),
		slog.Float64("coverage", report.Percentage),
		slog.Duration("duration", report.Duration),
		slog.Int("exit_code", report.ExitCode),
	)
}

func (r *Runner) buildArgs(ctx context.Context, testPath string, sheet *datatypes.SourceFactSheet, covJSON string) []string {
	var args []string
	if sheet == nil {
		args = append(args, r.lang.PlainArgs...)
	} else {
		args = append(args, r.lang.TestArgs...)
		if r.opts.Branch {
			args = append(args, r.lang.BranchArgs...)
		}
		if r.opts.HTMLDir != "" {
			args = append(args, r.lang.HTMLArgs...)
		}
	}
	if r.opts.PerTestTimeout > 0 && r.hasTimeoutPlugin(ctx) {
		args = append(args, r.lang.TimeoutArgs...)
	}
	args = append(args, r.lang.ExtraArgs...)

	module := ""
	if sheet != nil {
		module = sheet.ModuleName
	}
	seconds := strconv.Itoa(int(r.opts.PerTestTimeout.Round(time.Second).Seconds()))
	replacer := strings.NewReplacer(
		placeholderFile, testPath,
		placeholderModule, module,
		placeholderCovJSON, covJSON,
		placeholderHTMLDir, r.opts.HTMLDir,
		placeholderTimeout, seconds,
	)
	for i, a := range args {
		args[i] = replacer.Replace(a)
	}
	return args
}

// environment isolates coverage data in workDir and puts the target's
// directory first on PYTHONPATH.
func (r *Runner) environment(sheet *datatypes.SourceFactSheet, workDir string) []string {
	env := make([]string, 0, len(os.Environ())+3)
	pythonPath := ""
	for _, kv := range os.Environ() {
		switch {
		case strings.HasPrefix(kv, "PYTHONPATH="):
			pythonPath = strings.TrimPrefix(kv, "PYTHONPATH=")
		case strings.HasPrefix(kv, "COVERAGE_FILE="):
		default:
			env = append(env, kv)
		}
	}
	if sheet != nil && sheet.Path != "" {
		dir, err := filepath.Abs(filepath.Dir(sheet.Path))
		if err == nil {
			if pythonPath != "" {
				pythonPath = dir + string(os.PathListSeparator) + pythonPath
			} else {
				pythonPath = dir
			}
		}
	}
	if pythonPath != "" {
		env = append(env, "PYTHONPATH="+pythonPath)
	}
	env = append(env,
		"COVERAGE_FILE="+filepath.Join(workDir, ".coverage"),
		"PYTHONDONTWRITEBYTECODE=1",
	)
	return env
}

func crashed(err error) *datatypes.ExecutionReport {
	return &datatypes.ExecutionReport{Crashed: true, ExitCode: -1, CrashMessage: err.Error()}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// =============================================================================
// LIMITED WRITER
// =============================================================================

// limitedWriter keeps at most limit bytes of output: the first half as
// written and the last half as a sliding tail. The pytest short summary
// and count line sit at the end of the output and survive truncation.
type limitedWriter struct {
	mu        sync.Mutex
	limit     int
	head      []byte
	tail      []byte
	dropped   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	n = len(p)
	headCap := lw.limit / 2
	tailCap := lw.limit - headCap

	if room := headCap - len(lw.head); room > 0 {
		take := min(room, len(p))
		lw.head = append(lw.head, p[:take]...)
		p = p[take:]
	}
	if len(p) == 0 {
		return n, nil
	}

	if len(p) >= tailCap {
		if len(lw.tail) > 0 || len(p) > tailCap {
			lw.truncated = true
		}
		lw.dropped += len(lw.tail) + len(p) - tailCap
		lw.tail = append(lw.tail[:0], p[len(p)-tailCap:]...)
		return n, nil
	}

	lw.tail = append(lw.tail, p...)
	if excess := len(lw.tail) - tailCap; excess > 0 {
		lw.truncated = true
		lw.dropped += excess
		kept := copy(lw.tail, lw.tail[excess:])
		lw.tail = lw.tail[:kept]
	}
	return n, nil
}

// String joins head and tail. When bytes were dropped between them the
// partial first tail line is discarded and a marker takes its place.
func (lw *limitedWriter) String() string {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.dropped == 0 {
		return string(lw.head) + string(lw.tail)
	}
	tail := lw.tail
	dropped := lw.dropped
	if i := bytes.IndexByte(tail, '\n'); i >= 0 {
		tail = tail[i+1:]
		dropped += i + 1
	}
	var b strings.Builder
	b.Grow(len(lw.head) + len(tail) + 64)
	b.Write(lw.head)
	fmt.Fprintf(&b, "\n... [%d bytes of output truncated] ...\n", dropped)
	b.Write(tail)
	return b.String()
}
