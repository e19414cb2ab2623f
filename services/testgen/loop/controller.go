// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianTestGen/services/llm"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/artifact"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/coverage"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/prompt"
)

// maxRawExcerpt bounds the raw response kept on unparseable records.
const maxRawExcerpt = 500

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller runs the regeneration loop for one source file.
//
// Thread Safety: NOT safe for concurrent use.
type Controller struct {
	config    Config
	deps      Dependencies
	logger    *slog.Logger
	sessionID string
	now       func() time.Time

	s       *session
	running bool
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) ControllerOption {
	return func(c *Controller) {
		c.sessionID = id
	}
}

// withClock replaces time.Now in tests.
func withClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.now = now
	}
}

// session is the working state of one Run.
type session struct {
	id    string
	state State
	sheet *datatypes.SourceFactSheet

	iteration int
	pending   *datatypes.IterationRecord
	history   []datatypes.IterationRecord
	bestIdx   int
	lastEval  *datatypes.Evaluation
	achieved  bool

	err     error
	started time.Time
}

// NewController creates a controller.
//
// Inputs:
//   - cfg: Session settings. Validated here.
//   - deps: Collaborators. Parser and Runner are required.
//   - logger: Structured logger. Nil uses slog.Default().
//
// Outputs:
//   - *Controller: The controller.
//   - error: ErrInvalidConfig or ErrMissingDependency.
func NewController(cfg Config, deps Dependencies, logger *slog.Logger, opts ...ControllerOption) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Parser == nil {
		return nil, fmt.Errorf("%w: parser is nil", ErrMissingDependency)
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("%w: runner is nil", ErrMissingDependency)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		config: cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run executes the loop for sheet.
//
// Description:
//
//	Iterates generate, execute, evaluate until the target is reached or
//	MaxIterations iterations have been recorded. The result is always
//	returned when err is a session failure, so callers can still persist
//	the best artifact and history of an aborted session.
//
// Inputs:
//   - ctx: Session context. Cancellation aborts before the next generation.
//   - sheet: Fact sheet of the target source.
//
// Outputs:
//   - *datatypes.LoopResult: The outcome, including history.
//   - error: Non-nil only for credential, fatal provider and cancellation
//     failures, or for invalid input.
func (c *Controller) Run(ctx context.Context, sheet *datatypes.SourceFactSheet) (*datatypes.LoopResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if sheet == nil {
		return nil, ErrNilSheet
	}
	if c.running {
		return nil, ErrAlreadyRunning
	}
	c.running = true
	defer func() { c.running = false }()

	id := c.sessionID
	if id == "" {
		id = uuid.New().String()[:8]
	}
	c.s = &session{
		id:      id,
		state:   StateInit,
		sheet:   sheet,
		bestIdx: -1,
		started: c.now(),
	}
	logger := c.logger.With(slog.String("session_id", id))

	ctx, span := startSessionSpan(ctx, id, sheet.ModuleName)
	defer span.End()

	logger.Info("Starting test generation session",
		slog.String("module", sheet.ModuleName),
		slog.Float64("target", c.config.TargetCoverage),
		slog.Int("max_iterations", c.config.MaxIterations),
	)

	for !c.s.state.IsTerminal() {
		if err := c.step(ctx, span, logger); err != nil {
			logger.Error("Step failed",
				slog.String("state", c.s.state.String()),
				slog.String("error", err.Error()),
			)
			c.abort(ctx, span, logger, err)
		}
	}

	result := c.buildResult()

	setSessionSpanResult(span, result.Status.String(), result.Iterations(), result.BestCoverage())
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	recordSessionMetrics(ctx, result.Status.String(), result.Duration, result.Iterations(), result.BestCoverage())

	logger.Info("Test generation session complete",
		slog.String("status", result.Status.String()),
		slog.Int("iterations", result.Iterations()),
		slog.Float64("best_coverage", result.BestCoverage()),
		slog.Duration("duration", result.Duration),
	)

	return result, result.Err
}

// step executes one state handler.
func (c *Controller) step(ctx context.Context, span trace.Span, logger *slog.Logger) error {
	switch c.s.state {
	case StateInit:
		return c.stepInit(ctx, span, logger)
	case StateGenerating:
		return c.stepGenerating(ctx, span, logger)
	case StateExecuting:
		return c.stepExecuting(ctx, span, logger)
	case StateEvaluating:
		return c.stepEvaluating(ctx, span, logger)
	case StateRegenerating:
		c.s.iteration++
		c.s.pending = nil
		c.transition(ctx, span, logger, StateGenerating)
		return nil
	default:
		return &StateTransitionError{From: c.s.state, To: StateGenerating}
	}
}

// transition changes state with logging.
func (c *Controller) transition(ctx context.Context, span trace.Span, logger *slog.Logger, to State) {
	from := c.s.state
	c.s.state = to

	recordStateTransition(ctx, from, to)
	addStateTransitionEvent(span, from, to, c.s.iteration)

	logger.Debug("Loop state transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("iteration", c.s.iteration),
	)
}

// abort ends the session with err.
func (c *Controller) abort(ctx context.Context, span trace.Span, logger *slog.Logger, err error) {
	c.s.err = err
	logger.Warn("Session aborted",
		slog.Int("iteration", c.s.iteration),
		slog.String("error", err.Error()),
	)
	c.transition(ctx, span, logger, StateAborted)
}

// =============================================================================
// STATE HANDLERS
// =============================================================================

func (c *Controller) stepInit(ctx context.Context, span trace.Span, logger *slog.Logger) error {
	if c.deps.Preflight != nil {
		if err := c.deps.Preflight(ctx); err != nil {
			c.abort(ctx, span, logger, err)
			return nil
		}
	}
	if c.deps.Client == nil {
		c.abort(ctx, span, logger, llm.ErrCredentialMissing)
		return nil
	}
	c.s.iteration = 1
	c.transition(ctx, span, logger, StateGenerating)
	return nil
}

func (c *Controller) stepGenerating(ctx context.Context, span trace.Span, logger *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		// an iteration cancelled between parse retries is still recorded
		if rec := c.s.pending; rec != nil && rec.Attempts > 0 {
			rec.Outcome = datatypes.OutcomeUnparseable
			c.appendRecord(rec)
			c.s.pending = nil
		}
		c.abort(ctx, span, logger, err)
		return nil
	}

	if c.s.pending == nil {
		c.s.pending = &datatypes.IterationRecord{
			Index:     c.s.iteration,
			StartedAt: c.now(),
		}
	}
	rec := c.s.pending

	req := prompt.Build(c.s.sheet, c.lastRecord(), c.config.Prompt)
	if c.deps.OnPrompt != nil {
		c.deps.OnPrompt(req)
	}

	rec.Attempts++
	detached := context.WithoutCancel(ctx)
	res, err := c.deps.Client.Complete(detached, req)
	if err != nil {
		rec.Error = err.Error()
		if llm.IsFatal(err) {
			rec.Outcome = datatypes.OutcomeGenerationFailed
			c.appendRecord(rec)
			c.abort(ctx, span, logger, err)
			return nil
		}
		logger.Warn("Generation failed after retries",
			slog.Int("iteration", c.s.iteration),
			slog.String("error", err.Error()),
		)
		rec.Outcome = datatypes.OutcomeGenerationFailed
		c.transition(ctx, span, logger, StateEvaluating)
		return nil
	}

	art, err := c.deps.Parser.Parse(detached, res.Text, c.s.sheet)
	if err != nil {
		rec.Error = err.Error()
		var ue *artifact.UnparseableError
		if errors.As(err, &ue) {
			rec.RawExcerpt = ue.Excerpt
		} else {
			rec.RawExcerpt = excerpt(res.Text)
		}
		if rec.Attempts <= c.config.MaxParseRetries {
			logger.Warn("Unparseable response, regenerating",
				slog.Int("iteration", c.s.iteration),
				slog.Int("attempt", rec.Attempts),
				slog.String("error", err.Error()),
			)
			return nil
		}
		rec.Outcome = datatypes.OutcomeUnparseable
		c.transition(ctx, span, logger, StateEvaluating)
		return nil
	}

	rec.Artifact = art
	rec.Error = ""
	rec.RawExcerpt = ""
	logger.Info("Test module generated",
		slog.Int("iteration", c.s.iteration),
		slog.Int("tests", len(art.TestNames)),
		slog.Int("warnings", len(art.Warnings)),
		slog.String("provider", res.Provider),
		slog.Int("output_tokens", res.OutputTokens),
	)
	c.transition(ctx, span, logger, StateExecuting)
	return nil
}

func (c *Controller) stepExecuting(ctx context.Context, span trace.Span, logger *slog.Logger) error {
	rec := c.s.pending
	report, err := c.deps.Runner.Run(context.WithoutCancel(ctx), rec.Artifact, c.s.sheet, c.config.ExecutionTimeout)
	if err != nil {
		logger.Warn("Test execution failed",
			slog.Int("iteration", c.s.iteration),
			slog.String("error", err.Error()),
		)
		report = &datatypes.ExecutionReport{Crashed: true, CrashMessage: err.Error(), ExitCode: -1}
	}
	rec.Report = report
	rec.Outcome = datatypes.OutcomeExecuted
	c.transition(ctx, span, logger, StateEvaluating)
	return nil
}

func (c *Controller) stepEvaluating(ctx context.Context, span trace.Span, logger *slog.Logger) error {
	rec := c.s.pending

	if rec.Outcome == datatypes.OutcomeExecuted {
		eval := coverage.Evaluate(rec.Report, c.config.TargetCoverage, c.config.BranchCoverage)
		rec.Evaluation = &eval
		rec.CoverageDelta = coverage.Delta(c.s.lastEval, &eval)
		c.s.lastEval = &eval
	}
	c.appendRecord(rec)

	attrs := []any{
		slog.Int("iteration", rec.Index),
		slog.String("outcome", string(rec.Outcome)),
	}
	if rec.Evaluation != nil {
		attrs = append(attrs,
			slog.Float64("coverage", rec.Evaluation.Percentage),
			slog.Float64("delta", rec.CoverageDelta),
			slog.Int("passed", rec.Report.Passed),
			slog.Int("failed", rec.Report.Failed+rec.Report.Errors),
		)
	}
	logger.Info("Iteration evaluated", attrs...)

	switch {
	case rec.Measured() && rec.Evaluation.Achieved:
		c.s.achieved = true
		c.transition(ctx, span, logger, StateDone)
	case c.s.iteration >= c.config.MaxIterations:
		c.transition(ctx, span, logger, StateDone)
	default:
		c.transition(ctx, span, logger, StateRegenerating)
	}
	return nil
}

// =============================================================================
// HISTORY
// =============================================================================

// appendRecord finalizes rec, appends it and updates the best index.
func (c *Controller) appendRecord(rec *datatypes.IterationRecord) {
	rec.FinishedAt = c.now()
	c.s.history = append(c.s.history, *rec)
	idx := len(c.s.history) - 1

	cur := &c.s.history[idx]
	if cur.Measured() {
		if c.s.bestIdx < 0 || cur.Coverage() > c.s.history[c.s.bestIdx].Coverage() {
			c.s.bestIdx = idx
		}
	}
	if c.deps.OnIteration != nil {
		c.deps.OnIteration(*cur)
	}
}

func (c *Controller) lastRecord() *datatypes.IterationRecord {
	if len(c.s.history) == 0 {
		return nil
	}
	last := c.s.history[len(c.s.history)-1]
	return &last
}

// =============================================================================
// RESULT BUILDING
// =============================================================================

func (c *Controller) buildResult() *datatypes.LoopResult {
	s := c.s
	result := &datatypes.LoopResult{
		SessionID:  s.id,
		SourcePath: s.sheet.Path,
		ModuleName: s.sheet.ModuleName,
		History:    append([]datatypes.IterationRecord(nil), s.history...),
		StartedAt:  s.started,
		Duration:   c.now().Sub(s.started),
	}
	if s.bestIdx >= 0 {
		best := s.history[s.bestIdx]
		result.Best = &best
	}

	switch {
	case s.state == StateAborted:
		result.Status = datatypes.StatusAborted
		result.Err = s.err
		if s.err != nil {
			result.Error = s.err.Error()
		}
	case s.achieved:
		result.Status = datatypes.StatusAchieved
	case result.Best != nil:
		result.Status = datatypes.StatusPartialBestEffort
	default:
		result.Status = datatypes.StatusExhausted
	}
	return result
}

// State returns the current state, or StateInit before the first Run.
func (c *Controller) State() State {
	if c.s == nil {
		return StateInit
	}
	return c.s.state
}

// IsRunning returns true while Run is executing.
func (c *Controller) IsRunning() bool {
	return c.running
}

// excerpt returns the head of s, cut at a rune boundary.
func excerpt(s string) string {
	if len(s) <= maxRawExcerpt {
		return s
	}
	n := maxRawExcerpt
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
