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
	"time"

	"github.com/AleutianAI/AleutianTestGen/pkg/config"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/prompt"
)

// =============================================================================
// STATE
// =============================================================================

// State is a state of the regeneration state machine.
type State string

const (
	// StateInit checks preconditions before the first iteration.
	StateInit State = "init"

	// StateGenerating builds a prompt, calls the provider and parses.
	StateGenerating State = "generating"

	// StateExecuting runs the parsed test module.
	StateExecuting State = "executing"

	// StateEvaluating records the iteration and decides what comes next.
	StateEvaluating State = "evaluating"

	// StateRegenerating advances to the next iteration with feedback.
	StateRegenerating State = "regenerating"

	// StateDone ends the session normally.
	StateDone State = "done"

	// StateAborted ends the session on a fatal error or cancellation.
	StateAborted State = "aborted"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether s ends the session.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateAborted
}

// AllStates returns every state in declaration order.
func AllStates() []State {
	return []State{
		StateInit,
		StateGenerating,
		StateExecuting,
		StateEvaluating,
		StateRegenerating,
		StateDone,
		StateAborted,
	}
}

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Completer produces raw model output for a request.
//
// *llm.Client implements it.
type Completer interface {
	Complete(ctx context.Context, req datatypes.GenerationRequest) (datatypes.GenerationResult, error)
}

// TestParser turns raw model output into a test module.
//
// *artifact.Parser implements it.
type TestParser interface {
	Parse(ctx context.Context, raw string, sheet *datatypes.SourceFactSheet) (*datatypes.TestArtifact, error)
}

// TestRunner executes a test module against the target.
//
// *runner.Runner implements it.
type TestRunner interface {
	Run(ctx context.Context, art *datatypes.TestArtifact, sheet *datatypes.SourceFactSheet, timeout time.Duration) (*datatypes.ExecutionReport, error)
}

// Dependencies are the collaborators of a Controller.
type Dependencies struct {
	// Client may be nil when provider resolution failed; the session then
	// aborts in Init with Preflight's error or llm.ErrCredentialMissing.
	Client Completer
	Parser TestParser
	Runner TestRunner

	// Preflight runs once in Init. A non-nil error aborts the session
	// before any iteration.
	Preflight func(ctx context.Context) error

	// OnPrompt, if set, receives every request before it is sent.
	OnPrompt func(req datatypes.GenerationRequest)

	// OnIteration, if set, receives every record as it is appended.
	OnIteration func(rec datatypes.IterationRecord)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds the settings of one regeneration session.
type Config struct {
	// TargetCoverage is the percentage that ends the session early.
	// Default: 90
	TargetCoverage float64

	// MaxIterations bounds the number of iterations.
	// Default: 3
	MaxIterations int

	// MaxParseRetries is how many extra generations an iteration may
	// spend on unparseable output.
	// Default: 1
	MaxParseRetries int

	// BranchCoverage counts branches toward the percentage.
	// Default: true
	BranchCoverage bool

	// ExecutionTimeout bounds one test run.
	// Default: 120s
	ExecutionTimeout time.Duration

	// Prompt configures the prompt builder.
	Prompt prompt.Options
}

// DefaultConfig returns a Config built from config.DefaultConfig.
func DefaultConfig() Config {
	return ConfigFromApp(config.DefaultConfig())
}

// ConfigFromApp maps the application configuration onto Config.
func ConfigFromApp(cfg config.Config) Config {
	return Config{
		TargetCoverage:   cfg.TestGeneration.TargetCoverage,
		MaxIterations:    cfg.TestGeneration.MaxRegenerationIterations,
		MaxParseRetries:  cfg.TestGeneration.MaxParseRetries,
		BranchCoverage:   cfg.Coverage.BranchCoverage,
		ExecutionTimeout: cfg.Runner.Timeout,
		Prompt:           prompt.OptionsFromConfig(cfg),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.TargetCoverage < 0 || c.TargetCoverage > 100:
		return invalidConfig("target coverage %.1f outside 0-100", c.TargetCoverage)
	case c.MaxIterations < 1:
		return invalidConfig("max iterations must be at least 1, got %d", c.MaxIterations)
	case c.MaxParseRetries < 0:
		return invalidConfig("max parse retries must not be negative, got %d", c.MaxParseRetries)
	case c.ExecutionTimeout <= 0:
		return invalidConfig("execution timeout must be positive, got %s", c.ExecutionTimeout)
	}
	return nil
}
