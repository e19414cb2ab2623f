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
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTestGen/services/llm"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

func newTestController(t *testing.T, cfg Config, client Completer, run *mockRunner) *Controller {
	t.Helper()
	ctrl, err := NewController(cfg, Dependencies{
		Client: client,
		Parser: mockParser{},
		Runner: run,
	}, nil, WithSessionID("sess0001"))
	require.NoError(t, err)
	return ctrl
}

// =============================================================================
// Scenarios
// =============================================================================

func TestRun_AchievedOnSecondIteration(t *testing.T) {
	client := &mockCompleter{steps: replies("def test_a(): pass", "def test_b(): pass")}
	run := &mockRunner{steps: []runStep{{covered: 12, total: 20}, {covered: 17, total: 20}}}
	ctrl := newTestController(t, testConfig(80, 3), client, run)

	result, err := ctrl.Run(context.Background(), testSheet())
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusAchieved, result.Status)
	require.Len(t, result.History, 2)
	require.NotNil(t, result.Best)
	assert.Equal(t, 2, result.Best.Index)
	assert.InDelta(t, 85.0, result.BestCoverage(), 0.001)
	assert.InDelta(t, 60.0, result.History[0].CoverageDelta, 0.001)
	assert.InDelta(t, 25.0, result.History[1].CoverageDelta, 0.001)
	assert.Equal(t, "sess0001", result.SessionID)
	assert.Equal(t, "/src/calculator.py", result.SourcePath)
	assert.Equal(t, StateDone, ctrl.State())
}

func TestRun_AllUnparseableIsExhausted(t *testing.T) {
	cfg := testConfig(80, 3)
	cfg.MaxParseRetries = 0
	client := &mockCompleter{steps: replies(garbage, garbage, garbage)}
	run := &mockRunner{}
	ctrl := newTestController(t, cfg, client, run)

	result, err := ctrl.Run(context.Background(), testSheet())
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusExhausted, result.Status)
	assert.Nil(t, result.Best)
	require.Len(t, result.History, 3)
	for i, rec := range result.History {
		assert.Equal(t, i+1, rec.Index)
		assert.Equal(t, datatypes.OutcomeUnparseable, rec.Outcome)
		assert.Equal(t, garbage, rec.RawExcerpt)
		assert.NotEmpty(t, rec.Error)
	}
	assert.Empty(t, run.artifacts, "nothing should execute")
}

func TestRun_CredentialMissingAbortsBeforeIterating(t *testing.T) {
	ctrl, err := NewController(testConfig(80, 3), Dependencies{
		Parser: mockParser{},
		Runner: &mockRunner{},
		Preflight: func(context.Context) error {
			return llm.ErrCredentialMissing
		},
	}, nil)
	require.NoError(t, err)

	result, err := ctrl.Run(context.Background(), testSheet())
	require.ErrorIs(t, err, llm.ErrCredentialMissing)
	require.NotNil(t, result)
	assert.Equal(t, datatypes.StatusAborted, result.Status)
	assert.Empty(t, result.History)
	assert.Nil(t, result.Best)
	assert.NotEmpty(t, result.Error)
}

func TestRun_NilClientAbortsWithCredentialMissing(t *testing.T) {
	ctrl, err := NewController(testConfig(80, 3), Dependencies{Parser: mockParser{}, Runner: &mockRunner{}}, nil)
	require.NoError(t, err)

	result, err := ctrl.Run(context.Background(), testSheet())
	assert.ErrorIs(t, err, llm.ErrCredentialMissing)
	assert.Equal(t, datatypes.StatusAborted, result.Status)
	assert.Empty(t, result.History)
}

func TestRun_PartialBestEffortKeepsEarliestTie(t *testing.T) {
	client := &mockCompleter{steps: replies("def test_1(): pass", "def test_2(): pass", "def test_3(): pass")}
	run := &mockRunner{steps: []runStep{{covered: 14, total: 20}, {covered: 13, total: 20}, {covered: 14, total: 20}}}
	ctrl := newTestController(t, testConfig(80, 3), client, run)

	result, err := ctrl.Run(context.Background(), testSheet())
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusPartialBestEffort, result.Status)
	require.Len(t, result.History, 3)
	require.NotNil(t, result.Best)
	assert.Equal(t, 1, result.Best.Index)
	assert.InDelta(t, 70.0, result.BestCoverage(), 0.001)
	assert.Equal(t, "def test_1(): pass", result.Artifact().Source)
	assert.InDelta(t, -5.0, result.History[1].CoverageDelta, 0.001)
	assert.InDelta(t, 5.0, result.History[2].CoverageDelta, 0.001)
}

// =============================================================================
// Invariants
// =============================================================================

func TestRun_NeverExceedsIterationBudget(t *testing.T) {
	for _, budget := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("max=%d", budget), func(t *testing.T) {
			texts := make([]string, budget+3)
			steps := make([]runStep, budget+3)
			for i := range texts {
				texts[i] = "def test_x(): pass"
				steps[i] = runStep{covered: 1, total: 10}
			}
			client := &mockCompleter{steps: replies(texts...)}
			run := &mockRunner{steps: steps}
			ctrl := newTestController(t, testConfig(95, budget), client, run)

			result, err := ctrl.Run(context.Background(), testSheet())
			require.NoError(t, err)
			assert.Len(t, result.History, budget)
			assert.Equal(t, budget, client.calls())
			assert.Equal(t, datatypes.StatusPartialBestEffort, result.Status)
		})
	}
}

func TestRun_StopsAtFirstAchievedIteration(t *testing.T) {
	client := &mockCompleter{steps: replies("def test_a(): pass", "def test_b(): pass")}
	run := &mockRunner{steps: []runStep{{covered: 10, total: 10}, {covered: 10, total: 10}}}
	ctrl := newTestController(t, testConfig(100, 5), client, run)

	result, err := ctrl.Run(context.Background(), testSheet())
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusAchieved, result.Status)
	assert.Len(t, result.History, 1)
	assert.Equal(t, 1, client.calls())
}

func TestRun_BestIsMonotonic(t *testing.T) {
	var seen []float64
	client := &mockCompleter{steps: replies("def test_1(): pass", "def test_2(): pass", "def test_3(): pass", "def test_4(): pass")}
	run := &mockRunner{steps: []runStep{{covered: 5, total: 10}, {covered: 8, total: 10}, {covered: 3, total: 10}, {timedOut: true}}}
	ctrl, err := NewController(testConfig(90, 4), Dependencies{
		Client: client,
		Parser: mockParser{},
		Runner: run,
		OnIteration: func(rec datatypes.IterationRecord) {
			seen = append(seen, rec.Coverage())
		},
	}, nil)
	require.NoError(t, err)

	result, err := ctrl.Run(context.Background(), testSheet())
	require.NoError(t, err)

	assert.Equal(t, []float64{50, 80, 30, 0}, seen)
	assert.Equal(t, 2, result.Best.Index)
	assert.False(t, result.History[3].Measured(), "timed out run is not measured")
	assert.True(t, result.History[3].Report.TimedOut)
}

// =============================================================================
// Generation failures
// =============================================================================

func TestRun_ParseRetryStaysInIteration(t *testing.T) {
	cfg := testConfig(80, 2)
	cfg.MaxParseRetries = 1
	client := &mockCompleter{steps: replies(garbage, "def test_ok(): pass")}
	run := &mockRunner{steps: []runStep{{covered: 9, total: 10}}}
	ctrl := newTestController(t, cfg, client, run)

	result, err := ctrl.Run(context.Background(), testSheet())
	require.NoError(t, err)

	require.Len(t, result.History, 1)
	rec := result.History[0]
	assert.Equal(t, datatypes.OutcomeExecuted, rec.Outcome)
	assert.Equal(t, 2, rec.Attempts)
	assert.Empty(t, rec.Error)
	assert.Empty(t, rec.RawExcerpt)
	assert.Equal(t, datatypes.StatusAchieved, result.Status)
	assert.Equal(t, 1, client.requests[1].Iteration, "retry reuses the iteration")
}

func TestRun_UnparseableFeedsNextPrompt(t *testing.T) {
	cfg := testConfig(80, 2)
	cfg.MaxParseRetries = 0
	client := &mockCompleter{steps: replies(garbage, "def test_ok(): pass")}
	run := &mockRunner{steps: []runStep{{covered: 10, total: 10}}}
	ctrl := newTestController(t, cfg, client, run)

	result, err := ctrl.Run(context.Background(), testSheet())
	require.NoError(t, err)

	require.Len(t, result.History, 2)
	assert.Equal(t, datatypes.OutcomeUnparseable, result.History[0].Outcome)
	assert.Contains(t, client.requests[1].Prompt, "could not be used as a test module")
	assert.Equal(t, 2, client.requests[1].Iteration)
}

func TestRun_TransientExhaustionRecordsGenerationFailed(t *testing.T) {
	transient := &llm.ProviderError{Kind: llm.KindRateLimited, Provider: "mock", StatusCode: 429}
	client := &mockCompleter{steps: []completerStep{{err: transient}, {text: "def test_ok(): pass"}}}
	run := &mockRunner{steps: []runStep{{covered: 10, total: 10}}}
	ctrl := newTestController(t, testConfig(80, 3), client, run)

	result, err := ctrl.Run(context.Background(), testSheet())
	require.NoError(t, err)

	require.Len(t, result.History, 2)
	assert.Equal(t, datatypes.OutcomeGenerationFailed, result.History[0].Outcome)
	assert.Contains(t, result.History[0].Error, "429")
	assert.Equal(t, datatypes.StatusAchieved, result.Status)
	assert.Equal(t, 2, result.Best.Index)
}

func TestRun_FatalProviderErrorAborts(t *testing.T) {
	fatal := &llm.ProviderError{Kind: llm.KindFatal, Provider: "mock", StatusCode: 401, Message: "invalid api key"}
	client := &mockCompleter{steps: []completerStep{{text: "def test_a(): pass"}, {err: fatal}}}
	run := &mockRunner{steps: []runStep{{covered: 5, total: 10}}}
	ctrl := newTestController(t, testConfig(80, 3), client, run)

	result, err := ctrl.Run(context.Background(), testSheet())
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))

	assert.Equal(t, datatypes.StatusAborted, result.Status)
	require.Len(t, result.History, 2)
	assert.Equal(t, datatypes.OutcomeGenerationFailed, result.History[1].Outcome)
	require.NotNil(t, result.Best, "history before the abort is kept")
	assert.Equal(t, 1, result.Best.Index)
}

// =============================================================================
// Execution failures
// =============================================================================

func TestRun_RunnerErrorBecomesCrashedReport(t *testing.T) {
	client := &mockCompleter{steps: replies("def test_a(): pass", "def test_b(): pass")}
	run := &mockRunner{steps: []runStep{{err: errors.New("mkdir: no space left")}, {covered: 10, total: 10}}}
	ctrl := newTestController(t, testConfig(80, 2), client, run)

	result, err := ctrl.Run(context.Background(), testSheet())
	require.NoError(t, err)

	require.Len(t, result.History, 2)
	first := result.History[0]
	assert.True(t, first.Report.Crashed)
	assert.Contains(t, first.Report.CrashMessage, "no space left")
	assert.False(t, first.Measured())
	assert.Contains(t, client.requests[1].Prompt, "crashed")
	assert.Equal(t, datatypes.StatusAchieved, result.Status)
}

func TestRun_PassesExecutionTimeout(t *testing.T) {
	cfg := testConfig(50, 1)
	client := &mockCompleter{steps: replies("def test_a(): pass")}
	run := &mockRunner{steps: []runStep{{covered: 10, total: 10}}}
	ctrl := newTestController(t, cfg, client, run)

	_, err := ctrl.Run(context.Background(), testSheet())
	require.NoError(t, err)
	require.Len(t, run.timeouts, 1)
	assert.Equal(t, cfg.ExecutionTimeout, run.timeouts[0])
}

// =============================================================================
// Cancellation
// =============================================================================

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &mockCompleter{}
	ctrl := newTestController(t, testConfig(80, 3), client, &mockRunner{})

	result, err := ctrl.Run(ctx, testSheet())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, datatypes.StatusAborted, result.Status)
	assert.Empty(t, result.History)
	assert.Equal(t, 0, client.calls())
}

func TestRun_CancelMidIterationFinishesThenAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &mockCompleter{
		steps: replies("def test_a(): pass", "def test_b(): pass"),
		onCall: func(call int) {
			if call == 0 {
				cancel()
			}
		},
	}
	run := &mockRunner{steps: []runStep{{covered: 5, total: 10}}}
	ctrl := newTestController(t, testConfig(80, 3), client, run)

	result, err := ctrl.Run(ctx, testSheet())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, datatypes.StatusAborted, result.Status)

	require.Len(t, result.History, 1, "the in-flight iteration completes")
	assert.Equal(t, datatypes.OutcomeExecuted, result.History[0].Outcome)
	assert.Equal(t, 1, client.calls())
	require.Len(t, run.ctxErrs, 1)
	assert.NoError(t, run.ctxErrs[0], "runner context is detached from cancellation")
	assert.NotNil(t, result.Best)
}

func TestRun_CancelDuringParseRetryKeepsRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &mockCompleter{
		steps: replies(garbage, "def test_a(): pass"),
		onCall: func(call int) {
			if call == 0 {
				cancel()
			}
		},
	}
	cfg := testConfig(80, 3)
	cfg.MaxParseRetries = 2
	ctrl := newTestController(t, cfg, client, &mockRunner{})

	result, err := ctrl.Run(ctx, testSheet())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, datatypes.StatusAborted, result.Status)
	assert.Equal(t, 1, client.calls())

	require.Len(t, result.History, 1, "the interrupted iteration is recorded")
	rec := result.History[0]
	assert.Equal(t, datatypes.OutcomeUnparseable, rec.Outcome)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, garbage, rec.RawExcerpt)
	assert.NotEmpty(t, rec.Error)
	assert.False(t, rec.FinishedAt.IsZero())
}

func TestExcerpt_RuneBoundary(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"short", "héllo"},
		{"ascii over limit", strings.Repeat("a", maxRawExcerpt+10)},
		{"two byte runes", strings.Repeat("é", maxRawExcerpt)},
		{"three byte runes offset", "a" + strings.Repeat("€", maxRawExcerpt)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := excerpt(tt.in)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), maxRawExcerpt)
			assert.True(t, strings.HasPrefix(tt.in, got))
			if len(tt.in) > maxRawExcerpt {
				assert.Greater(t, len(got), maxRawExcerpt-utf8.UTFMax)
			}
		})
	}
}

// =============================================================================
// Hooks and guards
// =============================================================================

func TestRun_OnPromptSeesEveryRequest(t *testing.T) {
	cfg := testConfig(80, 2)
	cfg.MaxParseRetries = 1
	var iterations []int
	client := &mockCompleter{steps: replies(garbage, "def test_a(): pass", "def test_b(): pass")}
	run := &mockRunner{steps: []runStep{{covered: 1, total: 10}, {covered: 2, total: 10}}}
	ctrl, err := NewController(cfg, Dependencies{
		Client:   client,
		Parser:   mockParser{},
		Runner:   run,
		OnPrompt: func(req datatypes.GenerationRequest) { iterations = append(iterations, req.Iteration) },
	}, nil)
	require.NoError(t, err)

	_, err = ctrl.Run(context.Background(), testSheet())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2}, iterations)
}

func TestNewController_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		deps    Dependencies
		wantErr error
	}{
		{"bad target", func(c *Config) { c.TargetCoverage = 101 }, Dependencies{Parser: mockParser{}, Runner: &mockRunner{}}, ErrInvalidConfig},
		{"zero iterations", func(c *Config) { c.MaxIterations = 0 }, Dependencies{Parser: mockParser{}, Runner: &mockRunner{}}, ErrInvalidConfig},
		{"negative parse retries", func(c *Config) { c.MaxParseRetries = -1 }, Dependencies{Parser: mockParser{}, Runner: &mockRunner{}}, ErrInvalidConfig},
		{"zero timeout", func(c *Config) { c.ExecutionTimeout = 0 }, Dependencies{Parser: mockParser{}, Runner: &mockRunner{}}, ErrInvalidConfig},
		{"no parser", func(*Config) {}, Dependencies{Runner: &mockRunner{}}, ErrMissingDependency},
		{"no runner", func(*Config) {}, Dependencies{Parser: mockParser{}}, ErrMissingDependency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(80, 3)
			tt.mutate(&cfg)
			_, err := NewController(cfg, tt.deps, nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRun_InputGuards(t *testing.T) {
	ctrl := newTestController(t, testConfig(80, 1), &mockCompleter{}, &mockRunner{})

	_, err := ctrl.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilSheet)

	//nolint:staticcheck // nil context is the case under test
	_, err = ctrl.Run(nil, testSheet())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestState_IsTerminal(t *testing.T) {
	for _, s := range AllStates() {
		want := s == StateDone || s == StateAborted
		assert.Equal(t, want, s.IsTerminal(), s.String())
	}
}

func TestStateTransitionError(t *testing.T) {
	err := &StateTransitionError{From: StateDone, To: StateGenerating}
	assert.Equal(t, "invalid loop state transition: done -> generating", err.Error())
}
