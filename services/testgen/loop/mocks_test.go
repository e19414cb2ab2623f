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
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTestGen/pkg/tokens"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/artifact"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

// garbage is a reply the mock parser rejects.
const garbage = "I cannot help with that."

// completerStep is one scripted provider reply.
type completerStep struct {
	text string
	err  error
}

type mockCompleter struct {
	mu       sync.Mutex
	steps    []completerStep
	requests []datatypes.GenerationRequest
	ctxErrs  []error

	// onCall runs before the reply is returned.
	onCall func(call int)
}

func (m *mockCompleter) Complete(ctx context.Context, req datatypes.GenerationRequest) (datatypes.GenerationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := len(m.requests)
	m.requests = append(m.requests, req)
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if m.onCall != nil {
		m.onCall(call)
	}
	if call >= len(m.steps) {
		return datatypes.GenerationResult{}, fmt.Errorf("unexpected call %d", call+1)
	}
	step := m.steps[call]
	if step.err != nil {
		return datatypes.GenerationResult{Provider: "mock", Attempts: 1}, step.err
	}
	return datatypes.GenerationResult{Text: step.text, Provider: "mock", Attempts: 1}, nil
}

func (m *mockCompleter) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// mockParser accepts anything but garbage.
type mockParser struct{}

func (mockParser) Parse(_ context.Context, raw string, sheet *datatypes.SourceFactSheet) (*datatypes.TestArtifact, error) {
	if raw == garbage || raw == "" {
		return nil, &artifact.UnparseableError{Excerpt: raw, Err: artifact.ErrNoTests}
	}
	return &datatypes.TestArtifact{
		Name:      "test_" + sheet.ModuleName + ".py",
		Source:    raw,
		TestNames: []string{"test_generated"},
	}, nil
}

// runStep is one scripted execution outcome.
type runStep struct {
	covered  int
	total    int
	timedOut bool
	err      error
}

type mockRunner struct {
	mu        sync.Mutex
	steps     []runStep
	artifacts []*datatypes.TestArtifact
	timeouts  []time.Duration
	ctxErrs   []error
}

func (m *mockRunner) Run(ctx context.Context, art *datatypes.TestArtifact, _ *datatypes.SourceFactSheet, timeout time.Duration) (*datatypes.ExecutionReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := len(m.artifacts)
	m.artifacts = append(m.artifacts, art)
	m.timeouts = append(m.timeouts, timeout)
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if call >= len(m.steps) {
		return nil, errors.New("unexpected run")
	}
	step := m.steps[call]
	if step.err != nil {
		return nil, step.err
	}
	if step.timedOut {
		return &datatypes.ExecutionReport{
			TimedOut: true,
			Failed:   1,
			Failures: []datatypes.TestFailure{{Test: "(run)", Kind: datatypes.FailureTimeout, Message: "killed"}},
		}, nil
	}
	return coveredReport(step.covered, step.total), nil
}

// coveredReport marks the first covered of total lines as executed.
func coveredReport(covered, total int) *datatypes.ExecutionReport {
	lines := make(map[int]bool, total)
	for i := 1; i <= total; i++ {
		lines[i] = i <= covered
	}
	return &datatypes.ExecutionReport{
		Passed:           1,
		LineCoverage:     lines,
		CoverageMeasured: true,
		Percentage:       float64(covered) / float64(total) * 100,
	}
}

func testSheet() *datatypes.SourceFactSheet {
	return &datatypes.SourceFactSheet{
		ModuleName: "calculator",
		Path:       "/src/calculator.py",
		Source:     "def add(a, b):\n    return a + b\n",
		Symbols: []datatypes.Symbol{
			{Name: "add", Kind: datatypes.SymbolFunction, Signature: "def add(a, b)", Exported: true, StartLine: 1, EndLine: 2},
		},
		LineCount: 2,
	}
}

func testConfig(target float64, maxIter int) Config {
	cfg := DefaultConfig()
	cfg.TargetCoverage = target
	cfg.MaxIterations = maxIter
	cfg.BranchCoverage = false
	cfg.ExecutionTimeout = 5 * time.Second
	cfg.Prompt.Counter = tokens.Estimate
	cfg.Prompt.TargetCoverage = target
	return cfg
}

func replies(texts ...string) []completerStep {
	steps := make([]completerStep, len(texts))
	for i, t := range texts {
		steps[i] = completerStep{text: t}
	}
	return steps
}
