// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTestGen/pkg/config"
	"github.com/AleutianAI/AleutianTestGen/pkg/tokens"
	"github.com/AleutianAI/AleutianTestGen/services/llm"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/history"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/loop"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/runner"
)

const calcSource = `def add(a, b):
    return a + b


def divide(a, b):
    if b == 0:
        raise ValueError("division by zero")
    return a / b
`

const calcReply = "Here are the tests:\n\n```python\nimport pytest\nfrom calc import add, divide\n\n\ndef test_add():\n    assert add(1, 2) == 3\n\n\ndef test_divide_by_zero():\n    with pytest.raises(ValueError):\n        divide(1, 0)\n```\n"

type fixedCompleter struct {
	calls atomic.Int32
	text  string
}

func (f *fixedCompleter) Complete(_ context.Context, req datatypes.GenerationRequest) (datatypes.GenerationResult, error) {
	f.calls.Add(1)
	return datatypes.GenerationResult{Text: f.text, Provider: "mock", Attempts: 1}, nil
}

// percentRunner reports pct% line coverage over 10 lines.
type percentRunner struct {
	pct int
}

func (p percentRunner) Run(_ context.Context, art *datatypes.TestArtifact, _ *datatypes.SourceFactSheet, _ time.Duration) (*datatypes.ExecutionReport, error) {
	lines := make(map[int]bool, 10)
	for i := 1; i <= 10; i++ {
		lines[i] = i*10 <= p.pct
	}
	return &datatypes.ExecutionReport{Passed: len(art.TestNames), LineCoverage: lines, CoverageMeasured: true}, nil
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testConfig(dir string) config.Config {
	cfg := config.DefaultConfig()
	cfg.WorkingDirectory = dir
	cfg.Output.TestsDirectory = "tests"
	cfg.TestGeneration.TargetCoverage = 80
	cfg.TestGeneration.MaxRegenerationIterations = 2
	cfg.Coverage.BranchCoverage = false
	return cfg
}

func newTestService(t *testing.T, cfg config.Config, client loop.Completer, pct int, opts ...Option) *Service {
	t.Helper()
	base := []Option{
		WithLookup(llm.MapLookup(nil)),
		WithTokenCounter(tokens.Estimate),
		WithClientFactory(func(config.LLMConfig, llm.LookupFunc, *slog.Logger) (loop.Completer, error) {
			return client, nil
		}),
		WithRunnerFactory(func(config.RunnerConfig, runner.Options, *slog.Logger) (loop.TestRunner, error) {
			return percentRunner{pct: pct}, nil
		}),
	}
	s, err := New(cfg, nil, append(base, opts...)...)
	require.NoError(t, err)
	return s
}

func TestGenerate_WritesBestArtifact(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "calc.py", calcSource)
	client := &fixedCompleter{text: calcReply}
	s := newTestService(t, testConfig(dir), client, 90)

	result, err := s.Generate(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusAchieved, result.Status)
	assert.Equal(t, "calc", result.ModuleName)
	assert.Equal(t, filepath.Join(dir, "tests", "test_calc.py"), result.OutputPath)
	assert.Equal(t, int32(1), client.calls.Load())

	data, err := os.ReadFile(result.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "def test_divide_by_zero():")
	assert.NotContains(t, string(data), "Here are the tests")
}

func TestGenerate_RelativeSourceUsesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "calc.py", calcSource)
	s := newTestService(t, testConfig(dir), &fixedCompleter{text: calcReply}, 90)

	result, err := s.Generate(context.Background(), "calc.py")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "calc.py"), result.SourcePath)
}

func TestGenerate_SavesPromptsAndHistory(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "calc.py", calcSource)
	cfg := testConfig(dir)
	cfg.Output.SavePrompts = true

	store, err := history.Open(history.InMemoryConfig())
	require.NoError(t, err)
	defer store.Close()

	var seen []int
	s := newTestService(t, cfg, &fixedCompleter{text: calcReply}, 50,
		WithHistory(store),
		WithIterationFunc(func(source string, rec datatypes.IterationRecord) {
			assert.Equal(t, src, source)
			seen = append(seen, rec.Index)
		}),
	)

	result, err := s.Generate(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusPartialBestEffort, result.Status)
	assert.Equal(t, []int{1, 2}, seen)

	for _, n := range []string{"calc_iter1.txt", "calc_iter2.txt"} {
		_, err := os.Stat(filepath.Join(dir, "tests", ".prompts", n))
		assert.NoError(t, err, n)
	}

	stored, err := store.Get(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, result.OutputPath, stored.OutputPath)
	assert.Len(t, stored.History, 2)
}

func TestGenerate_CredentialMissing(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "calc.py", calcSource)
	s, err := New(testConfig(dir), nil,
		WithLookup(llm.MapLookup(nil)),
		WithTokenCounter(tokens.Estimate),
		WithRunnerFactory(func(config.RunnerConfig, runner.Options, *slog.Logger) (loop.TestRunner, error) {
			return percentRunner{pct: 100}, nil
		}),
	)
	require.NoError(t, err)

	result, err := s.Generate(context.Background(), src)
	require.ErrorIs(t, err, llm.ErrCredentialMissing)
	require.NotNil(t, result)
	assert.Equal(t, datatypes.StatusAborted, result.Status)
	assert.Empty(t, result.History)
	assert.Empty(t, result.OutputPath)

	_, statErr := os.Stat(filepath.Join(dir, "tests"))
	assert.True(t, os.IsNotExist(statErr), "nothing is written for an aborted session without artifacts")
}

func TestGenerate_NotPython(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "notes.txt", "hello")
	s := newTestService(t, testConfig(dir), &fixedCompleter{text: calcReply}, 90)

	result, err := s.Generate(context.Background(), src)
	assert.Nil(t, result)
	assert.Error(t, err)
}

func TestBatch_IndependentSessions(t *testing.T) {
	dir := t.TempDir()
	a := writeSource(t, dir, "calc.py", calcSource)
	b := writeSource(t, dir, "calc2.py", calcSource)
	missing := filepath.Join(dir, "missing.py")

	cfg := testConfig(dir)
	cfg.Concurrency = 2
	client := &fixedCompleter{text: calcReply}
	s := newTestService(t, cfg, client, 90)

	results, err := s.Batch(context.Background(), []string{a, missing, b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.py")

	require.Len(t, results, 3)
	require.NotNil(t, results[0])
	assert.Nil(t, results[1])
	require.NotNil(t, results[2])
	assert.Equal(t, datatypes.StatusAchieved, results[0].Status)
	assert.Equal(t, datatypes.StatusAchieved, results[2].Status)
	assert.NotEqual(t, results[0].SessionID, results[2].SessionID)
	assert.Equal(t, int32(2), client.calls.Load())
}

func TestBatch_RejectsDuplicateModuleNames(t *testing.T) {
	dir := t.TempDir()
	a := writeSource(t, dir, "calc.py", calcSource)
	other := filepath.Join(dir, "pkg")
	require.NoError(t, os.MkdirAll(other, 0o755))
	b := writeSource(t, other, "calc.py", calcSource)

	client := &fixedCompleter{text: calcReply}
	s := newTestService(t, testConfig(dir), client, 90)

	results, err := s.Batch(context.Background(), []string{a, b})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateModule)
	assert.Contains(t, err.Error(), b)

	require.Len(t, results, 2)
	require.NotNil(t, results[0])
	assert.Equal(t, datatypes.StatusAchieved, results[0].Status)
	assert.Nil(t, results[1])
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestBatch_AllSucceed(t *testing.T) {
	dir := t.TempDir()
	a := writeSource(t, dir, "calc.py", calcSource)
	s := newTestService(t, testConfig(dir), &fixedCompleter{text: calcReply}, 90)

	results, err := s.Batch(context.Background(), []string{a})
	require.NoError(t, err)
	require.Len(t, results, 1)
}
