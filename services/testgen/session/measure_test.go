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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTestGen/pkg/config"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/loop"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/runner"
)

// fileRunner reports 6 of 10 lines covered for every file it runs.
type fileRunner struct {
	percentRunner
	lastSheet *datatypes.SourceFactSheet
	lastPath  string
}

func (f *fileRunner) RunFile(_ context.Context, testPath string, sheet *datatypes.SourceFactSheet, _ time.Duration) (*datatypes.ExecutionReport, error) {
	f.lastPath = testPath
	f.lastSheet = sheet
	lines := make(map[int]bool, 10)
	for i := 1; i <= 10; i++ {
		lines[i] = i <= 6
	}
	return &datatypes.ExecutionReport{Passed: 2, Failed: 1, LineCoverage: lines, CoverageMeasured: sheet != nil}, nil
}

func TestMeasure(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "calc.py", calcSource)
	writeSource(t, dir, "test_calc.py", "def test_x():\n    assert True\n")

	fr := &fileRunner{}
	s := newTestService(t, testConfig(dir), &fixedCompleter{text: calcReply}, 0,
		WithRunnerFactory(func(config.RunnerConfig, runner.Options, *slog.Logger) (loop.TestRunner, error) {
			return fr, nil
		}),
	)

	m, err := s.Measure(context.Background(), "test_calc.py", src)
	require.NoError(t, err)
	assert.Equal(t, "calc", m.Sheet.ModuleName)
	assert.Equal(t, 60.0, m.Evaluation.Percentage)
	assert.False(t, m.Evaluation.Achieved)
	require.Len(t, m.Evaluation.UncoveredRanges, 1)
	assert.Equal(t, "lines 7-10", m.Evaluation.UncoveredRanges[0].String())
	assert.Equal(t, filepath.Join(dir, "test_calc.py"), fr.lastPath)
}

func TestRunTests(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "test_calc.py", "def test_x():\n    assert True\n")

	fr := &fileRunner{}
	s := newTestService(t, testConfig(dir), &fixedCompleter{text: calcReply}, 0,
		WithRunnerFactory(func(config.RunnerConfig, runner.Options, *slog.Logger) (loop.TestRunner, error) {
			return fr, nil
		}),
	)

	report, err := s.RunTests(context.Background(), "test_calc.py")
	require.NoError(t, err)
	assert.Nil(t, fr.lastSheet)
	assert.Equal(t, 3, report.Total())
	assert.False(t, report.CoverageMeasured)
}

func TestRunTests_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		s := newTestService(t, testConfig(dir), &fixedCompleter{text: calcReply}, 0)
		_, err := s.RunTests(context.Background(), "nope.py")
		assert.Error(t, err)
	})

	t.Run("runner without RunFile", func(t *testing.T) {
		writeSource(t, dir, "test_calc.py", "def test_x():\n    assert True\n")
		s := newTestService(t, testConfig(dir), &fixedCompleter{text: calcReply}, 0)
		_, err := s.RunTests(context.Background(), "test_calc.py")
		assert.ErrorIs(t, err, ErrRunFileUnsupported)
	})
}
