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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/coverage"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/runner"
)

// ErrRunFileUnsupported is returned when the configured runner cannot run
// existing test files.
var ErrRunFileUnsupported = errors.New("runner cannot execute existing test files")

// FileRunner runs a test file that already exists on disk.
type FileRunner interface {
	RunFile(ctx context.Context, testPath string, sheet *datatypes.SourceFactSheet, timeout time.Duration) (*datatypes.ExecutionReport, error)
}

// Measurement is the coverage of an existing test file.
type Measurement struct {
	Sheet      *datatypes.SourceFactSheet
	Report     *datatypes.ExecutionReport
	Evaluation datatypes.Evaluation
}

// Measure runs testPath against sourcePath with coverage and evaluates the
// result against the configured target.
func (s *Service) Measure(ctx context.Context, testPath, sourcePath string) (*Measurement, error) {
	sheet, err := s.Extract(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	report, err := s.runFile(ctx, testPath, sheet)
	if err != nil {
		return nil, err
	}
	eval := coverage.Evaluate(report, s.cfg.TestGeneration.TargetCoverage, s.cfg.Coverage.BranchCoverage)

	s.logger.Info("Measured coverage",
		slog.String("module", sheet.ModuleName),
		slog.String("tests", testPath),
		slog.Float64("coverage", eval.Percentage),
		slog.Int("passed", report.Passed),
		slog.Int("failed", report.Failed),
	)
	return &Measurement{Sheet: sheet, Report: report, Evaluation: eval}, nil
}

// RunTests runs testPath without collecting coverage.
func (s *Service) RunTests(ctx context.Context, testPath string) (*datatypes.ExecutionReport, error) {
	return s.runFile(ctx, testPath, nil)
}

func (s *Service) runFile(ctx context.Context, testPath string, sheet *datatypes.SourceFactSheet) (*datatypes.ExecutionReport, error) {
	path := s.cfg.ResolvePath(testPath)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("test file %s: %w", testPath, err)
	}
	branch := s.cfg.Coverage.BranchCoverage && sheet != nil
	r, err := s.newRunner(s.cfg.Runner, runner.Options{Branch: branch}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("create runner: %w", err)
	}
	fr, ok := r.(FileRunner)
	if !ok {
		return nil, ErrRunFileUnsupported
	}
	report, err := fr.RunFile(ctx, path, sheet, s.cfg.Runner.Timeout)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", testPath, err)
	}
	return report, nil
}
