// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"time"
)

// FailureKind distinguishes how a test failed.
type FailureKind string

const (
	// FailureAssertion is a failed assert.
	FailureAssertion FailureKind = "assertion"

	// FailureError is an unexpected exception, a setup error or a
	// collection error.
	FailureError FailureKind = "error"

	// FailureTimeout is a test or run killed by a timeout.
	FailureTimeout FailureKind = "timeout"
)

// TestFailure is one failing test.
type TestFailure struct {
	Test    string      `json:"test"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// BranchArc is a control-flow edge between two source lines. A negative
// To means a function exit.
type BranchArc struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// BranchCoverage summarizes branch measurements.
type BranchCoverage struct {
	Total   int         `json:"total"`
	Covered int         `json:"covered"`
	Missing []BranchArc `json:"missing,omitempty"`
}

// ExecutionReport is the outcome of running a test module. Read-only once
// produced.
type ExecutionReport struct {
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Errors   int           `json:"errors"`
	Failures []TestFailure `json:"failures,omitempty"`

	// LineCoverage maps executable line numbers to whether they ran.
	LineCoverage map[int]bool   `json:"line_coverage,omitempty"`
	Branches     BranchCoverage `json:"branches"`

	// Percentage is the coverage reported by the coverage tool.
	Percentage float64 `json:"percentage"`

	// CoverageMeasured is false when no coverage data was produced, e.g.
	// after a timeout or an interpreter crash.
	CoverageMeasured bool `json:"coverage_measured"`

	TimedOut     bool          `json:"timed_out"`
	Crashed      bool          `json:"crashed"`
	CrashMessage string        `json:"crash_message,omitempty"`
	ExitCode     int           `json:"exit_code"`
	Output       string        `json:"output,omitempty"`
	Truncated    bool          `json:"truncated,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Total returns the number of tests that ran.
func (r *ExecutionReport) Total() int {
	return r.Passed + r.Failed + r.Errors
}

// AllPassed reports whether every test passed and the run completed.
func (r *ExecutionReport) AllPassed() bool {
	return !r.TimedOut && !r.Crashed && r.Failed == 0 && r.Errors == 0 && r.Passed > 0
}

// LineRange is an inclusive range of source lines.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// String renders the range as "line 7" or "lines 12-15".
func (r LineRange) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("line %d", r.Start)
	}
	return fmt.Sprintf("lines %d-%d", r.Start, r.End)
}

// Evaluation is the coverage verdict for one report.
type Evaluation struct {
	Achieved        bool        `json:"achieved"`
	Percentage      float64     `json:"percentage"`
	Target          float64     `json:"target"`
	UncoveredRanges []LineRange `json:"uncovered_ranges,omitempty"`
	MissingBranches []BranchArc `json:"missing_branches,omitempty"`
}
