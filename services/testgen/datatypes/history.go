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

import "time"

// =============================================================================
// ITERATION RECORD
// =============================================================================

// Outcome describes how an iteration ended.
type Outcome string

const (
	// OutcomeExecuted means a parsed artifact was run.
	OutcomeExecuted Outcome = "executed"

	// OutcomeUnparseable means every generation attempt produced output
	// that could not be parsed into a test module.
	OutcomeUnparseable Outcome = "unparseable"

	// OutcomeGenerationFailed means the provider kept failing with
	// transient errors until attempts ran out.
	OutcomeGenerationFailed Outcome = "generation_failed"
)

// IterationRecord is one generation, execution and evaluation cycle.
//
// Records are appended to the session history and never modified.
type IterationRecord struct {
	Index   int     `json:"index"`
	Outcome Outcome `json:"outcome"`

	Artifact   *TestArtifact    `json:"artifact,omitempty"`
	Report     *ExecutionReport `json:"report,omitempty"`
	Evaluation *Evaluation      `json:"evaluation,omitempty"`

	// CoverageDelta is this iteration's coverage minus the coverage of the
	// previous executed iteration. The first one is measured from 0.
	CoverageDelta float64 `json:"coverage_delta"`

	// Attempts is the number of generation calls spent on this iteration.
	Attempts int `json:"attempts"`

	// Error describes the last generation or parse failure, if any.
	Error string `json:"error,omitempty"`

	// RawExcerpt keeps the head of the last unparseable response.
	RawExcerpt string `json:"raw_excerpt,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Measured reports whether the iteration produced coverage data, which
// makes it eligible to be the session's best record.
func (r *IterationRecord) Measured() bool {
	return r != nil &&
		r.Outcome == OutcomeExecuted &&
		r.Report != nil &&
		r.Report.CoverageMeasured &&
		r.Evaluation != nil
}

// Coverage returns the evaluated percentage, or 0 when not measured.
func (r *IterationRecord) Coverage() float64 {
	if !r.Measured() {
		return 0
	}
	return r.Evaluation.Percentage
}

// =============================================================================
// LOOP RESULT
// =============================================================================

// Status is the terminal status of a session.
type Status string

const (
	// StatusAchieved means an iteration reached the coverage target.
	StatusAchieved Status = "achieved"

	// StatusPartialBestEffort means the budget ran out below the target,
	// but at least one iteration was measured.
	StatusPartialBestEffort Status = "partial_best_effort"

	// StatusExhausted means the budget ran out and no iteration was
	// measured.
	StatusExhausted Status = "exhausted"

	// StatusAborted means a fatal error or cancellation stopped the session.
	StatusAborted Status = "aborted"
)

// String returns the status name.
func (s Status) String() string {
	return string(s)
}

// LoopResult is the terminal value of a session.
type LoopResult struct {
	SessionID  string `json:"session_id"`
	SourcePath string `json:"source_path"`
	ModuleName string `json:"module_name"`
	Status     Status `json:"status"`

	// Best is the measured iteration with the highest coverage, earliest
	// first on ties. Nil when nothing was measured.
	Best *IterationRecord `json:"best,omitempty"`

	// History holds every iteration in order.
	History []IterationRecord `json:"history"`

	// Err is the fatal error for aborted sessions.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`

	// OutputPath is where the artifact was written, if anywhere.
	OutputPath string `json:"output_path,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Iterations returns the number of recorded iterations.
func (r *LoopResult) Iterations() int {
	return len(r.History)
}

// BestCoverage returns the best measured coverage, or 0.
func (r *LoopResult) BestCoverage() float64 {
	return r.Best.Coverage()
}

// Artifact returns the artifact to persist: the best record's artifact, or
// the most recent parsed artifact when nothing was measured. Nil when no
// iteration produced parsable output.
func (r *LoopResult) Artifact() *TestArtifact {
	if r.Best != nil && !r.Best.Artifact.IsEmpty() {
		return r.Best.Artifact
	}
	for i := len(r.History) - 1; i >= 0; i-- {
		if a := r.History[i].Artifact; !a.IsEmpty() {
			return a
		}
	}
	return nil
}
