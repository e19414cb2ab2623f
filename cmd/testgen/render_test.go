// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"plain", errors.New("boom"), exitError},
		{"floor", belowFloor(50, 60), exitBelowFloor},
		{"wrapped floor", fmt.Errorf("batch: %w", belowFloor(50, 60)), exitBelowFloor},
		{"explicit", withExitCode(exitError, errors.New("aborted")), exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
	assert.NoError(t, withExitCode(exitError, nil))
}

func TestFormatRanges(t *testing.T) {
	ranges := make([]datatypes.LineRange, 0, 14)
	for i := 0; i < 14; i++ {
		ranges = append(ranges, datatypes.LineRange{Start: i * 10, End: i * 10})
	}
	assert.Equal(t, "line 5, lines 7-9", formatRanges([]datatypes.LineRange{{Start: 5, End: 5}, {Start: 7, End: 9}}))
	assert.Contains(t, formatRanges(ranges), "(+2 more)")
}

func TestIterationLine(t *testing.T) {
	tests := []struct {
		name string
		rec  datatypes.IterationRecord
		want string
	}{
		{
			name: "measured",
			rec: datatypes.IterationRecord{
				Index:         2,
				Outcome:       datatypes.OutcomeExecuted,
				Report:        &datatypes.ExecutionReport{Passed: 4, Failed: 1, CoverageMeasured: true},
				Evaluation:    &datatypes.Evaluation{Percentage: 85},
				CoverageDelta: 25,
			},
			want: "iteration 2: 85.00% (+25.00), 4 passed, 1 failed",
		},
		{
			name: "timed out",
			rec: datatypes.IterationRecord{
				Index:   1,
				Outcome: datatypes.OutcomeExecuted,
				Report:  &datatypes.ExecutionReport{TimedOut: true},
			},
			want: "iteration 1: timed out",
		},
		{
			name: "unparseable",
			rec:  datatypes.IterationRecord{Index: 3, Outcome: datatypes.OutcomeUnparseable, Attempts: 2},
			want: "iteration 3: unparseable output after 2 attempts",
		},
		{
			name: "generation failed",
			rec:  datatypes.IterationRecord{Index: 1, Outcome: datatypes.OutcomeGenerationFailed, Error: "openai: timeout"},
			want: "iteration 1: generation failed: openai: timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, iterationLine(tt.rec))
		})
	}
}

func TestStatusIcon(t *testing.T) {
	assert.Equal(t, "✓", string(statusIcon(datatypes.StatusAchieved)))
	assert.Equal(t, "⚠", string(statusIcon(datatypes.StatusPartialBestEffort)))
	assert.Equal(t, "✗", string(statusIcon(datatypes.StatusAborted)))
	assert.Equal(t, "✗", string(statusIcon(datatypes.StatusExhausted)))
}
