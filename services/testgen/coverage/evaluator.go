// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coverage turns execution reports into coverage verdicts.
package coverage

import (
	"math"
	"sort"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

// Evaluate compares the coverage of report against target.
//
// Description:
//
//	In branch mode the percentage is (covered lines + covered branches)
//	divided by (statements + branches); in line mode it is covered lines
//	divided by statements. A target with no executable lines counts as
//	fully covered. Achieved is true iff the percentage is at least
//	target. Uncovered lines are merged into sorted inclusive ranges.
//
//	A report without coverage data evaluates to 0% and not achieved.
//
// Inputs:
//   - report: The execution report. May be nil.
//   - target: Target percentage, 0-100.
//   - branch: Whether branch coverage counts.
//
// Outputs:
//   - datatypes.Evaluation: The verdict.
func Evaluate(report *datatypes.ExecutionReport, target float64, branch bool) datatypes.Evaluation {
	eval := datatypes.Evaluation{Target: target}
	if report == nil || !report.CoverageMeasured {
		return eval
	}

	statements, covered := 0, 0
	var missing []int
	for line, hit := range report.LineCoverage {
		statements++
		if hit {
			covered++
		} else {
			missing = append(missing, line)
		}
	}

	numerator, denominator := covered, statements
	if branch {
		numerator += report.Branches.Covered
		denominator += report.Branches.Total
		eval.MissingBranches = sortedArcs(report.Branches.Missing)
	}

	if denominator == 0 {
		eval.Percentage = 100
		eval.Achieved = eval.Percentage >= target
	} else {
		eval.Percentage = round2(float64(numerator) / float64(denominator) * 100)
		// the target check uses the unrounded ratio
		eval.Achieved = float64(numerator)*100 >= target*float64(denominator)
	}
	eval.UncoveredRanges = MergeRanges(missing)
	return eval
}

// MergeRanges sorts line numbers and merges consecutive ones into
// inclusive ranges. Duplicates are ignored.
func MergeRanges(lines []int) []datatypes.LineRange {
	if len(lines) == 0 {
		return nil
	}
	sorted := append([]int(nil), lines...)
	sort.Ints(sorted)

	var ranges []datatypes.LineRange
	cur := datatypes.LineRange{Start: sorted[0], End: sorted[0]}
	for _, l := range sorted[1:] {
		switch {
		case l == cur.End:
		case l == cur.End+1:
			cur.End = l
		default:
			ranges = append(ranges, cur)
			cur = datatypes.LineRange{Start: l, End: l}
		}
	}
	return append(ranges, cur)
}

// Delta returns the coverage change from prev to cur. A nil prev counts
// as zero.
func Delta(prev, cur *datatypes.Evaluation) float64 {
	if cur == nil {
		return 0
	}
	if prev == nil {
		return cur.Percentage
	}
	return round2(cur.Percentage - prev.Percentage)
}

func sortedArcs(in []datatypes.BranchArc) []datatypes.BranchArc {
	if len(in) == 0 {
		return nil
	}
	out := append([]datatypes.BranchArc(nil), in...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// round2 rounds to two decimals so that equal coverage compares equal.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
