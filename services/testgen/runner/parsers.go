// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

// =============================================================================
// PYTEST OUTPUT
// =============================================================================

var (
	pytestShortPattern   = regexp.MustCompile(`^(PASSED|FAILED|ERROR)\s+(\S+)(?:\s+-\s+(.*))?$`)
	pytestSummaryPattern = regexp.MustCompile(`^=*\s*((?:\d+ \w+(?:, )?)+).* in [\d.]+s`)
	pytestCountPattern   = regexp.MustCompile(`(\d+) (passed|failed|errors?)`)
)

// pytestResult is what the -rA short summary tells about a run.
type pytestResult struct {
	passed   int
	failed   int
	errors   int
	failures []datatypes.TestFailure
	summary  bool
}

// parsePytestOutput reads the short test summary and the final count line.
//
// Counts come from the final line when present, otherwise from the
// summary entries.
func parsePytestOutput(output string) pytestResult {
	var res pytestResult
	var linePassed, lineFailed, lineErrors int

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if m := pytestShortPattern.FindStringSubmatch(line); m != nil {
			switch m[1] {
			case "PASSED":
				linePassed++
			case "FAILED":
				lineFailed++
				res.failures = append(res.failures, datatypes.TestFailure{
					Test:    testName(m[2]),
					Kind:    failedKind(m[3]),
					Message: strings.TrimSpace(m[3]),
				})
			case "ERROR":
				lineErrors++
				msg := strings.TrimSpace(m[3])
				if msg == "" {
					msg = "error during setup or collection"
				}
				res.failures = append(res.failures, datatypes.TestFailure{
					Test:    testName(m[2]),
					Kind:    datatypes.FailureError,
					Message: msg,
				})
			}
			continue
		}

		if m := pytestSummaryPattern.FindStringSubmatch(line); m != nil {
			res.summary = true
			res.passed, res.failed, res.errors = 0, 0, 0
			for _, c := range pytestCountPattern.FindAllStringSubmatch(m[1], -1) {
				n, _ := strconv.Atoi(c[1])
				switch c[2] {
				case "passed":
					res.passed = n
				case "failed":
					res.failed = n
				default:
					res.errors = n
				}
			}
		}
	}

	if !res.summary {
		res.passed, res.failed, res.errors = linePassed, lineFailed, lineErrors
	}
	return res
}

// testName strips the file part of a pytest node id, so
// "tests/test_calc.py::TestX::test_y" becomes "TestX::test_y". A
// collection error on the file keeps the file name.
func testName(nodeID string) string {
	if idx := strings.Index(nodeID, "::"); idx >= 0 {
		return nodeID[idx+2:]
	}
	return filepath.Base(nodeID)
}

func failedKind(message string) datatypes.FailureKind {
	msg := strings.TrimSpace(message)
	switch {
	case strings.HasPrefix(msg, "assert ") || strings.HasPrefix(msg, "AssertionError"):
		return datatypes.FailureAssertion
	case strings.HasPrefix(msg, "Failed: Timeout"):
		return datatypes.FailureTimeout
	default:
		return datatypes.FailureError
	}
}

// =============================================================================
// COVERAGE.PY JSON
// =============================================================================

type coverageJSON struct {
	Files map[string]coverageFile `json:"files"`
}

type coverageFile struct {
	ExecutedLines   []int    `json:"executed_lines"`
	MissingLines    []int    `json:"missing_lines"`
	MissingBranches [][2]int `json:"missing_branches"`
	Summary         struct {
		CoveredLines    int     `json:"covered_lines"`
		NumStatements   int     `json:"num_statements"`
		PercentCovered  float64 `json:"percent_covered"`
		NumBranches     int     `json:"num_branches"`
		CoveredBranches int     `json:"covered_branches"`
	} `json:"summary"`
}

// fileCoverage is the measured coverage of the target file.
type fileCoverage struct {
	lines      map[int]bool
	branches   datatypes.BranchCoverage
	percentage float64
}

// readCoverageJSON loads the coverage report and selects targetPath.
//
// Keys are matched by absolute path first, then by relative path against
// baseDir, then by file name.
func readCoverageJSON(path, targetPath, baseDir string) (*fileCoverage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var report coverageJSON
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}

	entry, ok := selectFile(report.Files, targetPath, baseDir)
	if !ok {
		return nil, fmt.Errorf("%s not present in coverage report", filepath.Base(targetPath))
	}

	cov := &fileCoverage{
		lines:      make(map[int]bool, len(entry.ExecutedLines)+len(entry.MissingLines)),
		percentage: entry.Summary.PercentCovered,
		branches: datatypes.BranchCoverage{
			Total:   entry.Summary.NumBranches,
			Covered: entry.Summary.CoveredBranches,
		},
	}
	for _, l := range entry.ExecutedLines {
		cov.lines[l] = true
	}
	for _, l := range entry.MissingLines {
		cov.lines[l] = false
	}
	for _, arc := range entry.MissingBranches {
		cov.branches.Missing = append(cov.branches.Missing, datatypes.BranchArc{From: arc[0], To: arc[1]})
	}
	return cov, nil
}

func selectFile(files map[string]coverageFile, targetPath, baseDir string) (coverageFile, bool) {
	target, err := filepath.Abs(targetPath)
	if err != nil {
		target = targetPath
	}
	for key, f := range files {
		abs := key
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(baseDir, key)
		}
		if filepath.Clean(abs) == filepath.Clean(target) {
			return f, true
		}
	}
	base := filepath.Base(targetPath)
	for key, f := range files {
		if filepath.Base(key) == base {
			return f, true
		}
	}
	return coverageFile{}, false
}
