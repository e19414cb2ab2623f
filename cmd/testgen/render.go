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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianTestGen/pkg/config"
	"github.com/AleutianAI/AleutianTestGen/pkg/ux"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

// maxRangesShown bounds the uncovered ranges listed in summaries.
const maxRangesShown = 12

func statusIcon(s datatypes.Status) ux.Icon {
	switch s {
	case datatypes.StatusAchieved:
		return ux.IconSuccess
	case datatypes.StatusPartialBestEffort:
		return ux.IconWarning
	default:
		return ux.IconError
	}
}

// iterationLine is the one-line progress view of an iteration.
func iterationLine(rec datatypes.IterationRecord) string {
	switch rec.Outcome {
	case datatypes.OutcomeExecuted:
		if !rec.Measured() {
			state := "no coverage data"
			if rec.Report != nil && rec.Report.TimedOut {
				state = "timed out"
			} else if rec.Report != nil && rec.Report.Crashed {
				state = "crashed"
			}
			return fmt.Sprintf("iteration %d: %s", rec.Index, state)
		}
		return fmt.Sprintf("iteration %d: %.2f%% (%+.2f), %d passed, %d failed",
			rec.Index, rec.Evaluation.Percentage, rec.CoverageDelta, rec.Report.Passed, rec.Report.Failed+rec.Report.Errors)
	case datatypes.OutcomeUnparseable:
		return fmt.Sprintf("iteration %d: unparseable output after %d attempts", rec.Index, rec.Attempts)
	default:
		return fmt.Sprintf("iteration %d: generation failed: %s", rec.Index, rec.Error)
	}
}

func renderIteration(p *ux.Printer, rec datatypes.IterationRecord) {
	p.Info(iterationLine(rec))
}

// renderResult prints the summary of one session.
func renderResult(p *ux.Printer, r *datatypes.LoopResult, cfg config.Config) {
	p.Line("")
	p.Line(fmt.Sprintf("%s %s %s", p.Icon(statusIcon(r.Status)), p.Style(ux.Styles.Bold, r.ModuleName), r.Status))
	p.KeyValue("session", r.SessionID)
	p.KeyValue("iterations", fmt.Sprintf("%d", r.Iterations()))
	p.KeyValue("duration", r.Duration.Round(time.Millisecond).String())
	if r.Best != nil {
		p.KeyValue("coverage", p.CoverageBar(r.BestCoverage(), cfg.TestGeneration.TargetCoverage, 24))
		p.KeyValue("best", fmt.Sprintf("iteration %d", r.Best.Index))
		if cfg.Coverage.ShowMissingLines && len(r.Best.Evaluation.UncoveredRanges) > 0 {
			p.KeyValue("missing", formatRanges(r.Best.Evaluation.UncoveredRanges))
		}
	}
	if r.OutputPath != "" {
		p.KeyValue("written", r.OutputPath)
	}
	if r.Error != "" {
		p.KeyValue("error", r.Error)
	} else if r.Err != nil {
		p.KeyValue("error", r.Err.Error())
	}

	if cfg.Output.ShowGeneratedCode && r.OutputPath != "" {
		if data, err := os.ReadFile(r.OutputPath); err == nil {
			p.Line("")
			p.Code(r.OutputPath, string(data))
		}
	}
}

// renderHistory prints every iteration of a session.
func renderHistory(p *ux.Printer, history []datatypes.IterationRecord) {
	rows := make([][]string, 0, len(history))
	for _, rec := range history {
		cov, delta, tests := "-", "-", "-"
		if rec.Measured() {
			cov = fmt.Sprintf("%.2f%%", rec.Evaluation.Percentage)
			delta = fmt.Sprintf("%+.2f", rec.CoverageDelta)
		}
		if rec.Report != nil {
			tests = fmt.Sprintf("%d/%d", rec.Report.Passed, rec.Report.Total())
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", rec.Index),
			string(rec.Outcome),
			cov,
			delta,
			tests,
			fmt.Sprintf("%d", rec.Attempts),
		})
	}
	p.Table([]string{"#", "OUTCOME", "COVERAGE", "DELTA", "PASSED", "ATTEMPTS"}, rows)
}

// renderReport prints the test counts of a run and its failures.
func renderReport(p *ux.Printer, r *datatypes.ExecutionReport) {
	switch {
	case r.TimedOut:
		p.Error("Run timed out")
	case r.Crashed:
		p.Error("Run crashed: " + r.CrashMessage)
	case r.AllPassed():
		p.Success(fmt.Sprintf("%d passed", r.Passed))
	default:
		p.Warning(fmt.Sprintf("%d passed, %d failed, %d errors", r.Passed, r.Failed, r.Errors))
	}
	for _, f := range r.Failures {
		msg := f.Message
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			msg = msg[:i]
		}
		p.Line(fmt.Sprintf("  %s %s [%s] %s", p.Icon(ux.IconError), f.Test, f.Kind, msg))
	}
}

// renderEvaluation prints a coverage verdict.
func renderEvaluation(p *ux.Printer, e datatypes.Evaluation, showMissing bool) {
	p.KeyValue("coverage", p.CoverageBar(e.Percentage, e.Target, 24))
	p.KeyValue("target", fmt.Sprintf("%.2f%%", e.Target))
	if showMissing && len(e.UncoveredRanges) > 0 {
		p.KeyValue("missing", formatRanges(e.UncoveredRanges))
	}
	if showMissing && len(e.MissingBranches) > 0 {
		arcs := make([]string, 0, len(e.MissingBranches))
		for _, a := range e.MissingBranches {
			arcs = append(arcs, fmt.Sprintf("%d->%d", a.From, a.To))
		}
		p.KeyValue("branches", strings.Join(arcs, ", "))
	}
}

// renderFactSheet prints the symbols of a module.
func renderFactSheet(p *ux.Printer, s *datatypes.SourceFactSheet) {
	p.Title(s.ModuleName)
	p.KeyValue("path", s.Path)
	p.KeyValue("lines", fmt.Sprintf("%d", s.LineCount))
	p.KeyValue("functions", fmt.Sprintf("%d", s.FunctionCount()))
	if len(s.Imports) > 0 {
		p.KeyValue("imports", strings.Join(s.Imports, ", "))
	}
	p.Line("")
	for _, sym := range s.Symbols {
		p.Line(fmt.Sprintf("%s %s  %s", p.Icon(ux.IconBullet), sym.Signature, p.Style(ux.Styles.Muted, lineSpan(sym))))
		for _, m := range sym.Methods {
			p.Line(fmt.Sprintf("    %s %s  %s", p.Icon(ux.IconArrow), m.Signature, p.Style(ux.Styles.Muted, lineSpan(m))))
		}
	}
}

// renderBatch prints one line per file of a batch run.
func renderBatch(p *ux.Printer, paths []string, results []*datatypes.LoopResult) {
	p.Line("")
	rows := make([][]string, 0, len(paths))
	for i, path := range paths {
		r := results[i]
		if r == nil {
			rows = append(rows, []string{filepath.Base(path), "failed", "-", "-", "-"})
			continue
		}
		rows = append(rows, []string{
			filepath.Base(path),
			string(r.Status),
			fmt.Sprintf("%.2f%%", r.BestCoverage()),
			fmt.Sprintf("%d", r.Iterations()),
			orDash(r.OutputPath),
		})
	}
	p.Table([]string{"SOURCE", "STATUS", "BEST", "ITERATIONS", "OUTPUT"}, rows)
}

func formatRanges(ranges []datatypes.LineRange) string {
	n := len(ranges)
	if n > maxRangesShown {
		ranges = ranges[:maxRangesShown]
	}
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	out := strings.Join(parts, ", ")
	if n > maxRangesShown {
		out += fmt.Sprintf(" (+%d more)", n-maxRangesShown)
	}
	return out
}

func lineSpan(sym datatypes.Symbol) string {
	if sym.StartLine == sym.EndLine {
		return fmt.Sprintf("line %d", sym.StartLine)
	}
	return fmt.Sprintf("lines %d-%d", sym.StartLine, sym.EndLine)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
