// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompt builds generation requests from a fact sheet and the
// feedback of the previous iteration.
//
// Build is a pure function: the same inputs always give byte-identical
// requests.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/AleutianTestGen/pkg/config"
	"github.com/AleutianAI/AleutianTestGen/pkg/tokens"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

const (
	// maxFailuresShown caps the failure list injected as feedback.
	maxFailuresShown = 15

	// maxFailureMessage caps each failure message, in bytes.
	maxFailureMessage = 600

	// maxRangeLines caps the source lines quoted per uncovered range.
	maxRangeLines = 12

	// chunkSize is the splitter chunk size in characters.
	chunkSize = 1600
)

// EdgeCaseToggles enables individual edge-case categories.
type EdgeCaseToggles struct {
	Null       bool
	Empty      bool
	Boundary   bool
	TypeErrors bool
	Exceptions bool
}

// Options is everything Build needs besides the fact sheet and feedback.
type Options struct {
	TargetCoverage      float64
	BranchCoverage      bool
	IncludeEdgeCases    bool
	IncludeParametrized bool
	IncludeDocstrings   bool
	EdgeCases           EdgeCaseToggles

	Temperature float32
	MaxTokens   int
	Model       string

	// TokenBudget caps the tokens spent on the source excerpt.
	TokenBudget int

	// Counter measures prompt text. Nil uses tokens.Count.
	Counter tokens.Counter
}

// OptionsFromConfig maps the session configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	tg := cfg.TestGeneration
	return Options{
		TargetCoverage:      tg.TargetCoverage,
		BranchCoverage:      cfg.Coverage.BranchCoverage,
		IncludeEdgeCases:    tg.IncludeEdgeCases,
		IncludeParametrized: tg.IncludeParametrizedTests,
		IncludeDocstrings:   tg.IncludeDocstrings,
		EdgeCases: EdgeCaseToggles{
			Null:       tg.TestNullValues,
			Empty:      tg.TestEmptyValues,
			Boundary:   tg.TestBoundaryValues,
			TypeErrors: tg.TestTypeErrors,
			Exceptions: tg.TestExceptions,
		},
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Model:       cfg.LLM.Model,
		TokenBudget: tg.PromptTokenBudget,
	}
}

// edgeCategory is one toggleable block of edge-case instructions.
type edgeCategory struct {
	name         string
	instructions string
	enabled      func(EdgeCaseToggles) bool
}

// edgeCategories is in prompt order.
var edgeCategories = []edgeCategory{
	{
		name:         "null",
		instructions: "Null values: pass None for each parameter that could plausibly receive it and assert the resulting value or exception.",
		enabled:      func(t EdgeCaseToggles) bool { return t.Null },
	},
	{
		name:         "empty",
		instructions: "Empty values: exercise empty strings, lists, dicts, sets and zero-length inputs.",
		enabled:      func(t EdgeCaseToggles) bool { return t.Empty },
	},
	{
		name:         "boundary",
		instructions: "Boundary values: test 0, 1, -1, the largest and smallest sensible values, and both sides of every comparison in the code.",
		enabled:      func(t EdgeCaseToggles) bool { return t.Boundary },
	},
	{
		name:         "type-error",
		instructions: "Type errors: pass arguments of the wrong type and assert the TypeError (or other documented failure) with pytest.raises.",
		enabled:      func(t EdgeCaseToggles) bool { return t.TypeErrors },
	},
	{
		name:         "exception",
		instructions: "Exceptions: trigger every raise statement and error branch and assert the exception type and message with pytest.raises(..., match=...).",
		enabled:      func(t EdgeCaseToggles) bool { return t.Exceptions },
	},
}

// EnabledEdgeCases returns the enabled category names in prompt order.
func (o Options) EnabledEdgeCases() []string {
	if !o.IncludeEdgeCases {
		return nil
	}
	var names []string
	for _, c := range edgeCategories {
		if c.enabled(o.EdgeCases) {
			names = append(names, c.name)
		}
	}
	return names
}

// Build returns the generation request for the next iteration.
//
// Description:
//
//	prior is the most recent IterationRecord, or nil on the first
//	iteration. When present, its uncovered ranges, missing branches and
//	failures are injected as feedback together with the previous test
//	module. An unparseable prior iteration injects a format correction.
//
// Inputs:
//   - sheet: Fact sheet of the target. Must not be nil.
//   - prior: Feedback source. May be nil.
//   - opts: Prompt options.
//
// Outputs:
//   - datatypes.GenerationRequest: Iteration is prior.Index+1, or 1.
func Build(sheet *datatypes.SourceFactSheet, prior *datatypes.IterationRecord, opts Options) datatypes.GenerationRequest {
	counter := opts.Counter
	if counter == nil {
		counter = tokens.Count
	}

	iteration := 1
	if prior != nil {
		iteration = prior.Index + 1
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "Write a pytest test module for the Python module `%s`.\n\n", sheet.ModuleName)
	writeFactSheet(&sb, sheet)
	writeSource(&sb, sheet, opts.TokenBudget, counter)
	writeRequirements(&sb, sheet, opts)

	if prior != nil {
		writeFeedback(&sb, sheet, prior, opts)
	}

	writeOutputFormat(&sb, sheet)

	system := systemPrompt()
	text := sb.String()

	return datatypes.GenerationRequest{
		Iteration:    iteration,
		SystemPrompt: system,
		Prompt:       text,
		Temperature:  opts.Temperature,
		MaxTokens:    opts.MaxTokens,
		Model:        opts.Model,
		EdgeCases:    opts.EnabledEdgeCases(),
		PromptTokens: counter(system) + counter(text),
	}
}

func systemPrompt() string {
	return "You are an expert Python test engineer. You write complete, runnable pytest modules " +
		"that maximize line and branch coverage of the module under test. You only use the " +
		"standard library, pytest and unittest.mock. You never modify the module under test."
}

func writeFactSheet(sb *strings.Builder, sheet *datatypes.SourceFactSheet) {
	sb.WriteString("## Module facts\n")
	if sheet.ModuleDocstring != "" {
		fmt.Fprintf(sb, "Module docstring: %s\n", firstLine(sheet.ModuleDocstring))
	}
	if len(sheet.Imports) > 0 {
		fmt.Fprintf(sb, "Imports: %s\n", strings.Join(sheet.Imports, "; "))
	}
	public := sheet.PublicSymbols()
	if len(public) > 0 {
		fmt.Fprintf(sb, "Public symbols: %s\n", strings.Join(public, ", "))
	}
	sb.WriteString("\n")

	for _, sym := range sheet.Symbols {
		writeSymbol(sb, sym, "")
	}
	sb.WriteString("\n")
}

func writeSymbol(sb *strings.Builder, sym datatypes.Symbol, indent string) {
	fmt.Fprintf(sb, "%s- %s (lines %d-%d)", indent, sym.Signature, sym.StartLine, sym.EndLine)
	if len(sym.Decorators) > 0 {
		fmt.Fprintf(sb, " decorators: %s", strings.Join(sym.Decorators, ", "))
	}
	if !sym.Exported {
		sb.WriteString(" [private]")
	}
	sb.WriteString("\n")
	if sym.Docstring != "" {
		fmt.Fprintf(sb, "%s  doc: %s\n", indent, firstLine(sym.Docstring))
	}
	for _, m := range sym.Methods {
		writeSymbol(sb, m, indent+"  ")
	}
}

// writeSource embeds the numbered source, truncated to budget tokens.
func writeSource(sb *strings.Builder, sheet *datatypes.SourceFactSheet, budget int, counter tokens.Counter) {
	numbered := numberLines(sheet.Source, 1)
	excerpt := numbered
	truncated := false

	if budget > 0 && counter(numbered) > budget {
		excerpt, truncated = fitChunks(numbered, budget, counter)
	}

	sb.WriteString("## Source (line numbers on the left)\n```python\n")
	sb.WriteString(excerpt)
	if !strings.HasSuffix(excerpt, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString("```\n")
	if truncated {
		fmt.Fprintf(sb, "(source truncated to fit the prompt; the module has %d lines)\n", sheet.LineCount)
	}
	sb.WriteString("\n")
}

// fitChunks keeps leading splitter chunks while they fit in budget.
func fitChunks(text string, budget int, counter tokens.Counter) (string, bool) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithSeparators([]string{"\n\n", "\n"}),
	)
	chunks, err := splitter.SplitText(text)
	if err != nil || len(chunks) == 0 {
		return "", true
	}

	var out strings.Builder
	used := 0
	for _, chunk := range chunks {
		n := counter(chunk)
		if used+n > budget {
			break
		}
		out.WriteString(chunk)
		if !strings.HasSuffix(chunk, "\n") {
			out.WriteString("\n")
		}
		used += n
	}
	return out.String(), true
}

func writeRequirements(sb *strings.Builder, sheet *datatypes.SourceFactSheet, opts Options) {
	sb.WriteString("## Requirements\n")
	fmt.Fprintf(sb, "- Import the module under test with `import %s` or `from %s import ...`.\n", sheet.ModuleName, sheet.ModuleName)
	if opts.BranchCoverage {
		fmt.Fprintf(sb, "- Reach at least %.1f%% combined line and branch coverage of `%s`.\n", opts.TargetCoverage, sheet.ModuleName)
	} else {
		fmt.Fprintf(sb, "- Reach at least %.1f%% line coverage of `%s`.\n", opts.TargetCoverage, sheet.ModuleName)
	}
	sb.WriteString("- Every test must pass against the current implementation; assert actual behavior.\n")
	sb.WriteString("- Tests must be independent, deterministic and must not touch the network.\n")
	sb.WriteString("- Use unittest.mock for I/O, time and randomness.\n")
	if opts.IncludeParametrized {
		sb.WriteString("- Use @pytest.mark.parametrize for tables of similar cases.\n")
	}
	if opts.IncludeDocstrings {
		sb.WriteString("- Give every test function a one-line docstring stating the behavior it checks.\n")
	}

	if cats := opts.EnabledEdgeCases(); len(cats) > 0 {
		sb.WriteString("\n## Edge cases to cover\n")
		for _, c := range edgeCategories {
			if opts.IncludeEdgeCases && c.enabled(opts.EdgeCases) {
				fmt.Fprintf(sb, "- %s\n", c.instructions)
			}
		}
	}
	sb.WriteString("\n")
}

func writeFeedback(sb *strings.Builder, sheet *datatypes.SourceFactSheet, prior *datatypes.IterationRecord, opts Options) {
	fmt.Fprintf(sb, "## Feedback from iteration %d\n", prior.Index)

	switch prior.Outcome {
	case datatypes.OutcomeUnparseable:
		sb.WriteString("Your previous response could not be used as a test module")
		if prior.Error != "" {
			fmt.Fprintf(sb, " (%s)", prior.Error)
		}
		sb.WriteString(". Respond with exactly one complete ```python code block and no other code blocks.\n\n")
		return
	case datatypes.OutcomeGenerationFailed:
		sb.WriteString("The previous attempt produced no response. Write the full test module again.\n\n")
		return
	}

	report := prior.Report
	eval := prior.Evaluation
	if eval != nil {
		fmt.Fprintf(sb, "Measured coverage: %.1f%% (target %.1f%%).\n", eval.Percentage, opts.TargetCoverage)
	}
	if report != nil {
		fmt.Fprintf(sb, "Results: %d passed, %d failed, %d errors.\n", report.Passed, report.Failed, report.Errors)
		if report.TimedOut {
			sb.WriteString("The test run was killed by the timeout. Remove slow or blocking tests.\n")
		}
		if report.Crashed && report.CrashMessage != "" {
			fmt.Fprintf(sb, "The test run crashed: %s\n", clip(report.CrashMessage, maxFailureMessage))
		}
	}
	sb.WriteString("\nFix these gaps:\n")

	if eval != nil && len(eval.UncoveredRanges) > 0 {
		sb.WriteString("\n### Uncovered lines\n")
		for _, r := range eval.UncoveredRanges {
			fmt.Fprintf(sb, "- %s:\n", r)
			end := r.End
			if end-r.Start+1 > maxRangeLines {
				end = r.Start + maxRangeLines - 1
			}
			lines := sheet.Lines(r.Start, end)
			for i, line := range lines {
				fmt.Fprintf(sb, "    %4d | %s\n", r.Start+i, line)
			}
			if end < r.End {
				fmt.Fprintf(sb, "    ... (%d more lines)\n", r.End-end)
			}
		}
	}

	if eval != nil && len(eval.MissingBranches) > 0 {
		sb.WriteString("\n### Branches never taken\n")
		for _, arc := range eval.MissingBranches {
			if arc.To < 0 {
				fmt.Fprintf(sb, "- line %d -> function exit\n", arc.From)
			} else {
				fmt.Fprintf(sb, "- line %d -> line %d\n", arc.From, arc.To)
			}
		}
	}

	if report != nil && len(report.Failures) > 0 {
		sb.WriteString("\n### Failing tests (fix or replace them)\n")
		failures := sortedFailures(report.Failures)
		for i, f := range failures {
			if i == maxFailuresShown {
				fmt.Fprintf(sb, "- ... %d more failures\n", len(failures)-maxFailuresShown)
				break
			}
			fmt.Fprintf(sb, "- [%s] %s: %s\n", f.Kind, f.Test, clip(f.Message, maxFailureMessage))
		}
	}

	if !prior.Artifact.IsEmpty() {
		sb.WriteString("\n### Previous test module\n```python\n")
		sb.WriteString(prior.Artifact.Source)
		if !strings.HasSuffix(prior.Artifact.Source, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("```\n")
		sb.WriteString("Keep the passing tests, repair the failing ones and add tests for the gaps above.\n")
	}
	sb.WriteString("\n")
}

func writeOutputFormat(sb *strings.Builder, sheet *datatypes.SourceFactSheet) {
	sb.WriteString("## Output format\n")
	sb.WriteString("Return the complete test module in a single ```python code block. ")
	fmt.Fprintf(sb, "Do not redefine or copy code from `%s`; import it.\n", sheet.ModuleName)
}

// sortedFailures orders failures by kind then test name.
func sortedFailures(in []datatypes.TestFailure) []datatypes.TestFailure {
	out := make([]datatypes.TestFailure, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Test < out[j].Test
	})
	return out
}

func numberLines(source string, start int) string {
	lines := strings.Split(strings.TrimRight(source, "\n"), "\n")
	var sb strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&sb, "%4d | %s\n", start+i, line)
	}
	return sb.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
