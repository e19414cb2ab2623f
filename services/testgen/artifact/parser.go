// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifact turns raw model output into a validated pytest module.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/ast"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

// DefaultTestFilePrefix is prepended to the module name to name artifacts.
const DefaultTestFilePrefix = "test_"

// fencePattern matches a closed markdown code fence and captures the
// info string and the body.
var fencePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_+.-]*)[^\\n]*\\n(.*?)```")

// openFencePattern matches a fence the model never closed.
var openFencePattern = regexp.MustCompile("(?s)```(?:python3?|py)[^\\n]*\\n(.*)$")

// codeStarts are line prefixes that begin Python code rather than prose.
var codeStarts = []string{"import ", "from ", "def ", "async def ", "class ", "@", "#", `"""`, "'''"}

// Parser extracts and validates test modules.
type Parser struct {
	prefix string
	logger *slog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithTestFilePrefix sets the artifact name prefix.
func WithTestFilePrefix(prefix string) Option {
	return func(p *Parser) { p.prefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewParser creates a parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{prefix: DefaultTestFilePrefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the artifact file name for a module.
func (p *Parser) Name(moduleName string) string {
	return p.prefix + moduleName + ".py"
}

// Parse extracts a test module from raw model output.
//
// Description:
//
//	The first fenced python block that declares tests is selected; then
//	any python block, any block with tests, any block, an unclosed python
//	fence, and finally the raw text. Line endings are normalized and the
//	result is trimmed. The module must parse without syntax errors and
//	declare at least one test. References to names the target does not
//	declare publicly become warnings on the artifact.
//
//	Parse is idempotent: Parse(a.Source) yields an artifact equal to a.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - raw: The model output.
//   - sheet: Fact sheet of the target, used for the name and symbol check.
//
// Outputs:
//   - *datatypes.TestArtifact: The validated artifact.
//   - error: An *UnparseableError (matching ErrUnparseable), or a context
//     error.
func (p *Parser) Parse(ctx context.Context, raw string, sheet *datatypes.SourceFactSheet) (*datatypes.TestArtifact, error) {
	text := normalize(raw)
	if text == "" {
		return nil, unparseable(ErrEmptyOutput, 0, raw)
	}

	var lastErr error
	for _, candidate := range candidates(text) {
		source := normalize(candidate)
		if source == "" {
			continue
		}
		source += "\n"

		summary, err := ast.Summarize(ctx, []byte(source))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = unparseable(fmt.Errorf("%w: %v", ErrSyntax, err), 0, raw)
			continue
		}
		if summary.SyntaxError {
			lastErr = unparseable(ErrSyntax, summary.ErrorLine, raw)
			continue
		}
		if len(summary.TestNames) == 0 {
			lastErr = unparseable(ErrNoTests, 0, raw)
			continue
		}

		art := &datatypes.TestArtifact{
			Name:      p.Name(sheet.ModuleName),
			Source:    source,
			TestNames: summary.TestNames,
			Warnings:  symbolWarnings(summary, sheet),
		}
		for _, w := range art.Warnings {
			p.logger.Warn("test module references unknown symbol",
				slog.String("module", sheet.ModuleName),
				slog.String("warning", w),
			)
		}
		return art, nil
	}

	if lastErr == nil {
		lastErr = unparseable(ErrEmptyOutput, 0, raw)
	}
	return nil, lastErr
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}

// candidates returns the extraction candidates in preference order,
// without duplicates.
func candidates(text string) []string {
	type block struct {
		lang string
		body string
	}
	var blocks []block
	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		blocks = append(blocks, block{lang: strings.ToLower(m[1]), body: m[2]})
	}

	isPython := func(b block) bool {
		return b.lang == "python" || b.lang == "py" || b.lang == "python3"
	}
	hasTests := func(b block) bool {
		return strings.Contains(b.body, "def test") || strings.Contains(b.body, "class Test")
	}

	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	for _, b := range blocks {
		if isPython(b) && hasTests(b) {
			add(b.body)
		}
	}
	for _, b := range blocks {
		if isPython(b) {
			add(b.body)
		}
	}
	for _, b := range blocks {
		if hasTests(b) {
			add(b.body)
		}
	}
	for _, b := range blocks {
		add(b.body)
	}
	if len(blocks) == 0 {
		if m := openFencePattern.FindStringSubmatch(text); m != nil {
			add(m[1])
		}
		add(text)
		add(dropLeadingProse(text))
	}
	return out
}

// dropLeadingProse removes lines before the first line that starts code.
func dropLeadingProse(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		for _, prefix := range codeStarts {
			if strings.HasPrefix(line, prefix) {
				return strings.Join(lines[i:], "\n")
			}
		}
	}
	return ""
}

// symbolWarnings lists target references the fact sheet does not declare
// as public.
func symbolWarnings(summary *ast.ModuleSummary, sheet *datatypes.SourceFactSheet) []string {
	public := make(map[string]bool)
	for _, name := range sheet.PublicSymbols() {
		public[name] = true
	}

	set := make(map[string]struct{})
	for _, imp := range summary.FromImports {
		if imp.Module != sheet.ModuleName {
			continue
		}
		for _, name := range imp.Names {
			if !public[name] {
				set[fmt.Sprintf("imports %s from %s, which is not a public symbol", name, sheet.ModuleName)] = struct{}{}
			}
		}
	}
	for local, module := range summary.Imports {
		if module != sheet.ModuleName {
			continue
		}
		for _, attr := range summary.Attributes[local] {
			if !public[attr] {
				set[fmt.Sprintf("references %s.%s, which is not a public symbol", local, attr)] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		return nil
	}

	warnings := make([]string, 0, len(set))
	for w := range set {
		warnings = append(warnings, w)
	}
	sort.Strings(warnings)
	return warnings
}
