// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ast extracts structural facts from Python sources with
// tree-sitter. It builds the SourceFactSheet for a target module and
// summarizes generated test modules for validation.
package ast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

// PythonParserOption configures a PythonParser.
type PythonParserOption func(*PythonParser)

// WithMaxFileSize sets the largest source accepted, in bytes.
func WithMaxFileSize(bytes int64) PythonParserOption {
	return func(p *PythonParser) {
		if bytes > 0 {
			p.maxFileSize = bytes
		}
	}
}

// WithLogger sets the logger used for parse warnings.
func WithLogger(logger *slog.Logger) PythonParserOption {
	return func(p *PythonParser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// PythonParser turns Python source into a SourceFactSheet.
//
// Thread Safety:
//
//	Safe for concurrent use. A tree-sitter parser is created per call.
type PythonParser struct {
	maxFileSize int64
	logger      *slog.Logger
}

// NewPythonParser creates a PythonParser with defaults.
func NewPythonParser(opts ...PythonParserOption) *PythonParser {
	p := &PythonParser{
		maxFileSize: DefaultMaxFileSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse builds the fact sheet for the module at path with the given content.
//
// Description:
//
//	Extracts the module docstring, imports, top-level functions and classes
//	(with methods), including parameters, annotations, decorators and
//	docstrings. Syntax errors do not fail the parse; the partial sheet is
//	returned and a warning is logged.
//
// Inputs:
//   - ctx: Checked before and after the tree-sitter parse.
//   - content: Python source. Must be valid UTF-8 and non-empty.
//   - path: File path of the module. The module name is derived from it.
//
// Outputs:
//   - *datatypes.SourceFactSheet: Never nil on success.
//   - error: ErrEmptySource, ErrFileTooLarge, ErrInvalidContent, or a context error.
func (p *PythonParser) Parse(ctx context.Context, content []byte, path string) (*datatypes.SourceFactSheet, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse canceled before start: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySource, path)
	}
	if int64(len(content)) > p.maxFileSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, len(content), p.maxFileSize)
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidContent)
	}

	ctx, span := startParseSpan(ctx, "source", path, len(content))
	defer span.End()
	start := time.Now()

	root, closeTree, err := parseTree(ctx, content)
	if err != nil {
		recordParseMetrics(ctx, "source", time.Since(start), false)
		return nil, err
	}
	defer closeTree()

	if root.HasError() {
		p.logger.Warn("target source contains syntax errors; fact sheet may be partial",
			slog.String("file", path),
			slog.Int("line", firstErrorLine(root)))
	}

	hash := sha256.Sum256(content)
	sheet := &datatypes.SourceFactSheet{
		ModuleName: ModuleName(path),
		Path:       path,
		Hash:       hex.EncodeToString(hash[:]),
		Source:     string(content),
		LineCount:  strings.Count(string(content), "\n") + 1,
		Symbols:    make([]datatypes.Symbol, 0),
	}

	sheet.ModuleDocstring = moduleDocstring(root, content)
	sheet.Imports = moduleImports(root, content)

	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if sym, ok := p.definition(child, content, nil, false); ok {
			sheet.Symbols = append(sheet.Symbols, sym)
		}
	}

	recordParseMetrics(ctx, "source", time.Since(start), true)
	return sheet, nil
}

// ModuleName derives the importable module name from a file path.
func ModuleName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// parseTree parses content with the python grammar. The returned func
// releases the tree.
func parseTree(ctx context.Context, content []byte) (*sitter.Node, func(), error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, func() {}, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		tree.Close()
		return nil, func() {}, fmt.Errorf("parse canceled after tree-sitter: %w", err)
	}
	root := tree.RootNode()
	if root == nil {
		tree.Close()
		return nil, func() {}, fmt.Errorf("tree-sitter returned nil root node")
	}
	return root, tree.Close, nil
}

// definition converts a function, class or decorated definition node.
func (p *PythonParser) definition(node *sitter.Node, content []byte, decorators []string, inClass bool) (datatypes.Symbol, bool) {
	switch node.Type() {
	case "function_definition":
		return p.function(node, content, decorators, inClass), true
	case "class_definition":
		if inClass {
			return datatypes.Symbol{}, false
		}
		return p.class(node, content, decorators), true
	case "decorated_definition":
		decs := decoratorNames(node, content)
		if def := node.ChildByFieldName("definition"); def != nil {
			return p.definition(def, content, decs, inClass)
		}
	}
	return datatypes.Symbol{}, false
}

func (p *PythonParser) class(node *sitter.Node, content []byte, decorators []string) datatypes.Symbol {
	name := nodeText(node.ChildByFieldName("name"), content)

	var bases []string
	if supers := node.ChildByFieldName("superclasses"); supers != nil {
		for i := 0; i < int(supers.NamedChildCount()); i++ {
			arg := supers.NamedChild(i)
			if arg.Type() == "identifier" || arg.Type() == "attribute" {
				bases = append(bases, nodeText(arg, content))
			}
		}
	}

	sym := datatypes.Symbol{
		Name:       name,
		Kind:       datatypes.SymbolClass,
		Signature:  "class " + name,
		Bases:      bases,
		Decorators: decorators,
		Exported:   isExported(name),
		StartLine:  int(node.StartPoint().Row + 1),
		EndLine:    int(node.EndPoint().Row + 1),
	}
	if len(bases) > 0 {
		sym.Signature += "(" + strings.Join(bases, ", ") + ")"
	}

	if body := node.ChildByFieldName("body"); body != nil {
		sym.Docstring = blockDocstring(body, content)
		for i := 0; i < int(body.NamedChildCount()); i++ {
			if m, ok := p.definition(body.NamedChild(i), content, nil, true); ok {
				sym.Methods = append(sym.Methods, m)
			}
		}
	}
	return sym
}

func (p *PythonParser) function(node *sitter.Node, content []byte, decorators []string, inClass bool) datatypes.Symbol {
	name := nodeText(node.ChildByFieldName("name"), content)
	paramsNode := node.ChildByFieldName("parameters")
	returns := nodeText(node.ChildByFieldName("return_type"), content)

	isAsync := false
	for i := 0; i < int(node.ChildCount()); i++ {
		if node.Child(i).Type() == "async" {
			isAsync = true
			break
		}
	}

	kind := datatypes.SymbolFunction
	if inClass {
		kind = datatypes.SymbolMethod
	}

	signature := "def " + name + nodeText(paramsNode, content)
	if isAsync {
		signature = "async " + signature
	}
	if returns != "" {
		signature += " -> " + returns
	}

	sym := datatypes.Symbol{
		Name:       name,
		Kind:       kind,
		Signature:  signature,
		Params:     parameters(paramsNode, content),
		Returns:    returns,
		Decorators: decorators,
		Async:      isAsync,
		Exported:   isExported(name),
		StartLine:  int(node.StartPoint().Row + 1),
		EndLine:    int(node.EndPoint().Row + 1),
	}
	if body := node.ChildByFieldName("body"); body != nil {
		sym.Docstring = blockDocstring(body, content)
	}
	return sym
}

// parameters lists the parameters of a "parameters" node.
func parameters(node *sitter.Node, content []byte) []datatypes.Parameter {
	if node == nil {
		return nil
	}
	var params []datatypes.Parameter
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		var prm datatypes.Parameter
		switch child.Type() {
		case "identifier":
			prm.Name = nodeText(child, content)
		case "typed_parameter":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				gc := child.NamedChild(j)
				if gc.Type() != "type" && prm.Name == "" {
					prm.Name = nodeText(gc, content)
				}
			}
			prm.Annotation = nodeText(child.ChildByFieldName("type"), content)
		case "default_parameter", "typed_default_parameter":
			prm.Name = nodeText(child.ChildByFieldName("name"), content)
			prm.Annotation = nodeText(child.ChildByFieldName("type"), content)
			prm.Default = nodeText(child.ChildByFieldName("value"), content)
		case "list_splat_pattern", "dictionary_splat_pattern":
			prm.Name = nodeText(child, content)
		default:
			// keyword_separator and positional_separator carry no name
			continue
		}
		if prm.Name != "" {
			params = append(params, prm)
		}
	}
	return params
}

func decoratorNames(node *sitter.Node, content []byte) []string {
	var decorators []string
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() != "decorator" {
			continue
		}
		text := strings.TrimPrefix(strings.TrimSpace(nodeText(child, content)), "@")
		if idx := strings.Index(text, "("); idx >= 0 {
			text = text[:idx]
		}
		decorators = append(decorators, text)
	}
	return decorators
}

func moduleDocstring(root *sitter.Node, content []byte) string {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "comment":
			continue
		case "expression_statement":
			if child.NamedChildCount() > 0 && child.NamedChild(0).Type() == "string" {
				return stringContent(child.NamedChild(0), content)
			}
		}
		return ""
	}
	return ""
}

func moduleImports(root *sitter.Node, content []byte) []string {
	var imports []string
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "import_statement", "import_from_statement", "future_import_statement":
			imports = append(imports, strings.Join(strings.Fields(nodeText(child, content)), " "))
		}
	}
	return imports
}

func blockDocstring(block *sitter.Node, content []byte) string {
	if block.NamedChildCount() == 0 {
		return ""
	}
	first := block.NamedChild(0)
	if first.Type() == "expression_statement" && first.NamedChildCount() > 0 {
		if str := first.NamedChild(0); str.Type() == "string" {
			return stringContent(str, content)
		}
	}
	return ""
}

// stringContent strips prefixes and quotes from a string literal.
func stringContent(node *sitter.Node, content []byte) string {
	raw := nodeText(node, content)
	raw = strings.TrimLeft(raw, "rRbBuUfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(raw, q) && strings.HasSuffix(raw, q) && len(raw) >= 2*len(q) {
			return strings.TrimSpace(raw[len(q) : len(raw)-len(q)])
		}
	}
	return strings.TrimSpace(raw)
}

func nodeText(node *sitter.Node, content []byte) string {
	if node == nil {
		return ""
	}
	return string(content[node.StartByte():node.EndByte()])
}

// firstErrorLine returns the 1-based line of the first ERROR or MISSING
// node, or 0 if there is none.
func firstErrorLine(node *sitter.Node) int {
	if node.Type() == "ERROR" || node.IsMissing() {
		return int(node.StartPoint().Row + 1)
	}
	if !node.HasError() {
		return 0
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if line := firstErrorLine(node.Child(i)); line > 0 {
			return line
		}
	}
	return int(node.StartPoint().Row + 1)
}

// isExported applies Python visibility conventions. Dunder names are
// public; leading underscores are private.
func isExported(name string) bool {
	if name == "" {
		return false
	}
	if strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__") {
		return true
	}
	return !strings.HasPrefix(name, "_")
}
