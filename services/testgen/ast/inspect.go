// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
)

// FromImport is one "from X import a, b" statement.
type FromImport struct {
	Module   string
	Names    []string
	Wildcard bool
	Line     int
}

// ModuleSummary describes a parsed test module.
type ModuleSummary struct {
	// SyntaxError is true when tree-sitter found ERROR or MISSING nodes.
	SyntaxError bool

	// ErrorLine is the 1-based line of the first syntax error.
	ErrorLine int

	// TestNames lists pytest-collectable tests in source order: top-level
	// "test*" functions and "Class::test*" methods of "Test*" classes.
	TestNames []string

	// Imports maps each local name bound by "import X [as Y]" to X.
	Imports map[string]string

	FromImports []FromImport

	// Attributes maps a base identifier to the sorted attribute names
	// accessed on it anywhere in the module ("calc.add" gives calc: [add]).
	Attributes map[string][]string
}

// Summarize parses a test module and collects what validation needs.
//
// Syntax errors are reported in the summary, not as an error. Errors are
// returned only for invalid UTF-8 and cancellation.
func Summarize(ctx context.Context, content []byte) (*ModuleSummary, error) {
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidContent)
	}

	ctx, span := startParseSpan(ctx, "artifact", "", len(content))
	defer span.End()
	start := time.Now()

	root, closeTree, err := parseTree(ctx, content)
	if err != nil {
		recordParseMetrics(ctx, "artifact", time.Since(start), false)
		return nil, err
	}
	defer closeTree()

	summary := &ModuleSummary{
		Imports:    make(map[string]string),
		Attributes: make(map[string][]string),
	}
	if root.HasError() {
		summary.SyntaxError = true
		summary.ErrorLine = firstErrorLine(root)
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "import_statement":
			collectImport(child, content, summary)
		case "import_from_statement":
			collectFromImport(child, content, summary)
		default:
			collectTests(child, content, summary)
		}
	}

	attrs := make(map[string]map[string]struct{})
	collectAttributes(root, content, attrs)
	for base, set := range attrs {
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		summary.Attributes[base] = names
	}

	recordParseMetrics(ctx, "artifact", time.Since(start), !summary.SyntaxError)
	return summary, nil
}

func collectImport(node *sitter.Node, content []byte, summary *ModuleSummary) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "dotted_name":
			path := nodeText(child, content)
			// "import a.b" binds "a"
			local := strings.SplitN(path, ".", 2)[0]
			summary.Imports[local] = path
		case "aliased_import":
			path := nodeText(child.ChildByFieldName("name"), content)
			alias := nodeText(child.ChildByFieldName("alias"), content)
			if alias != "" {
				summary.Imports[alias] = path
			}
		}
	}
}

func collectFromImport(node *sitter.Node, content []byte, summary *ModuleSummary) {
	imp := FromImport{
		Module: nodeText(node.ChildByFieldName("module_name"), content),
		Line:   int(node.StartPoint().Row + 1),
	}
	moduleNode := node.ChildByFieldName("module_name")
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if moduleNode != nil && child.StartByte() == moduleNode.StartByte() && child.EndByte() == moduleNode.EndByte() {
			continue
		}
		switch child.Type() {
		case "wildcard_import":
			imp.Wildcard = true
		case "dotted_name":
			imp.Names = append(imp.Names, nodeText(child, content))
		case "aliased_import":
			imp.Names = append(imp.Names, nodeText(child.ChildByFieldName("name"), content))
		}
	}
	summary.FromImports = append(summary.FromImports, imp)
}

func collectTests(node *sitter.Node, content []byte, summary *ModuleSummary) {
	if node.Type() == "decorated_definition" {
		if def := node.ChildByFieldName("definition"); def != nil {
			node = def
		}
	}
	switch node.Type() {
	case "function_definition":
		name := nodeText(node.ChildByFieldName("name"), content)
		if strings.HasPrefix(name, "test") {
			summary.TestNames = append(summary.TestNames, name)
		}
	case "class_definition":
		className := nodeText(node.ChildByFieldName("name"), content)
		if !strings.HasPrefix(className, "Test") {
			return
		}
		body := node.ChildByFieldName("body")
		if body == nil {
			return
		}
		for i := 0; i < int(body.NamedChildCount()); i++ {
			member := body.NamedChild(i)
			if member.Type() == "decorated_definition" {
				if def := member.ChildByFieldName("definition"); def != nil {
					member = def
				}
			}
			if member.Type() != "function_definition" {
				continue
			}
			name := nodeText(member.ChildByFieldName("name"), content)
			if strings.HasPrefix(name, "test") {
				summary.TestNames = append(summary.TestNames, className+"::"+name)
			}
		}
	}
}

func collectAttributes(node *sitter.Node, content []byte, out map[string]map[string]struct{}) {
	if node.Type() == "attribute" {
		obj := node.ChildByFieldName("object")
		attr := node.ChildByFieldName("attribute")
		if obj != nil && attr != nil && obj.Type() == "identifier" {
			base := nodeText(obj, content)
			if out[base] == nil {
				out[base] = make(map[string]struct{})
			}
			out[base][nodeText(attr, content)] = struct{}{}
		}
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		collectAttributes(node.NamedChild(i), content, out)
	}
}
