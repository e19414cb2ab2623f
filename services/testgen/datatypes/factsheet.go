// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the values that flow between the stages of a
// test generation session: the fact sheet, generation requests and results,
// test artifacts, execution reports, and the iteration history.
package datatypes

import (
	"sort"
	"strings"
)

// SymbolKind identifies the kind of a source symbol.
type SymbolKind string

const (
	SymbolFunction SymbolKind = "function"
	SymbolClass    SymbolKind = "class"
	SymbolMethod   SymbolKind = "method"
)

// Parameter is one parameter of a function signature.
type Parameter struct {
	Name       string `json:"name"`
	Annotation string `json:"annotation,omitempty"`
	Default    string `json:"default,omitempty"`
}

// Symbol is a function, class or method declared in the target source.
type Symbol struct {
	Name       string      `json:"name"`
	Kind       SymbolKind  `json:"kind"`
	Signature  string      `json:"signature"`
	Params     []Parameter `json:"params,omitempty"`
	Returns    string      `json:"returns,omitempty"`
	Docstring  string      `json:"docstring,omitempty"`
	Decorators []string    `json:"decorators,omitempty"`
	Bases      []string    `json:"bases,omitempty"`
	Async      bool        `json:"async,omitempty"`
	Exported   bool        `json:"exported"`
	StartLine  int         `json:"start_line"`
	EndLine    int         `json:"end_line"`
	Methods    []Symbol    `json:"methods,omitempty"`
}

// SourceFactSheet is the structural summary of the target source.
//
// Built once per session and never modified afterwards. Callers must treat
// the slices as read-only.
type SourceFactSheet struct {
	// ModuleName is the importable name of the target ("calculator").
	ModuleName string `json:"module_name"`

	// Path is the absolute path of the target source file.
	Path string `json:"path"`

	// Hash is the hex SHA-256 of Source.
	Hash string `json:"hash"`

	// Source is the full source text.
	Source string `json:"-"`

	ModuleDocstring string   `json:"module_docstring,omitempty"`
	Imports         []string `json:"imports,omitempty"`
	Symbols         []Symbol `json:"symbols"`
	LineCount       int      `json:"line_count"`
}

// PublicSymbols returns the sorted names of exported top-level symbols.
func (s *SourceFactSheet) PublicSymbols() []string {
	names := make([]string, 0, len(s.Symbols))
	for _, sym := range s.Symbols {
		if sym.Exported {
			names = append(names, sym.Name)
		}
	}
	sort.Strings(names)
	return names
}

// HasSymbol reports whether name is a top-level symbol of the module.
func (s *SourceFactSheet) HasSymbol(name string) bool {
	for _, sym := range s.Symbols {
		if sym.Name == name {
			return true
		}
	}
	return false
}

// Lines returns source lines start..end (1-based, inclusive), clamped to
// the file.
func (s *SourceFactSheet) Lines(start, end int) []string {
	lines := strings.Split(s.Source, "\n")
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return nil
	}
	return lines[start-1 : end]
}

// FunctionCount returns the number of functions and methods.
func (s *SourceFactSheet) FunctionCount() int {
	n := 0
	for _, sym := range s.Symbols {
		switch sym.Kind {
		case SymbolFunction:
			n++
		case SymbolClass:
			n += len(sym.Methods)
		}
	}
	return n
}
