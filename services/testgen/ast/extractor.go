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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

// DefaultCacheSize is the number of fact sheets an Extractor keeps.
const DefaultCacheSize = 128

// Extractor reads target files and returns their fact sheets, caching
// by path and content hash so unchanged files are parsed once.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Extractor struct {
	parser *PythonParser
	cache  *lru.Cache[string, *datatypes.SourceFactSheet]
}

// NewExtractor creates an Extractor. cacheSize <= 0 uses DefaultCacheSize.
func NewExtractor(parser *PythonParser, cacheSize int) (*Extractor, error) {
	if parser == nil {
		parser = NewPythonParser()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *datatypes.SourceFactSheet](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create fact sheet cache: %w", err)
	}
	return &Extractor{parser: parser, cache: cache}, nil
}

// Extract reads the python file at path and returns its fact sheet.
//
// The returned sheet is shared with the cache and must not be modified.
func (e *Extractor) Extract(ctx context.Context, path string) (*datatypes.SourceFactSheet, error) {
	if !strings.EqualFold(filepath.Ext(path), ".py") {
		return nil, fmt.Errorf("%w: %s", ErrNotPython, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	sum := sha256.Sum256(content)
	key := abs + "@" + hex.EncodeToString(sum[:])
	if sheet, ok := e.cache.Get(key); ok {
		recordCacheHit(ctx)
		return sheet, nil
	}

	sheet, err := e.parser.Parse(ctx, content, abs)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, sheet)
	return sheet, nil
}

// Len returns the number of cached fact sheets.
func (e *Extractor) Len() int {
	return e.cache.Len()
}
