// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifact

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrUnparseable is matched by every UnparseableError.
	ErrUnparseable = errors.New("unparseable test module")

	// ErrEmptyOutput means the model returned only whitespace.
	ErrEmptyOutput = errors.New("empty model output")

	// ErrSyntax means the extracted module does not parse.
	ErrSyntax = errors.New("syntax error")

	// ErrNoTests means the module parses but declares no tests.
	ErrNoTests = errors.New("no test functions found")
)

// maxExcerpt bounds the raw output kept on an UnparseableError.
const maxExcerpt = 500

// UnparseableError reports model output that is not a usable test module.
type UnparseableError struct {
	// Line is the 1-based line of the first syntax error, or 0.
	Line int

	// Excerpt is the start of the raw output.
	Excerpt string

	Err error
}

// Error implements the error interface.
func (e *UnparseableError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %v at line %d", ErrUnparseable, e.Err, e.Line)
	}
	return fmt.Sprintf("%s: %v", ErrUnparseable, e.Err)
}

// Unwrap returns the underlying reason.
func (e *UnparseableError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrUnparseable) true.
func (e *UnparseableError) Is(target error) bool {
	return target == ErrUnparseable
}

func unparseable(reason error, line int, raw string) *UnparseableError {
	excerpt := raw
	if len(excerpt) > maxExcerpt {
		n := maxExcerpt
		for n > 0 && !utf8.RuneStart(raw[n]) {
			n--
		}
		excerpt = raw[:n]
	}
	return &UnparseableError{Line: line, Excerpt: excerpt, Err: reason}
}
