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
	"errors"
	"fmt"
)

var (
	// ErrEmptyArtifact is returned when Run is given no test source.
	ErrEmptyArtifact = errors.New("empty test artifact")

	// ErrUnsupportedLanguage is returned for a language with no config.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrToolchainMissing is returned by Check when pytest or pytest-cov
	// cannot be imported.
	ErrToolchainMissing = errors.New("pytest toolchain not available")
)

// ExecutionError is an infrastructure failure of a test run: the
// interpreter could not start, the workspace could not be prepared, or
// pytest exited without running tests.
type ExecutionError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}
