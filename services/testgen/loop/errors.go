// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrNilContext indicates a nil context.Context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilSheet indicates Run was called without a fact sheet.
	ErrNilSheet = errors.New("fact sheet must not be nil")

	// ErrMissingDependency indicates a required collaborator is nil.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrInvalidConfig indicates a configuration value is out of range.
	ErrInvalidConfig = errors.New("invalid loop configuration")

	// ErrAlreadyRunning indicates the controller is running a session.
	ErrAlreadyRunning = errors.New("controller already running")
)

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// StateTransitionError indicates the machine reached a state it has no
// handler for.
type StateTransitionError struct {
	From State
	To   State
}

// Error implements the error interface.
func (e *StateTransitionError) Error() string {
	return "invalid loop state transition: " + string(e.From) + " -> " + string(e.To)
}
