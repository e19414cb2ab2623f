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

import "errors"

var (
	// ErrFileTooLarge indicates the source exceeds the parser size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrInvalidContent indicates the source is not valid UTF-8.
	ErrInvalidContent = errors.New("invalid content")

	// ErrNotPython indicates the target is not a .py file.
	ErrNotPython = errors.New("not a python source file")

	// ErrEmptySource indicates the target has no content.
	ErrEmptySource = errors.New("empty source file")
)

// DefaultMaxFileSize is the largest source the parser accepts.
const DefaultMaxFileSize = 2 * 1024 * 1024
