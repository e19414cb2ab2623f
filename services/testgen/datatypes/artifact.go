// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// TestArtifact is a syntactically valid test module.
//
// The zero value is the empty artifact, meaning no usable output.
type TestArtifact struct {
	// Name is the file name of the module, e.g. "test_calculator.py".
	Name string `json:"name"`

	// Source is the normalized module text.
	Source string `json:"source"`

	// TestNames lists discovered test functions and Class::method pairs.
	TestNames []string `json:"test_names,omitempty"`

	// Warnings lists references to names the target does not declare.
	Warnings []string `json:"warnings,omitempty"`
}

// IsEmpty reports whether the artifact carries no source.
func (a *TestArtifact) IsEmpty() bool {
	return a == nil || a.Source == ""
}
