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

import "time"

// GenerationRequest is one prompt sent to the completion provider.
//
// A new request is built for every generation attempt.
type GenerationRequest struct {
	Iteration    int     `json:"iteration"`
	SystemPrompt string  `json:"system_prompt"`
	Prompt       string  `json:"prompt"`
	Temperature  float32 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	Model        string  `json:"model,omitempty"`

	// EdgeCases lists the enabled edge-case categories, in prompt order.
	EdgeCases []string `json:"edge_cases,omitempty"`

	// PromptTokens is the estimated size of SystemPrompt plus Prompt.
	PromptTokens int `json:"prompt_tokens"`
}

// GenerationResult is the successful outcome of a completion call.
//
// Failures are reported as errors by the completion client, never as a
// GenerationResult.
type GenerationResult struct {
	Text         string        `json:"text"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Attempts     int           `json:"attempts"`
	OutputTokens int           `json:"output_tokens"`
	Latency      time.Duration `json:"latency"`
}
