// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tokens estimates prompt sizes.
//
// Count uses the cl100k_base encoding, loaded lazily on first use. When the
// encoding cannot be loaded (for example without network access to fetch
// the BPE ranks), Count falls back to Estimate for the life of the process.
package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter returns the token count of a text.
type Counter func(text string) int

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func load() {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
}

// Count returns the cl100k_base token count of text.
func Count(text string) int {
	load()
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate returns max(runes/4, words), and at least 1 for non-blank text.
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := utf8.RuneCountInString(trimmed) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
