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
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"dario.cat/mergo"
)

// Argument placeholders substituted by the runner.
const (
	placeholderFile    = "{file}"
	placeholderModule  = "{module}"
	placeholderCovJSON = "{cov_json}"
	placeholderHTMLDir = "{html_dir}"
	placeholderTimeout = "{timeout}"
)

// LanguageConfig defines how tests of one language are executed.
type LanguageConfig struct {
	// Language is the language identifier.
	Language string

	// Interpreter is the executable that runs the test tool.
	Interpreter string

	// TestArgs run one test file with coverage. Placeholders: {file},
	// {module}, {cov_json}.
	TestArgs []string

	// PlainArgs run one test file without coverage. Placeholder: {file}.
	PlainArgs []string

	// BranchArgs are added when branch coverage is enabled.
	BranchArgs []string

	// TimeoutArgs are added when a per-test timeout is set and the
	// timeout plugin is importable. Placeholder: {timeout} in seconds.
	TimeoutArgs []string

	// HTMLArgs are added when an html report is requested. Placeholder:
	// {html_dir}.
	HTMLArgs []string

	// ExtraArgs are appended last.
	ExtraArgs []string

	// ProbeArgs check that the test tool and coverage plugin import.
	ProbeArgs []string

	// TimeoutProbeArgs check that the timeout plugin imports.
	TimeoutProbeArgs []string

	// TestFilePattern is the glob pattern for test files.
	TestFilePattern string

	// Extensions are source file extensions for this language.
	Extensions []string
}

func pythonDefaults() *LanguageConfig {
	return &LanguageConfig{
		Language:    "python",
		Interpreter: "python3",
		TestArgs: []string{
			"-m", "pytest", placeholderFile, "-q", "-rA", "-p", "no:cacheprovider",
			"--cov=" + placeholderModule, "--cov-report=json:" + placeholderCovJSON,
		},
		PlainArgs:        []string{"-m", "pytest", placeholderFile, "-q", "-rA", "-p", "no:cacheprovider"},
		BranchArgs:       []string{"--cov-branch"},
		TimeoutArgs:      []string{"--timeout=" + placeholderTimeout},
		HTMLArgs:         []string{"--cov-report=html:" + placeholderHTMLDir},
		ProbeArgs:        []string{"-c", "import pytest, pytest_cov"},
		TimeoutProbeArgs: []string{"-c", "import pytest_timeout"},
		TestFilePattern:  "test_*.py",
		Extensions:       []string{".py"},
	}
}

// LanguageConfigRegistry holds the language configurations.
//
// Thread Safety: Safe for concurrent use.
type LanguageConfigRegistry struct {
	mu      sync.RWMutex
	configs map[string]*LanguageConfig
}

// NewLanguageConfigRegistry creates a registry with the python defaults.
func NewLanguageConfigRegistry() *LanguageConfigRegistry {
	return &LanguageConfigRegistry{
		configs: map[string]*LanguageConfig{"python": pythonDefaults()},
	}
}

// Get returns a copy of the configuration for a language.
func (r *LanguageConfigRegistry) Get(language string) (*LanguageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[language]
	if !ok {
		return nil, false
	}
	cp := *cfg
	return &cp, true
}

// Overlay merges the non-zero fields of override onto the registered
// configuration for override.Language. A language without a registered
// configuration is added as is.
func (r *LanguageConfigRegistry) Overlay(override LanguageConfig) error {
	if override.Language == "" {
		return fmt.Errorf("%w: empty language", ErrUnsupportedLanguage)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	base, ok := r.configs[override.Language]
	if !ok {
		cp := override
		r.configs[override.Language] = &cp
		return nil
	}
	merged := *base
	if err := mergo.Merge(&merged, override, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging %s config: %w", override.Language, err)
	}
	r.configs[override.Language] = &merged
	return nil
}

// Languages returns the registered languages, sorted.
func (r *LanguageConfigRegistry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.configs))
	for lang := range r.configs {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// LanguageForFile returns the language of a source file, or "".
func (r *LanguageConfigRegistry) LanguageForFile(path string) string {
	ext := filepath.Ext(path)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for lang, cfg := range r.configs {
		for _, e := range cfg.Extensions {
			if e == ext {
				return lang
			}
		}
	}
	return ""
}
