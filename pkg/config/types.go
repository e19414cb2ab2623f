// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the test generator configuration and its loaders.
//
// A configuration file is decoded over DefaultConfig, so every section and
// every key is independently optional. YAML, JSON and TOML are accepted.
package config

import "time"

// Config is the complete test generator configuration.
type Config struct {
	LLM            LLMConfig            `yaml:"llm" toml:"llm" json:"llm"`
	TestGeneration TestGenerationConfig `yaml:"test_generation" toml:"test_generation" json:"test_generation"`
	Coverage       CoverageConfig       `yaml:"coverage" toml:"coverage" json:"coverage"`
	Output         OutputConfig         `yaml:"output" toml:"output" json:"output"`
	Runner         RunnerConfig         `yaml:"runner" toml:"runner" json:"runner"`
	Telemetry      TelemetryConfig      `yaml:"telemetry" toml:"telemetry" json:"telemetry"`
	History        HistoryConfig        `yaml:"history" toml:"history" json:"history"`

	// WorkingDirectory is the base for relative paths. Empty means the
	// process working directory.
	WorkingDirectory string `yaml:"working_directory" toml:"working_directory" json:"working_directory"`

	// Concurrency bounds how many files the batch command processes at once.
	Concurrency int `yaml:"concurrency" toml:"concurrency" json:"concurrency" validate:"gte=1,lte=32"`
}

// LLMConfig selects and tunes the completion provider.
type LLMConfig struct {
	// Provider is one of auto, openai, anthropic, local.
	Provider string `yaml:"provider" toml:"provider" json:"provider" validate:"oneof=auto openai anthropic local"`

	// Model overrides the provider default model.
	Model string `yaml:"model,omitempty" toml:"model" json:"model,omitempty"`

	// APIKey is an explicit credential. Takes precedence over the environment.
	APIKey string `yaml:"api_key,omitempty" toml:"api_key" json:"api_key,omitempty"`

	// BaseURL overrides the provider endpoint. For the local provider this
	// is the Ollama host.
	BaseURL string `yaml:"base_url,omitempty" toml:"base_url" json:"base_url,omitempty" validate:"omitempty,url"`

	Temperature float32       `yaml:"temperature" toml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `yaml:"max_tokens" toml:"max_tokens" json:"max_tokens" validate:"gt=0,lte=200000"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout" json:"timeout" validate:"gt=0"`

	// MaxAttempts bounds transient-failure retries per generation.
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts" validate:"gte=1,lte=10"`

	// RequestsPerMinute throttles calls made by one session. 0 disables.
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute" json:"requests_per_minute" validate:"gte=0"`

	// EnvFile is an optional dotenv file consulted for credentials.
	EnvFile string `yaml:"env_file,omitempty" toml:"env_file" json:"env_file,omitempty"`
}

// TestGenerationConfig controls prompting and the regeneration budget.
type TestGenerationConfig struct {
	TargetCoverage            float64 `yaml:"target_coverage" toml:"target_coverage" json:"target_coverage" validate:"gte=0,lte=100"`
	MaxRegenerationIterations int     `yaml:"max_regeneration_iterations" toml:"max_regeneration_iterations" json:"max_regeneration_iterations" validate:"gte=1,lte=20"`
	IncludeEdgeCases          bool    `yaml:"include_edge_cases" toml:"include_edge_cases" json:"include_edge_cases"`
	IncludeParametrizedTests  bool    `yaml:"include_parametrized_tests" toml:"include_parametrized_tests" json:"include_parametrized_tests"`
	IncludeDocstrings         bool    `yaml:"include_docstrings" toml:"include_docstrings" json:"include_docstrings"`
	TestFilePrefix            string  `yaml:"test_file_prefix" toml:"test_file_prefix" json:"test_file_prefix" validate:"required,excludesall=/\\"`

	TestNullValues     bool `yaml:"test_null_values" toml:"test_null_values" json:"test_null_values"`
	TestEmptyValues    bool `yaml:"test_empty_values" toml:"test_empty_values" json:"test_empty_values"`
	TestBoundaryValues bool `yaml:"test_boundary_values" toml:"test_boundary_values" json:"test_boundary_values"`
	TestTypeErrors     bool `yaml:"test_type_errors" toml:"test_type_errors" json:"test_type_errors"`
	TestExceptions     bool `yaml:"test_exceptions" toml:"test_exceptions" json:"test_exceptions"`

	// MaxParseRetries is how many extra generations an iteration may spend
	// on unparseable output before it is recorded as such.
	MaxParseRetries int `yaml:"max_parse_retries" toml:"max_parse_retries" json:"max_parse_retries" validate:"gte=0,lte=5"`

	// PromptTokenBudget caps the source excerpt embedded in prompts.
	PromptTokenBudget int `yaml:"prompt_token_budget" toml:"prompt_token_budget" json:"prompt_token_budget" validate:"gte=256"`
}

// CoverageConfig controls coverage measurement and reporting.
type CoverageConfig struct {
	BranchCoverage   bool    `yaml:"branch_coverage" toml:"branch_coverage" json:"branch_coverage"`
	ShowMissingLines bool    `yaml:"show_missing_lines" toml:"show_missing_lines" json:"show_missing_lines"`
	HTMLReport       bool    `yaml:"html_report" toml:"html_report" json:"html_report"`
	HTMLOutputDir    string  `yaml:"html_output_dir" toml:"html_output_dir" json:"html_output_dir" validate:"required_if=HTMLReport true"`
	FailUnder        float64 `yaml:"fail_under" toml:"fail_under" json:"fail_under" validate:"gte=0,lte=100"`
}

// OutputConfig controls where artifacts go and how results are shown.
type OutputConfig struct {
	TestsDirectory    string `yaml:"tests_directory" toml:"tests_directory" json:"tests_directory" validate:"required"`
	Verbose           bool   `yaml:"verbose" toml:"verbose" json:"verbose"`
	UseRich           bool   `yaml:"use_rich" toml:"use_rich" json:"use_rich"`
	ShowGeneratedCode bool   `yaml:"show_generated_code" toml:"show_generated_code" json:"show_generated_code"`
	SavePrompts       bool   `yaml:"save_prompts" toml:"save_prompts" json:"save_prompts"`
	LogDir            string `yaml:"log_dir,omitempty" toml:"log_dir" json:"log_dir,omitempty"`
	JSONLogs          bool   `yaml:"json_logs" toml:"json_logs" json:"json_logs"`
}

// RunnerConfig controls test execution.
type RunnerConfig struct {
	// Python is the interpreter used to run pytest.
	Python string `yaml:"python" toml:"python" json:"python" validate:"required"`

	// Timeout bounds one whole pytest invocation.
	Timeout time.Duration `yaml:"timeout" toml:"timeout" json:"timeout" validate:"gt=0"`

	// PerTestTimeout is passed to pytest-timeout. 0 disables it.
	PerTestTimeout time.Duration `yaml:"per_test_timeout" toml:"per_test_timeout" json:"per_test_timeout" validate:"gte=0"`

	// ExtraArgs are appended to the pytest command line.
	ExtraArgs []string `yaml:"extra_args,omitempty" toml:"extra_args,omitempty" json:"extra_args,omitempty"`

	// MaxOutputBytes bounds captured pytest output.
	MaxOutputBytes int `yaml:"max_output_bytes" toml:"max_output_bytes" json:"max_output_bytes" validate:"gte=1024"`
}

// TelemetryConfig selects trace and metric exporters.
type TelemetryConfig struct {
	// Traces is one of none, stdout, otlp.
	Traces       string `yaml:"traces" toml:"traces" json:"traces" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" toml:"otlp_endpoint" json:"otlp_endpoint,omitempty" validate:"required_if=Traces otlp"`

	// MetricsFile receives the prometheus text exposition on shutdown.
	MetricsFile   string `yaml:"metrics_file,omitempty" toml:"metrics_file" json:"metrics_file,omitempty"`
	StdoutMetrics bool   `yaml:"stdout_metrics" toml:"stdout_metrics" json:"stdout_metrics"`
}

// HistoryConfig controls the persistent session history.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" toml:"dir" json:"dir" validate:"required_if=Enabled true"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		LLM: LLMConfig{
			Provider:          "auto",
			Temperature:       0.3,
			MaxTokens:         4096,
			Timeout:           120 * time.Second,
			MaxAttempts:       3,
			RequestsPerMinute: 30,
		},
		TestGeneration: TestGenerationConfig{
			TargetCoverage:            90.0,
			MaxRegenerationIterations: 3,
			IncludeEdgeCases:          true,
			IncludeParametrizedTests:  true,
			IncludeDocstrings:         true,
			TestFilePrefix:            "test_",
			TestNullValues:            true,
			TestEmptyValues:           true,
			TestBoundaryValues:        true,
			TestTypeErrors:            true,
			TestExceptions:            true,
			MaxParseRetries:           1,
			PromptTokenBudget:         6000,
		},
		Coverage: CoverageConfig{
			BranchCoverage:   true,
			ShowMissingLines: true,
			HTMLReport:       false,
			HTMLOutputDir:    "htmlcov",
			FailUnder:        0,
		},
		Output: OutputConfig{
			TestsDirectory: "tests",
			UseRich:        true,
		},
		Runner: RunnerConfig{
			Python:         "python3",
			Timeout:        120 * time.Second,
			PerTestTimeout: 30 * time.Second,
			MaxOutputBytes: 256 * 1024,
		},
		Telemetry: TelemetryConfig{
			Traces: "none",
		},
		History: HistoryConfig{
			Enabled: false,
			Dir:     "~/.aleutian/testgen/history",
		},
		Concurrency: 4,
	}
}
