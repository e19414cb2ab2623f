// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "auto", cfg.LLM.Provider)
	assert.InDelta(t, 0.3, cfg.LLM.Temperature, 1e-6)
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)
	assert.Equal(t, 90.0, cfg.TestGeneration.TargetCoverage)
	assert.Equal(t, 3, cfg.TestGeneration.MaxRegenerationIterations)
	assert.Equal(t, "test_", cfg.TestGeneration.TestFilePrefix)
	assert.True(t, cfg.TestGeneration.TestBoundaryValues)
	assert.True(t, cfg.Coverage.BranchCoverage)
	assert.Equal(t, "htmlcov", cfg.Coverage.HTMLOutputDir)
	assert.Equal(t, "tests", cfg.Output.TestsDirectory)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_PartialOverlay(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "testgen.yaml",
			content: `
llm:
  provider: anthropic
  timeout: 45s
test_generation:
  target_coverage: 75
  test_null_values: false
`,
		},
		{
			name: "json",
			file: "testgen.json",
			content: `{
  "llm": {"provider": "anthropic", "timeout": "45s"},
  "test_generation": {"target_coverage": 75, "test_null_values": false}
}`,
		},
		{
			name: "toml",
			file: "testgen.toml",
			content: `
[llm]
provider = "anthropic"
timeout = "45s"

[test_generation]
target_coverage = 75.0
test_null_values = false
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			cfg, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, "anthropic", cfg.LLM.Provider)
			assert.Equal(t, 45*time.Second, cfg.LLM.Timeout)
			assert.Equal(t, 75.0, cfg.TestGeneration.TargetCoverage)
			assert.False(t, cfg.TestGeneration.TestNullValues)

			// untouched keys keep their defaults
			assert.Equal(t, 4096, cfg.LLM.MaxTokens)
			assert.Equal(t, 3, cfg.TestGeneration.MaxRegenerationIterations)
			assert.True(t, cfg.TestGeneration.TestEmptyValues)
			assert.True(t, cfg.Coverage.BranchCoverage)
			assert.Equal(t, "tests", cfg.Output.TestsDirectory)
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	content := "llm:\n  provider: gemini\ntest_generation:\n  target_coverage: 140\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 2)
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte("provider=openai"), 0644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestValidate_ConditionalFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Coverage.HTMLReport = true
	cfg.Coverage.HTMLOutputDir = ""
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Telemetry.Traces = "otlp"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	cfg.Telemetry.OTLPEndpoint = "localhost:4317"
	assert.NoError(t, cfg.Validate())
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	for _, name := range []string{"cfg.yaml", "cfg.json", "cfg.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, WriteDefault(path))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, DefaultConfig(), cfg)

			assert.Error(t, WriteDefault(path), "existing file must not be replaced")
		})
	}
}

func TestToMap(t *testing.T) {
	m, err := DefaultConfig().ToMap()
	require.NoError(t, err)

	tg, ok := m["test_generation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "test_", tg["test_file_prefix"])
	assert.NotContains(t, m["llm"], "api_key")
}

func TestResolvePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkingDirectory = "/work"

	assert.Equal(t, "/work/tests", cfg.ResolvePath("tests"))
	assert.Equal(t, "/abs/x.py", cfg.ResolvePath("/abs/x.py"))
	assert.Equal(t, "", cfg.ResolvePath(""))
}
