// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package files

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

func testArtifact(src string) *datatypes.TestArtifact {
	return &datatypes.TestArtifact{Name: "test_calc.py", Source: src, TestNames: []string{"test_add"}}
}

func TestWriteArtifact_NewFile(t *testing.T) {
	base := t.TempDir()
	m := NewManager(base, nil)

	res, err := m.WriteArtifact(testArtifact("def test_add():\n    assert 1\n"), "tests")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "tests", "test_calc.py"), res.Path)
	assert.Empty(t, res.BackupPath)
	assert.False(t, res.Unchanged)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "def test_add():\n    assert 1\n", string(data))

	entries, err := os.ReadDir(filepath.Join(base, "tests"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteArtifact_OverwriteKeepsBackup(t *testing.T) {
	base := t.TempDir()
	m := NewManager(base, nil)
	old := "def test_add():\n    assert 1\n\ndef test_sub():\n    assert 2\n"
	updated := "def test_add():\n    assert 1\n\ndef test_mul():\n    assert 3\n\ndef test_div():\n    assert 4\n"

	_, err := m.WriteArtifact(testArtifact(old), "tests")
	require.NoError(t, err)
	res, err := m.WriteArtifact(testArtifact(updated), "tests")
	require.NoError(t, err)

	assert.Equal(t, res.Path+BackupSuffix, res.BackupPath)
	backup, err := os.ReadFile(res.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, old, string(backup))

	current, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, updated, string(current))

	assert.Equal(t, DiffStats{Inserted: 5, Deleted: 2}, res.Diff)
}

func TestWriteArtifact_Unchanged(t *testing.T) {
	base := t.TempDir()
	m := NewManager(base, nil)
	src := "def test_add():\n    pass\n"

	_, err := m.WriteArtifact(testArtifact(src), "tests")
	require.NoError(t, err)
	res, err := m.WriteArtifact(testArtifact(src), "tests")
	require.NoError(t, err)

	assert.True(t, res.Unchanged)
	_, err = os.Stat(res.Path + BackupSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteArtifact_Empty(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	_, err := m.WriteArtifact(&datatypes.TestArtifact{Name: "test_x.py"}, "tests")
	assert.ErrorIs(t, err, ErrEmptyArtifact)
	_, err = m.WriteArtifact(nil, "tests")
	assert.ErrorIs(t, err, ErrEmptyArtifact)
}

func TestWriteArtifact_AbsoluteDir(t *testing.T) {
	abs := t.TempDir()
	m := NewManager("/nonexistent-base", nil)

	res, err := m.WriteArtifact(testArtifact("def test_a(): pass\n"), abs)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(abs, "test_calc.py"), res.Path)
}

func TestWriteArtifact_Concurrent(t *testing.T) {
	base := t.TempDir()
	m := NewManager(base, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			art := &datatypes.TestArtifact{
				Name:   "test_mod" + strings.Repeat("x", n) + ".py",
				Source: "def test_a(): pass\n",
			}
			_, err := m.WriteArtifact(art, "tests")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := os.ReadDir(filepath.Join(base, "tests"))
	require.NoError(t, err)
	assert.Len(t, entries, 8)
}

func TestWritePrompt(t *testing.T) {
	base := t.TempDir()
	m := NewManager(base, nil)
	req := datatypes.GenerationRequest{Iteration: 2, SystemPrompt: "You write tests.", Prompt: "Cover lines 3-4."}

	path, err := m.WritePrompt("tests", "calc", req)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "tests", ".prompts", "calc_iter2.txt"), path)
	assert.Equal(t, path, m.PromptPath("tests", "calc", 2))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "=== SYSTEM ===\nYou write tests.\n\n=== PROMPT ===\nCover lines 3-4.", string(data))

	req.Prompt = "retry"
	_, err = m.WritePrompt("tests", "calc", req)
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "retry"))
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		want     DiffStats
	}{
		{"identical", "a\nb\n", "a\nb\n", DiffStats{}},
		{"append", "a\n", "a\nb\nc\n", DiffStats{Inserted: 2}},
		{"remove", "a\nb\nc\n", "a\n", DiffStats{Deleted: 2}},
		{"replace", "a\nb\nc\n", "a\nx\nc\n", DiffStats{Inserted: 1, Deleted: 1}},
		{"from empty", "", "a\nb", DiffStats{Inserted: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Diff(tt.old, tt.new))
		})
	}
}

func TestDiffStats_String(t *testing.T) {
	assert.Equal(t, "+3 -1", DiffStats{Inserted: 3, Deleted: 1}.String())
}

func TestResolve(t *testing.T) {
	m := NewManager("/work", nil)
	assert.Equal(t, "/work/tests", m.Resolve("tests"))
	assert.Equal(t, "/abs/tests", m.Resolve("/abs/tests/"))
	assert.Equal(t, "tests", NewManager("", nil).Resolve("tests"))
}
