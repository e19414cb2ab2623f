// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package files writes generated test modules and prompt transcripts.
package files

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

var (
	// ErrWriteFailed wraps every failed write.
	ErrWriteFailed = errors.New("failed to write file")

	// ErrEmptyArtifact is returned when there is nothing to write.
	ErrEmptyArtifact = errors.New("artifact is empty")
)

// BackupSuffix is appended to the previous version of an overwritten file.
const BackupSuffix = ".bak"

// promptsDir holds saved prompts under the tests directory.
const promptsDir = ".prompts"

// DiffStats summarizes how an overwrite changed a file.
type DiffStats struct {
	Inserted int
	Deleted  int
}

// String renders the stats as "+3 -1".
func (d DiffStats) String() string {
	return fmt.Sprintf("+%d -%d", d.Inserted, d.Deleted)
}

// WriteResult describes one artifact write.
type WriteResult struct {
	Path string

	// BackupPath is set when an existing file was overwritten.
	BackupPath string

	// Unchanged is true when the file already had the same content.
	Unchanged bool

	Diff DiffStats
}

// Manager writes files below a base directory.
//
// Thread Safety: Safe for concurrent use. Batch sessions share one
// Manager; writes to the same path are serialized.
type Manager struct {
	baseDir string
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewManager creates a manager. Relative paths resolve against baseDir;
// an empty baseDir means the process working directory.
func NewManager(baseDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{baseDir: baseDir, logger: logger}
}

// Resolve makes p absolute against the base directory.
func (m *Manager) Resolve(p string) string {
	if filepath.IsAbs(p) || m.baseDir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(m.baseDir, p)
}

// WriteArtifact writes art into dir.
//
// Description:
//
//	Writes atomically through a temp file in the target directory. When
//	a file with different content already exists, it is copied to
//	<path>.bak first and the line diff is logged.
//
// Inputs:
//   - art: The test module. Must not be empty.
//   - dir: Target directory, relative to the base directory.
//
// Outputs:
//   - WriteResult: Where the file went and what changed.
//   - error: ErrEmptyArtifact, or ErrWriteFailed wrapping the cause.
func (m *Manager) WriteArtifact(art *datatypes.TestArtifact, dir string) (WriteResult, error) {
	if art.IsEmpty() {
		return WriteResult{}, ErrEmptyArtifact
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.Resolve(dir), art.Name)
	result := WriteResult{Path: path}

	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if string(existing) == art.Source {
			result.Unchanged = true
			m.logger.Info("Test file unchanged", slog.String("path", path))
			return result, nil
		}
		result.Diff = Diff(string(existing), art.Source)
		result.BackupPath = path + BackupSuffix
		if err := atomicWrite(result.BackupPath, existing); err != nil {
			return WriteResult{}, fmt.Errorf("%w: backup %s: %v", ErrWriteFailed, path, err)
		}
		m.logger.Info("Overwriting test file",
			slog.String("path", path),
			slog.String("backup", result.BackupPath),
			slog.Int("inserted_lines", result.Diff.Inserted),
			slog.Int("deleted_lines", result.Diff.Deleted),
		)
	case !os.IsNotExist(err):
		return WriteResult{}, fmt.Errorf("%w: read %s: %v", ErrWriteFailed, path, err)
	}

	if err := atomicWrite(path, []byte(art.Source)); err != nil {
		m.logger.Error("Failed to write test file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return WriteResult{}, fmt.Errorf("%w: %s: %v", ErrWriteFailed, path, err)
	}

	m.logger.Info("Wrote test file",
		slog.String("path", path),
		slog.Int("size", len(art.Source)),
		slog.Int("tests", len(art.TestNames)),
	)
	return result, nil
}

// PromptPath returns where WritePrompt stores a prompt.
func (m *Manager) PromptPath(dir, module string, iteration int) string {
	return filepath.Join(m.Resolve(dir), promptsDir, fmt.Sprintf("%s_iter%d.txt", module, iteration))
}

// WritePrompt saves the system prompt and prompt of req under
// <dir>/.prompts/<module>_iter<N>.txt. A retry within the same iteration
// replaces the earlier file.
func (m *Manager) WritePrompt(dir, module string, req datatypes.GenerationRequest) (string, error) {
	path := m.PromptPath(dir, module, req.Iteration)

	var sb strings.Builder
	sb.WriteString("=== SYSTEM ===\n")
	sb.WriteString(req.SystemPrompt)
	sb.WriteString("\n\n=== PROMPT ===\n")
	sb.WriteString(req.Prompt)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := atomicWrite(path, []byte(sb.String())); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrWriteFailed, path, err)
	}
	m.logger.Debug("Saved prompt",
		slog.String("path", path),
		slog.Int("iteration", req.Iteration),
		slog.Int("prompt_tokens", req.PromptTokens),
	)
	return path, nil
}

// Diff counts inserted and deleted lines between old and new.
func Diff(oldText, newText string) DiffStats {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var stats DiffStats
	for _, d := range diffs {
		n := lineCount(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			stats.Inserted += n
		case diffmatchpatch.DiffDelete:
			stats.Deleted += n
		}
	}
	return stats
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// atomicWrite writes data to a uniquely named temp file next to path and
// renames it into place.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
