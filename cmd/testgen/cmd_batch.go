// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/session"
)

var (
	batchCmd = &cobra.Command{
		Use:   "batch <source.py>...",
		Short: "Generate test suites for several modules concurrently",
		Long: `Runs an independent generation session for every source file, at most
"concurrency" at a time. One failing file does not stop the others.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runBatch,
	}

	batchConcurrency int
)

func init() {
	addGenerationFlags(batchCmd)
	batchCmd.Flags().IntVarP(&batchConcurrency, "concurrency", "j", 0, "files processed at once")
}

func runBatch(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("concurrency") {
		app.cfg.Concurrency = batchConcurrency
	}
	if err := applyGenerationFlags(cmd); err != nil {
		return err
	}
	p := printer(stdout(cmd))
	var mu sync.Mutex
	svc, err := newService(session.WithIterationFunc(func(source string, rec datatypes.IterationRecord) {
		mu.Lock()
		defer mu.Unlock()
		p.Muted(fmt.Sprintf("%s: %s", filepath.Base(source), iterationLine(rec)))
	}))
	if err != nil {
		return err
	}

	p.Title(fmt.Sprintf("Generating tests for %d modules", len(args)))
	results, batchErr := svc.Batch(cmd.Context(), args)
	renderBatch(p, args, results)

	if batchErr != nil {
		return withExitCode(exitError, batchErr)
	}
	if floor := app.cfg.Coverage.FailUnder; floor > 0 {
		for _, r := range results {
			if r != nil && r.BestCoverage() < floor {
				return belowFloor(r.BestCoverage(), floor)
			}
		}
	}
	return nil
}
