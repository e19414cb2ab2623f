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

	"github.com/spf13/cobra"
)

var (
	coverageCmd = &cobra.Command{
		Use:   "coverage <test_file.py> <source.py>",
		Short: "Measure the coverage an existing test file achieves",
		Args:  cobra.ExactArgs(2),
		RunE:  runCoverage,
	}

	runCmd = &cobra.Command{
		Use:   "run <test_file.py>",
		Short: "Run an existing test file without coverage",
		Args:  cobra.ExactArgs(1),
		RunE:  runTests,
	}
)

func runCoverage(cmd *cobra.Command, args []string) error {
	svc, err := newService()
	if err != nil {
		return err
	}
	m, err := svc.Measure(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}

	p := printer(stdout(cmd))
	p.Title(fmt.Sprintf("Coverage of %s by %s", m.Sheet.ModuleName, args[0]))
	renderReport(p, m.Report)
	renderEvaluation(p, m.Evaluation, app.cfg.Coverage.ShowMissingLines)

	if floor := app.cfg.Coverage.FailUnder; floor > 0 && m.Evaluation.Percentage < floor {
		return belowFloor(m.Evaluation.Percentage, floor)
	}
	return nil
}

func runTests(cmd *cobra.Command, args []string) error {
	svc, err := newService()
	if err != nil {
		return err
	}
	report, err := svc.RunTests(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	p := printer(stdout(cmd))
	p.Title("Running " + args[0])
	renderReport(p, report)
	switch {
	case report.TimedOut:
		return fmt.Errorf("test run timed out")
	case report.Crashed:
		return fmt.Errorf("test run crashed: %s", report.CrashMessage)
	case !report.AllPassed():
		return fmt.Errorf("%d of %d tests did not pass", report.Failed+report.Errors, report.Total())
	}
	return nil
}
