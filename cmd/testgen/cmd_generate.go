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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
	"github.com/AleutianAI/AleutianTestGen/services/testgen/session"
)

var (
	generateCmd = &cobra.Command{
		Use:   "generate <source.py>",
		Short: "Generate a test suite for one Python module",
		Long: `Generates a pytest suite for the module, runs it with coverage and
regenerates it until the coverage target is reached. The best suite is
written to tests_directory/<prefix><module>.py.`,
		Args: cobra.ExactArgs(1),
		RunE: runGenerate,
	}

	genTarget     float64
	genIterations int
	genOutputDir  string
	genProvider   string
	genModel      string
	genShowCode   bool
	genSavePrompt bool
	genFailUnder  float64
)

func init() {
	addGenerationFlags(generateCmd)
}

// addGenerationFlags registers the config overrides shared by generate and
// batch.
func addGenerationFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Float64VarP(&genTarget, "target", "t", 0, "coverage target percentage")
	f.IntVarP(&genIterations, "max-iterations", "n", 0, "maximum regeneration iterations")
	f.StringVarP(&genOutputDir, "output-dir", "o", "", "directory for generated tests")
	f.StringVar(&genProvider, "provider", "", "llm provider: auto, openai, anthropic, local")
	f.StringVar(&genModel, "model", "", "model name")
	f.BoolVar(&genShowCode, "show-code", false, "print the generated test module")
	f.BoolVar(&genSavePrompt, "save-prompts", false, "write every prompt under tests_directory/.prompts")
	f.Float64Var(&genFailUnder, "fail-under", 0, "exit with code 2 when the best coverage is below this")
}

// applyGenerationFlags copies explicitly set flags onto the configuration
// and validates the result.
func applyGenerationFlags(cmd *cobra.Command) error {
	f := cmd.Flags()
	cfg := &app.cfg
	if f.Changed("target") {
		cfg.TestGeneration.TargetCoverage = genTarget
	}
	if f.Changed("max-iterations") {
		cfg.TestGeneration.MaxRegenerationIterations = genIterations
	}
	if f.Changed("output-dir") {
		cfg.Output.TestsDirectory = genOutputDir
	}
	if f.Changed("provider") {
		cfg.LLM.Provider = genProvider
	}
	if f.Changed("model") {
		cfg.LLM.Model = genModel
	}
	if f.Changed("show-code") {
		cfg.Output.ShowGeneratedCode = genShowCode
	}
	if f.Changed("save-prompts") {
		cfg.Output.SavePrompts = genSavePrompt
	}
	if f.Changed("fail-under") {
		cfg.Coverage.FailUnder = genFailUnder
	}
	return cfg.Validate()
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if err := applyGenerationFlags(cmd); err != nil {
		return err
	}
	p := printer(stdout(cmd))
	svc, err := newService(session.WithIterationFunc(func(_ string, rec datatypes.IterationRecord) {
		renderIteration(p, rec)
	}))
	if err != nil {
		return err
	}

	p.Title("Generating tests for " + args[0])
	result, err := svc.Generate(cmd.Context(), args[0])
	if result != nil {
		renderResult(p, result, app.cfg)
	}
	if err != nil {
		return withExitCode(exitError, err)
	}
	if floor := app.cfg.Coverage.FailUnder; floor > 0 && result.BestCoverage() < floor {
		return belowFloor(result.BestCoverage(), floor)
	}
	return nil
}
