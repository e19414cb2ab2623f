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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	analyzeCmd = &cobra.Command{
		Use:   "analyze <source.py>",
		Short: "Print the structure of a Python module",
		Long:  `Prints the functions, classes and methods the generator sees in a module.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	}

	analyzeJSON bool
)

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "print the fact sheet as JSON")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	svc, err := newService()
	if err != nil {
		return err
	}
	sheet, err := svc.Extract(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if analyzeJSON {
		data, err := json.MarshalIndent(sheet, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout(cmd), string(data))
		return nil
	}
	renderFactSheet(printer(stdout(cmd)), sheet)
	return nil
}
