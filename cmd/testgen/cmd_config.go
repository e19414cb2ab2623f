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

	"github.com/AleutianAI/AleutianTestGen/pkg/config"
)

var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration file",
	}

	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with the defaults",
		Long: `Writes the default configuration. The format follows the extension
(.yaml, .yml, .json or .toml). Existing files are never replaced.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runConfigInit,
	}

	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}

	configFormat string
)

func init() {
	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format: yaml, json, toml")
	configCmd.AddCommand(configInitCmd, configShowCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) == 1 {
		path = args[0]
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	printer(stdout(cmd)).Success("Wrote " + path)
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	data, err := config.Marshal(app.cfg, configFormat)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	fmt.Fprint(stdout(cmd), string(data))
	return nil
}
