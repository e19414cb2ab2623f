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
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Inspect past generation sessions",
	}

	historyListCmd = &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions, newest first",
		Args:  cobra.NoArgs,
		RunE:  runHistoryList,
	}

	historyShowCmd = &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session and its iterations",
		Long:  `Shows a recorded session. A unique prefix of the session id is enough.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryShow,
	}

	historyLimit int
)

func init() {
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "maximum sessions to list, 0 for all")
	historyCmd.AddCommand(historyListCmd, historyShowCmd)
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	summaries, err := store.List(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}

	p := printer(stdout(cmd))
	if len(summaries) == 0 {
		p.Muted("No sessions recorded in " + app.cfg.ResolvePath(app.cfg.History.Dir))
		return nil
	}
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{
			s.SessionID,
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			s.ModuleName,
			string(s.Status),
			fmt.Sprintf("%.2f%%", s.BestCoverage),
			fmt.Sprintf("%d", s.Iterations),
		})
	}
	p.Table([]string{"ID", "STARTED", "MODULE", "STATUS", "BEST", "ITERATIONS"}, rows)
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	result, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	p := printer(stdout(cmd))
	renderResult(p, result, app.cfg)
	if len(result.History) > 0 {
		p.Line("")
		renderHistory(p, result.History)
	}
	return nil
}
