package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/crdrive/internal/history"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit int
		prune time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show finished uploads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			store, err := history.Open(cmd.Context(), cc.Cfg.HistoryPath(), cc.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if prune > 0 {
				n, err := store.Prune(cmd.Context(), time.Now().Add(-prune))
				if err != nil {
					return err
				}

				cc.Statusf("Pruned %d entries older than %s.\n", n, prune)

				return nil
			}

			entries, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if cc.Flags.JSON {
				return printJSON(out, entries)
			}

			if len(entries) == 0 {
				fmt.Fprintln(out, "No uploads recorded.")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				status := string(e.Status)
				if e.Error != "" {
					status += ": " + e.Error
				}

				rows = append(rows, []string{
					formatTime(e.FinishedAt),
					e.Name,
					formatSize(e.Size),
					string(e.Strategy),
					e.Duration().Round(time.Millisecond).String(),
					status,
				})
			}

			printTable(out, []string{"FINISHED", "NAME", "SIZE", "STRATEGY", "TOOK", "STATUS"}, rows)

			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", history.DefaultListLimit, "maximum entries to show")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete entries older than this instead of listing")

	return cmd
}
