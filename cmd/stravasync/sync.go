package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lmerrett/stravasync/internal/errs"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch new activities and merge them into the encrypted dataset",
	Long: `Run one incremental sync. Activities newer than the stored watermark are
fetched page by page, deduplicated and merged append-only, then the dataset
file is atomically replaced.

A rate-limited or network-exhausted run exits non-zero but keeps the
progress merged so far; the next invocation resumes from the advanced
watermark.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.RunTimeout)
		defer cancel()

		report, err := a.engine.Run(ctx)
		out := cmd.OutOrStdout()
		if report.Partial {
			fmt.Fprintf(out, "Partial sync %s: %d activities, %d splits, %d pages (resumable)\n",
				report.RunID, report.ActivitiesAdded, report.SplitsAdded, report.PagesFetched)
		} else if err == nil {
			fmt.Fprintf(out, "Sync %s: %d activities, %d splits, %d pages in %s\n",
				report.RunID, report.ActivitiesAdded, report.SplitsAdded, report.PagesFetched,
				report.Duration.Round(time.Millisecond))
		}
		if errors.Is(err, errs.ErrReauthorizationRequired) {
			return fmt.Errorf("%w\nRun \"stravasync auth url\" to re-authorize", err)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
