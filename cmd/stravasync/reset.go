package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear activities and/or splits from the encrypted dataset",
	Long: `Destructively clear parts of the dataset. Clearing activities also
resets the watermark, so the next sync refetches the full history. At
least one of --activities or --splits must be given.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		activities, _ := cmd.Flags().GetBool("activities")
		splits, _ := cmd.Flags().GetBool("splits")
		if !activities && !splits {
			return fmt.Errorf("nothing to reset: pass --activities and/or --splits")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.data.Reset(cmd.Context(), activities, splits); err != nil {
			return fmt.Errorf("reset dataset: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Reset complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("activities", false, "clear all activities and the watermark")
	resetCmd.Flags().Bool("splits", false, "clear all splits")
	rootCmd.AddCommand(resetCmd)
}
