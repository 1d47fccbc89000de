package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Decrypt the dataset and write it as plain JSON",
	Long: `Decrypt the dataset into plain JSON for the downstream visualization
step. With --out the JSON goes to that file (0600), otherwise to stdout.
The plaintext leaves the encrypted-at-rest boundary; treat the output
accordingly.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ds, err := a.data.Read(cmd.Context())
		if err != nil {
			return fmt.Errorf("read dataset: %w", err)
		}

		out, _ := cmd.Flags().GetString("out")
		w := cmd.OutOrStdout()
		if out != "" {
			f, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}

		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ds)
	},
}

func init() {
	exportCmd.Flags().String("out", "", "write JSON to this file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}
