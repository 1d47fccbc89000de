// Command stravasync pulls a Strava athlete's activity history into an
// encrypted local dataset for downstream reporting.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lmerrett/stravasync/internal/config"
)

var cfgViper *viper.Viper

var rootCmd = &cobra.Command{
	Use:   "stravasync",
	Short: "Incremental encrypted sync of Strava activities",
	Long: `stravasync maintains two encrypted artifacts on local disk: the OAuth
credential and the activity dataset. Each invocation refreshes the access
token if needed, fetches activities newer than the stored watermark, merges
them append-only, and atomically replaces the dataset file.

Configuration comes from STRAVASYNC_* environment variables (the bare
legacy names CLIENTID, CLIENTSECRET, ENCRYPTIONPASSWORD and BUFFERSIZE are
also accepted) and the flags below.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cfgViper = config.New()

	pf := rootCmd.PersistentFlags()
	pf.String("data-dir", ".", "directory holding the encrypted artifacts")
	pf.String("log-file", "", "write logs to this rotated file instead of stderr")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")

	_ = cfgViper.BindPFlag(config.KeyDataDir, pf.Lookup("data-dir"))
	_ = cfgViper.BindPFlag(config.KeyLogFile, pf.Lookup("log-file"))
	_ = cfgViper.BindPFlag(config.KeyLogLevel, pf.Lookup("log-level"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
