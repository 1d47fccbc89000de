package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorization flow helpers",
}

var authURLCmd = &cobra.Command{
	Use:   "url",
	Short: "Print the consent URL to authorize this application",
	Long: `Print the provider consent URL. Open it in a browser, approve access,
and copy the "code" query parameter from the redirect; then run
"stravasync auth exchange --code <code>".`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		redirectURI, _ := cmd.Flags().GetString("redirect-uri")
		fmt.Fprintln(cmd.OutOrStdout(), a.client.AuthorizationURL(redirectURI))
		return nil
	},
}

var authExchangeCmd = &cobra.Command{
	Use:   "exchange",
	Short: "Exchange a one-time authorization code for the first credential",
	RunE: func(cmd *cobra.Command, _ []string) error {
		code, _ := cmd.Flags().GetString("code")
		if code == "" {
			return fmt.Errorf("--code is required")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		cred, err := a.tokens.Exchange(cmd.Context(), code)
		if err != nil {
			return fmt.Errorf("exchange authorization code: %w", err)
		}
		a.logger.Info("credential stored", zap.Time("expires_at", cred.ExpiresAt))
		fmt.Fprintf(cmd.OutOrStdout(), "Authorized. Access token valid until %s.\n",
			cred.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

func init() {
	authURLCmd.Flags().String("redirect-uri", "http://localhost/exchange_token", "OAuth redirect URI registered with the application")
	authExchangeCmd.Flags().String("code", "", "one-time authorization code from the consent redirect")

	authCmd.AddCommand(authURLCmd, authExchangeCmd)
	rootCmd.AddCommand(authCmd)
}
