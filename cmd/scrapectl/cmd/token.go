package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/scrapehook/internal/auth"
)

var (
	tokenKeyFile  string
	tokenSubject  string
	tokenIssuer   string
	tokenAudience string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development JWT for the admission API",
	Long: `Sign an RS256 bearer token with a local private key. The API must be
started with the matching JWT_PUBLIC_KEY, JWT_ISSUER and JWT_AUDIENCE.

Examples:
  scrapectl token --key ./dev-private.pem --sub ops
  export SCRAPECTL_TOKEN=$(scrapectl token --key ./dev-private.pem)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenKeyFile == "" {
			return fmt.Errorf("--key is required")
		}
		pemBytes, err := os.ReadFile(tokenKeyFile)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		issuer, err := auth.NewIssuer(string(pemBytes), tokenIssuer, tokenAudience)
		if err != nil {
			return err
		}
		token, err := issuer.Mint(tokenSubject, tokenTTL)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}

		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"token":      token,
				"expires_in": int(tokenTTL.Seconds()),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenKeyFile, "key", "", "PEM encoded RSA private key")
	tokenCmd.Flags().StringVar(&tokenSubject, "sub", "scrapectl", "token subject")
	tokenCmd.Flags().StringVar(&tokenIssuer, "iss", "scrapehook", "token issuer")
	tokenCmd.Flags().StringVar(&tokenAudience, "aud", "scrapehook-api", "token audience")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
