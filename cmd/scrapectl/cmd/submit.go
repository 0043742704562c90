package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

type submitResult struct {
	Status  string `json:"status"`
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message"`
}

var (
	submitUsername string
	submitPassword string
	submitWebhook  string
)

var submitCmd = &cobra.Command{
	Use:   "submit <job-type>",
	Short: "Submit an asynchronous scrape task",
	Long: `Submit a scrape task for the given job type (cmf, afc, sii).

The password can also be passed through SCRAPECTL_PASSWORD so it does not
end up in shell history.

Examples:
  scrapectl submit cmf --username 12.345.678-5 --webhook http://localhost:8081/hook`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := submitPassword
		if password == "" {
			password = os.Getenv("SCRAPECTL_PASSWORD")
		}
		if submitUsername == "" || password == "" || submitWebhook == "" {
			return fmt.Errorf("--username, --password (or SCRAPECTL_PASSWORD) and --webhook are required")
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		body := map[string]string{
			"username":    submitUsername,
			"password":    password,
			"webhook_url": submitWebhook,
		}
		var res submitResult
		path := "/async/scrape/" + url.PathEscape(strings.ToLower(args[0]))
		if err := doRequest(ctx, http.MethodPost, path, body, &res); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, res)
		}
		switch res.Status {
		case "accepted":
			fmt.Fprintf(out, "✓ Task accepted: %s\n", res.TaskID)
		default:
			fmt.Fprintf(out, "✗ Task %s: %s\n", res.Status, res.Message)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitUsername, "username", "u", "", "RUT used to log in")
	submitCmd.Flags().StringVarP(&submitPassword, "password", "p", "", "portal password")
	submitCmd.Flags().StringVarP(&submitWebhook, "webhook", "w", "", "callback URL for the outcome")
	rootCmd.AddCommand(submitCmd)
}
