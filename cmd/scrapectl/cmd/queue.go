package cmd

import (
	"fmt"
	"net/http"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type queueSizes struct {
	Main int64 `json:"main"`
	DLQ  int64 `json:"dlq"`
}

type deadTask struct {
	TaskID     string `json:"task_id"`
	Username   string `json:"username"`
	WebhookURL string `json:"webhook_url"`
	JobType    string `json:"scraper_type"`
	Retries    int    `json:"retries"`
	MaxRetries int    `json:"max_retries"`
	EnqueuedAt string `json:"enqueued_at,omitempty"`
}

type dlqPeek struct {
	Count int        `json:"count"`
	Tasks []deadTask `json:"tasks"`
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show work queue and dead-letter queue lengths",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var sizes queueSizes
		if err := doRequest(ctx, http.MethodGet, "/v1/queue", nil, &sizes); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), sizes)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued: %d\ndead-lettered: %d\n", sizes.Main, sizes.DLQ)
		return nil
	},
}

var dlqLimit int

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered tasks (oldest first, secrets redacted)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var peek dlqPeek
		if err := doRequest(ctx, http.MethodGet, "/v1/dlq?limit="+strconv.Itoa(dlqLimit), nil, &peek); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, peek)
		}
		if peek.Count == 0 {
			fmt.Fprintln(out, "dead-letter queue is empty")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TASK ID\tJOB\tRETRIES\tWEBHOOK\tENQUEUED")
		for _, t := range peek.Tasks {
			fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n", t.TaskID, t.JobType, t.Retries, t.MaxRetries, t.WebhookURL, t.EnqueuedAt)
		}
		return tw.Flush()
	},
}

func init() {
	dlqCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum number of tasks to show (1-500)")
	rootCmd.AddCommand(queueCmd, dlqCmd)
}
