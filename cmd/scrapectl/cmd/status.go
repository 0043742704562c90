package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

type taskRecord struct {
	TaskID      string     `json:"task_id"`
	JobType     string     `json:"job_type"`
	CallbackURL string     `json:"webhook_url"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	Retries     int        `json:"retries"`
	MaxRetries  int        `json:"max_retries"`
	LastError   string     `json:"last_error,omitempty"`
	RunID       string     `json:"run_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the journal status of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var rec taskRecord
		if err := doRequest(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(args[0]), nil, &rec); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, rec)
		}
		fmt.Fprintf(out, "Task:     %s\n", rec.TaskID)
		fmt.Fprintf(out, "Job type: %s\n", rec.JobType)
		fmt.Fprintf(out, "Status:   %s\n", rec.Status)
		fmt.Fprintf(out, "Attempts: %d (retries %d/%d)\n", rec.Attempts, rec.Retries, rec.MaxRetries)
		if rec.LastError != "" {
			fmt.Fprintf(out, "Error:    %s\n", rec.LastError)
		}
		fmt.Fprintf(out, "Updated:  %s\n", rec.UpdatedAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
