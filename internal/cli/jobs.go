package cli

import (
	"fmt"

	"github.com/kiranshivaraju/vidscan/internal/client"
	"github.com/spf13/cobra"
)

func (a *app) jobsCmd() *cobra.Command {
	var opts client.ListOptions

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List your analysis jobs",
		Long: `List analysis jobs, newest first.

Examples:
  vidscan jobs
  vidscan jobs --status processing
  vidscan jobs --page 2 --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			jobs, meta, err := a.client.ListJobs(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found")
				return nil
			}

			fmt.Fprintf(out, "%-42s %-11s %-9s %s\n", "ID", "STATUS", "PROGRESS", "MESSAGE")
			fmt.Fprintln(out, "------------------------------------------------------------------------------------")
			for _, j := range jobs {
				fmt.Fprintf(out, "%-42s %-11s %-9s %s\n", j.ID, j.Status, fmt.Sprintf("%d%%", j.Progress), j.Message)
			}

			if meta.HasNext {
				fmt.Fprintf(out, "\nPage %d, %d of %d jobs. Use --page %d for more.\n",
					meta.Page, len(jobs), meta.Total, meta.Page+1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (queued, processing, complete, error)")
	cmd.Flags().IntVar(&opts.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "jobs per page")
	return cmd
}
