package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kiranshivaraju/vidscan/internal/client"
	"github.com/spf13/cobra"
)

func (a *app) uploadCmd() *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a video for analysis",
		Long: `Upload a video for analysis and print the job id.

With --wait the command polls the job status until the analysis completes
or fails, then prints the results.

Examples:
  vidscan upload match.mp4
  vidscan upload match.mp4 --wait --interval 5s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			up, err := a.client.Upload(ctx, args[0])
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}
			fmt.Fprintf(out, "%s\n", up.Message)
			fmt.Fprintf(out, "Job ID: %s\n", up.JobID)

			if !wait {
				return nil
			}

			res, err := client.NewPoller(a.client, interval, nil).Wait(ctx, up.JobID, progressPrinter(out))
			if err != nil {
				return err
			}
			return printResult(out, res)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until the analysis finishes")
	cmd.Flags().DurationVar(&interval, "interval", client.DefaultPollInterval, "status poll interval")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.client.Status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), *st)
			return nil
		},
	}
}

func (a *app) resultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <job-id>",
		Short: "Print the results of a complete job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client.Result(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get result: %w", err)
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job and its files",
		Long: `Delete a job. A running analysis is stopped first. The uploaded video,
processed video and results file are removed.

Requires confirmation unless --force is used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			out := cmd.OutOrStdout()

			if !force {
				fmt.Fprintf(out, "About to delete job %s\n", jobID)
				fmt.Fprint(out, "\nContinue? [y/N]: ")

				reader := bufio.NewReader(cmd.InOrStdin())
				response, err := reader.ReadString('\n')
				if err != nil && err != io.EOF {
					return fmt.Errorf("read input: %w", err)
				}
				response = strings.TrimSpace(strings.ToLower(response))
				if response != "y" && response != "yes" {
					fmt.Fprintln(out, "Cancelled.")
					return nil
				}
			}

			if err := a.client.Delete(cmd.Context(), jobID); err != nil {
				return fmt.Errorf("delete job: %w", err)
			}
			fmt.Fprintf(out, "Deleted job %s\n", jobID)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation")
	return cmd
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Stream live progress of a job",
		Long: `Stream status updates over a websocket until the job completes or fails.
On completion the results are printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			last, err := a.client.Watch(ctx, args[0], progressPrinter(out))
			if err != nil {
				return fmt.Errorf("watch job: %w", err)
			}
			if last.Status == "error" {
				return &client.JobFailedError{JobID: args[0], Message: last.Message, Reason: last.Error}
			}

			res, err := a.client.Result(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get result: %w", err)
			}
			return printResult(out, res)
		},
	}
}

func (a *app) outputCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "output <job-id>",
		Short: "Download the processed video of a complete job",
		Long: `Download the processed video of a complete job.

Examples:
  vidscan output job-0b4c... -o annotated.mp4
  vidscan output job-0b4c... > annotated.mp4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" || output == "-" {
				_, err := a.client.DownloadOutput(cmd.Context(), args[0], cmd.OutOrStdout())
				return err
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			n, err := a.client.DownloadOutput(cmd.Context(), args[0], f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(output)
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d bytes to %s\n", n, output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func progressPrinter(w io.Writer) func(client.JobStatus) {
	var lastLine string
	return func(st client.JobStatus) {
		line := fmt.Sprintf("[%3d%%] %-10s %s", st.Progress, st.Status, st.Message)
		if line == lastLine {
			return
		}
		lastLine = line
		fmt.Fprintln(w, line)
	}
}

func printStatus(w io.Writer, st client.JobStatus) {
	fmt.Fprintf(w, "ID:       %s\n", st.ID)
	fmt.Fprintf(w, "Status:   %s\n", st.Status)
	fmt.Fprintf(w, "Progress: %d%%\n", st.Progress)
	if st.Message != "" {
		fmt.Fprintf(w, "Message:  %s\n", st.Message)
	}
	if st.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", st.Error)
	}
}

func printResult(w io.Writer, res *client.JobResult) error {
	fmt.Fprintf(w, "Job %s: %s\n", res.ID, res.Status)
	fmt.Fprintf(w, "Output video: %s\n", res.OutputVideo)

	if len(res.Results) == 0 {
		return nil
	}
	pretty, err := json.MarshalIndent(res.Results, "", "  ")
	if err != nil {
		return fmt.Errorf("format results: %w", err)
	}
	fmt.Fprintf(w, "\n%s\n", pretty)
	return nil
}
