// Package cli provides the vidscan command-line client.
package cli

import (
	"context"
	"os"
	"os/signal"

	"github.com/kiranshivaraju/vidscan/internal/client"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

// app holds global flag values and the API client shared by subcommands.
type app struct {
	serverURL string
	apiKey    string

	client *client.Client
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "vidscan",
		Short: "Upload videos for analysis and track their jobs",
		Long: `vidscan talks to a vidscan server: it uploads videos, polls or streams
analysis progress, and fetches results and processed videos.

The server URL and API key come from --server/--api-key or the
VIDSCAN_SERVER_URL and VIDSCAN_API_KEY environment variables.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.client = client.New(a.serverURL, a.apiKey)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.serverURL, "server", "", "server URL (default $VIDSCAN_SERVER_URL or http://localhost:8080)")
	root.PersistentFlags().StringVar(&a.apiKey, "api-key", "", "API key (default $VIDSCAN_API_KEY)")

	root.AddCommand(a.uploadCmd())
	root.AddCommand(a.statusCmd())
	root.AddCommand(a.resultCmd())
	root.AddCommand(a.deleteCmd())
	root.AddCommand(a.watchCmd())
	root.AddCommand(a.outputCmd())
	root.AddCommand(a.jobsCmd())
	root.AddCommand(a.adminCmd())

	return root
}

// Execute runs the root command. Ctrl-C cancels in-flight requests.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}
