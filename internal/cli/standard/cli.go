package standard

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/lambdo/internal/cli/client"
	"github.com/ccheshirecat/lambdo/internal/cli/tui"
)

// Version is stamped at build time with -ldflags "-X ...standard.Version=...".
var Version = "dev"

// Execute runs the Cobra-based CLI entry point.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lambdo",
		Short:         "Lambdo command-line interface",
		Long:          "Lambdo CLI starts, inspects, and destroys microVMs managed by lambdod.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringP("api", "a", envOrDefault("LAMBDO_API_BASE", client.DefaultBaseURL), "lambdod base URL")
	cmd.PersistentFlags().String("api-key", envOrDefault("LAMBDO_API_KEY", ""), "API key sent as X-Lambdo-API-Key")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newSpawnCmd())
	cmd.AddCommand(newDestroyCmd())
	cmd.AddCommand(newVMsCmd())
	cmd.AddCommand(newVMsWatchCmd())
	cmd.AddCommand(newTUICmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the Lambdo client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Lambdo CLI %s\n", Version)
		},
	}
}

func newTUICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive microVM dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			return tui.RunWithClient(api)
		},
	}
}
