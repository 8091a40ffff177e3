package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orchard",
		Short: "Orchard - environment orchestration coordinator",
		Long: `Orchard coordinates configuration, bootstrap and teardown of
infrastructure environments. Every operation takes a per-environment
distributed lock, fans out over the member nodes via SSH and reports an
aggregated outcome through an asynchronous ticket.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "orchard.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newEnvCommand())
	rootCmd.AddCommand(newConfigureCommand())
	rootCmd.AddCommand(newBootstrapCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newTicketCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newLocksCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
