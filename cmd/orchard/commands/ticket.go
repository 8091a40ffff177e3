package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orchardproj/orchard/pkg/stores"
)

func newTicketCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ticket <job-id>",
		Short: "Look up the archived outcome of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			entry, err := a.store.FindJobHistory(ctx, args[0])
			if err != nil {
				return err
			}
			if entry == nil {
				return fmt.Errorf("no record of job %s", args[0])
			}

			printHistoryEntry(*entry)
			return nil
		},
	}
}

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <environment>",
		Short: "List archived job outcomes for an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := a.store.ListJobHistory(ctx, args[0], limit)
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Printf("No recorded jobs for %s\n", args[0])
				return nil
			}

			for _, entry := range entries {
				printHistoryEntry(entry)
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")

	return cmd
}

func printHistoryEntry(e stores.HistoryEntry) {
	fmt.Printf("Job:     %s (%s)\n", e.JobID, e.Kind)
	fmt.Printf("State:   %s\n", e.State)
	fmt.Printf("Message: %s\n", e.Message)
	fmt.Printf("Nodes:   %d succeeded, %d failed\n", e.SuccessCount, e.FailureCount)
	for _, unit := range e.FailedUnits {
		fmt.Printf("  - %s\n", unit)
	}
	fmt.Printf("When:    %s\n", e.RecordedAt.Format("2006-01-02 15:04:05 MST"))
}
