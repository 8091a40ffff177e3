package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLocksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and release environment locks",
	}

	cmd.AddCommand(newLocksListCommand())
	cmd.AddCommand(newLocksReleaseCommand())

	return cmd
}

func newLocksListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List currently held locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			records, err := a.lockLister().ListLockRecords(ctx)
			if err != nil {
				return err
			}

			if len(records) == 0 {
				fmt.Println("No locks held")
				return nil
			}
			for _, rec := range records {
				fmt.Printf("%s\theld by %s\tsince %s\n",
					rec.Resource, rec.Owner, rec.AcquiredAt.Format("2006-01-02 15:04:05 MST"))
			}
			return nil
		},
	}
}

func newLocksReleaseCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "release <resource>",
		Short: "Release a lock held by a crashed or stale owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if !force {
				return fmt.Errorf("releasing another owner's lock requires --force")
			}

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			released, err := a.locks.ForceRelease(ctx, args[0])
			if err != nil {
				return err
			}
			if !released {
				fmt.Printf("No lock held for %s\n", args[0])
				return nil
			}

			fmt.Printf("Released lock on %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "confirm releasing a lock you do not own")

	return cmd
}
