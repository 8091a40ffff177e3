package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orchardproj/orchard/pkg/job"
	"github.com/orchardproj/orchard/pkg/orchestrator"
)

func newConfigureCommand() *cobra.Command {
	return newOperationCommand(
		"configure",
		"Apply attributes and run the configure operation on every member node",
		func(ctx context.Context, o *orchestrator.Orchestrator, req orchestrator.Request) (job.Ticket, error) {
			return o.Configure(ctx, req)
		},
	)
}

func newBootstrapCommand() *cobra.Command {
	return newOperationCommand(
		"bootstrap",
		"Provision every member node of an environment",
		func(ctx context.Context, o *orchestrator.Orchestrator, req orchestrator.Request) (job.Ticket, error) {
			return o.Bootstrap(ctx, req)
		},
	)
}

func newDestroyCommand() *cobra.Command {
	return newOperationCommand(
		"destroy",
		"Tear down every member node and delete the environment",
		func(ctx context.Context, o *orchestrator.Orchestrator, req orchestrator.Request) (job.Ticket, error) {
			return o.Destroy(ctx, req)
		},
	)
}

func newOperationCommand(name, short string, submit func(context.Context, *orchestrator.Orchestrator, orchestrator.Request) (job.Ticket, error)) *cobra.Command {
	var (
		attrs []string
		force bool
	)

	cmd := &cobra.Command{
		Use:   name + " <environment>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Example: fmt.Sprintf(`  # Run %[1]s on env-prod
  orchard %[1]s env-prod

  # With attributes
  orchard %[1]s env-prod --attr region=eu-west-1 --attr tier=gold

  # Bypass a stale lock
  orchard %[1]s env-prod --force`, name),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			ticket, err := submit(ctx, a.orch, orchestrator.Request{
				Environment: args[0],
				Attributes:  attributes,
				Force:       force,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Submitted %s for %s (ticket %s)\n", name, args[0], ticket.ID)

			status, err := ticket.Await(ctx)
			if err != nil {
				return err
			}

			return printOutcome(status)
		},
	}

	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "environment attribute as key=value (repeatable)")
	cmd.Flags().BoolVar(&force, "force", false, "bypass an existing environment lock")

	return cmd
}

func parseAttributes(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	attrs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q, expected key=value", pair)
		}
		attrs[key] = value
	}
	return attrs, nil
}

func printOutcome(status job.FinalStatus) error {
	switch status.State {
	case job.StateSucceeded:
		fmt.Printf("Success: %s (%d nodes)\n", status.Message, status.Result.SuccessCount)
		return nil
	case job.StateFailed:
		if status.Result.FailureCount > 0 {
			fmt.Printf("Failed: %s\n", status.Message)
			for _, unit := range status.Result.FailedUnits {
				fmt.Printf("  - %s\n", unit)
			}
		}
		return fmt.Errorf("%s %s failed: %s", status.Kind, status.JobID, status.Message)
	default:
		return fmt.Errorf("job %s ended in unexpected state %s", status.JobID, status.State)
	}
}
