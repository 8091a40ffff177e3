package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orchardproj/orchard/pkg/orchestrator"
)

func newEnvCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage environments and their node membership",
	}

	cmd.AddCommand(newEnvCreateCommand())
	cmd.AddCommand(newEnvListCommand())
	cmd.AddCommand(newEnvShowCommand())

	return cmd
}

func newEnvCreateCommand() *cobra.Command {
	var (
		nodes []string
		attrs []string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a new environment",
		Args:  cobra.ExactArgs(1),
		Example: `  orchard env create env-prod --node 10.0.0.5 --node 10.0.0.6 --attr region=eu-west-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			if attributes == nil {
				attributes = make(map[string]string)
			}

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			env := &orchestrator.Environment{Name: args[0], Attributes: attributes}
			if err := a.store.CreateEnvironment(ctx, env, nodes); err != nil {
				return err
			}

			fmt.Printf("Created environment %s with %d nodes\n", args[0], len(nodes))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&nodes, "node", nil, "member node (repeatable)")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "environment attribute as key=value (repeatable)")

	return cmd
}

func newEnvListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			names, err := a.store.ListEnvironments(ctx)
			if err != nil {
				return err
			}

			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newEnvShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show an environment's attributes and nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			env, err := a.store.FindEnvironment(ctx, args[0])
			if err != nil {
				return err
			}
			members, err := a.store.ListMembers(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Environment: %s\n", env.Name)
			fmt.Printf("Updated:     %s\n", env.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Println("Attributes:")
			for k, v := range env.Attributes {
				fmt.Printf("  %s = %s\n", k, v)
			}
			fmt.Printf("Nodes (%d):\n", len(members))
			for _, node := range members {
				fmt.Printf("  %s\n", node)
			}
			return nil
		},
	}
}
