package commands

import (
	"github.com/spf13/cobra"

	"github.com/orchardproj/orchard/pkg/api"
	"github.com/orchardproj/orchard/pkg/config"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration HTTP API",
		Long: `Run the HTTP API. Operations return 202 with a ticket id; poll
/api/v1/tickets/{id} for the outcome. The config file is watched and the
log level applies without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := config.Watch(ctx, configPath, a.log); err != nil {
				a.log.WithError(err).Warn("config watching disabled")
			}

			router := api.NewRouter(api.Dependencies{
				Orchestrator: a.orch,
				Registry:     a.registry,
				Locks:        a.locks,
				LockLister:   a.lockLister(),
				Environments: a.store,
				History:      a.store,
				Metrics:      a.metrics,
				Logger:       a.log,
				HealthCheck:  a.healthCheck,
			})

			server := api.NewServer(api.ServerConfig{
				Addr:            a.cfg.Server.Addr,
				ReadTimeout:     a.cfg.Server.ReadTimeout,
				WriteTimeout:    a.cfg.Server.WriteTimeout,
				ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
			}, router, a.log)

			err = server.Run(ctx)

			// Let dispatched jobs reach a terminal state before closing
			// the stores they write to.
			a.orch.Wait()

			return err
		},
	}
}
