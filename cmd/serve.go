package cmd

import (
	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pool behind the control API",
		Long: `Starts the workers and the HTTP control API. Targets arrive through
POST /v1/tasks. SIGINT or SIGTERM stops accepting work, lets queued tasks
finish, and shuts down.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			return withApp(cmd.Context(), cfg, func(app App) error {
				return app.Serve(cmd.Context())
			})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}
