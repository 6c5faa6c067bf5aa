package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchpool/internal/config"
	"github.com/JakeFAU/fetchpool/internal/progress"
	"github.com/JakeFAU/fetchpool/internal/server"
)

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// App is the application surface the commands use, so tests can inject a fake.
type App interface {
	Logger() *zap.Logger
	Start(ctx context.Context) error
	Fetch(ctx context.Context, targets []string) (progress.Snapshot, error)
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "fetchpool",
		Short: "A concurrent fetch pool with retries and proxy rotation.",
		Long: `fetchpool fetches URLs with a fixed pool of workers. Every attempt may go
through a rotating proxy pool; failed attempts are retried with a fixed backoff,
and tasks that run out of attempts are written to the failed-task log.`,
		SilenceUsage: true,

		// Runs before every subcommand's RunE; the loaded config travels in the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json, or toml)")

	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newFailedCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// withApp builds the application, runs fn, and always closes the app.
func withApp(ctx context.Context, cfg config.Config, fn func(App) error) (err error) {
	app, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.AttemptBudget()+shutdownGrace)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close application: %w", cerr))
		}
	}()
	return fn(app)
}
