package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownGrace = 10 * time.Second

type fetchOptions struct {
	file       string
	workers    int
	maxRetries int
	failOnLoss bool
}

// newFetchCmd creates the 'fetch' subcommand.
func newFetchCmd() *cobra.Command {
	var opts fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch [url...]",
		Short: "Fetch URLs and wait for all of them to finish",
		Long: `Submits every URL given as an argument or listed in --file (one per line,
blank lines and lines starting with # are skipped), waits until each one has
either been stored or recorded in the failed-task log, then prints a summary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "file with one URL per line ('-' for stdin)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "override pool.workers")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", 0, "override pool.max_retries")
	cmd.Flags().BoolVar(&opts.failOnLoss, "fail-on-exhausted", false, "exit non-zero when any URL ran out of attempts")
	return cmd
}

func runFetch(cmd *cobra.Command, args []string, opts fetchOptions) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	if opts.workers > 0 {
		cfg.Pool.Workers = opts.workers
	}
	if opts.maxRetries > 0 {
		cfg.Pool.MaxRetries = opts.maxRetries
	}

	targets := append([]string(nil), args...)
	if opts.file != "" {
		fromFile, err := readTargetsFrom(opts.file, cmd.InOrStdin())
		if err != nil {
			return err
		}
		targets = append(targets, fromFile...)
	}
	if len(targets) == 0 {
		return errors.New("no URLs given; pass them as arguments or with --file")
	}

	return withApp(cmd.Context(), cfg, func(app App) error {
		if err := app.Start(cmd.Context()); err != nil {
			return err
		}
		start := time.Now()
		snap, err := app.Fetch(cmd.Context(), targets)
		if err != nil {
			return err
		}
		app.Logger().Info("fetch finished",
			zap.Int64("total", snap.Total),
			zap.Int64("succeeded", snap.Succeeded),
			zap.Int64("exhausted", snap.Exhausted),
			zap.Duration("elapsed", time.Since(start)),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "fetched %d/%d (succeeded %d, exhausted %d)\n",
			snap.Completed, snap.Total, snap.Succeeded, snap.Exhausted)
		if opts.failOnLoss && snap.Exhausted > 0 {
			return fmt.Errorf("%d URLs exhausted their attempts", snap.Exhausted)
		}
		return nil
	})
}

func readTargetsFrom(path string, stdin io.Reader) ([]string, error) {
	if path == "-" {
		return readTargets(stdin)
	}
	// #nosec G304 -- the path is supplied by the operator.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open targets file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return readTargets(f)
}

// readTargets returns one target per non-blank, non-comment line.
func readTargets(r io.Reader) ([]string, error) {
	var targets []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	return targets, nil
}

