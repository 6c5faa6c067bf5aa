package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fetchpool/internal/failedlog"
)

type failedOptions struct {
	file        string
	targetsOnly bool
	asJSON      bool
}

// newFailedCmd creates the 'failed' subcommand.
func newFailedCmd() *cobra.Command {
	var opts failedOptions
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Print the failed-task log",
		Long: `Reads the failed-task log (failed_log.path, or --file) and prints every
record. --targets-only prints just the URLs, one per line, ready for
'fetchpool fetch --file -'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			path := cfg.FailedLog.Path
			if opts.file != "" {
				path = opts.file
			}
			records, err := failedlog.ReadRecords(path)
			if err != nil {
				return fmt.Errorf("read failed log: %w", err)
			}
			out := cmd.OutOrStdout()
			switch {
			case opts.asJSON:
				if records == nil {
					records = []failedlog.Record{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(records); err != nil {
					return fmt.Errorf("encode records: %w", err)
				}
			case opts.targetsOnly:
				for _, target := range failedlog.Targets(records) {
					fmt.Fprintln(out, target)
				}
			default:
				for _, rec := range records {
					fmt.Fprintln(out, rec.Format())
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.file, "file", "", "override failed_log.path")
	cmd.Flags().BoolVar(&opts.targetsOnly, "targets-only", false, "print only the failed URLs")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print records as a JSON array")
	return cmd
}
