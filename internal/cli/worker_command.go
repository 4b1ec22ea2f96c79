package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"xenoscan/internal/config"
	"xenoscan/internal/extract"
	"xenoscan/internal/features"
	"xenoscan/internal/logging"
)

// newWorkerCommand is the entry point of the isolated extraction process
// started by the pool. stdout carries exactly one JSON document.
func newWorkerCommand() *cobra.Command {
	worker := &cobra.Command{
		Use:    "worker",
		Short:  "internal worker processes",
		Hidden: true,
	}

	var (
		opts     extract.WorkerOptions
		logLevel string
	)
	defaults := features.DefaultParams()
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "extract features from one staged dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Input == "" {
				return fmt.Errorf("--input is required")
			}
			logger, err := logging.New(cmd.ErrOrStderr(), config.LogConfig{Level: logLevel, Format: "json"})
			if err != nil {
				return err
			}
			slog.SetDefault(logger.With("pid", os.Getpid(), "target_id", opts.TargetID))
			return extract.RunWorker(opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Input, "input", "", "staged dataset path")
	f.StringVar(&opts.TargetID, "target-id", "", "target id echoed in the document")
	f.StringVar(&opts.Params.Mission, "mission", defaults.Mission, "mission the dataset came from")
	f.IntVar(&opts.Params.MinPoints, "min-points", defaults.MinPoints, "minimum samples per feature group")
	f.StringVar(&logLevel, "log-level", "warn", "stderr log level")

	worker.AddCommand(cmd)
	return worker
}
