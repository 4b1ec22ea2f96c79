package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"xenoscan/internal/checkpoint"
	"xenoscan/internal/config"
	"xenoscan/internal/dashboard"
	"xenoscan/internal/logging"
	"xenoscan/internal/pipeline"
	"xenoscan/internal/targets"
)

type runOptions struct {
	targetsFile    string
	targetIDs      []string
	count          int
	workers        int
	cpuWorkers     int
	mission        string
	resume         bool
	discardCorrupt bool
	progress       bool
}

type runReport struct {
	RunID          string  `json:"run_id"`
	Total          int     `json:"total"`
	Skipped        int     `json:"skipped"`
	Processed      int     `json:"processed"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	SuccessRate    float64 `json:"success_rate"`
	MinSuccessRate float64 `json:"min_success_rate"`
	Passed         bool    `json:"passed"`
	Cancelled      bool    `json:"cancelled"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Checkpoint     string  `json:"checkpoint"`
	Completed      int     `json:"completed"`
	Report         string  `json:"report,omitempty"`
}

func newRunCommand(g *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "fetch, extract and upload features for a batch of targets",
		Long: `Run processes every target through fetch, extraction, upload and local
cleanup. Targets come from --targets (a file, or - for stdin), repeated
--target flags, or are generated for the mission when neither is given.
Without --resume an existing checkpoint is backed up and then replaced.

The exit status is 0 when the batch success rate reaches
batch.min_success_rate. The first interrupt stops dispatching new targets,
lets in-flight targets finish and saves a final checkpoint; a second
interrupt exits immediately.`,
		Example: `  $ xenoscan run --count 500 --workers 6 --progress
  $ xenoscan run --targets kepler_targets.csv --resume
  $ xenoscan run --target "Kepler-10" --target "KIC 11904151" --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if err := opts.apply(cmd, cfg); err != nil {
				return err
			}
			return runBatch(cmd, cfg, opts, g.jsonOut)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.targetsFile, "targets", "", "target list file (CSV, first column), - for stdin")
	f.StringArrayVar(&opts.targetIDs, "target", nil, "target id (repeatable)")
	f.IntVar(&opts.count, "count", 0, "number of targets to process (0 = all given)")
	f.IntVar(&opts.workers, "workers", 0, "concurrent downloads (default from config, max 15)")
	f.IntVar(&opts.cpuWorkers, "cpu-workers", 0, "concurrent extraction processes (default min(workers, 2))")
	f.StringVar(&opts.mission, "mission", "", "mission to query: Kepler|TESS")
	f.BoolVar(&opts.resume, "resume", false, "skip targets completed by a previous run and restore its rate limiter state")
	f.BoolVar(&opts.discardCorrupt, "discard-corrupt-checkpoint", false, "back up and discard an unreadable checkpoint instead of failing")
	f.BoolVar(&opts.progress, "progress", false, "show a live dashboard")
	return cmd
}

// apply copies explicitly set flags over the loaded config.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("workers") {
		cfg.Fetch.IOWorkers = o.workers
	}
	if f.Changed("cpu-workers") {
		cfg.Extract.CPUWorkers = o.cpuWorkers
	}
	if f.Changed("mission") {
		cfg.Fetch.Mission = o.mission
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid run options: %w", err)
	}
	return nil
}

func runBatch(cmd *cobra.Command, cfg *config.Config, opts *runOptions, jsonOut bool) error {
	out := cmd.OutOrStdout()
	logger, closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	ids, err := targets.Load(targets.Options{
		File:    opts.targetsFile,
		IDs:     opts.targetIDs,
		Count:   opts.count,
		Mission: cfg.Fetch.Mission,
	})
	if err != nil {
		if errors.Is(err, targets.ErrEmpty) {
			return fmt.Errorf("%w: use --targets, --target or --count", err)
		}
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	b, err := openBatch(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if opts.discardCorrupt {
		if err := discardIfCorrupt(b.store, logger); err != nil {
			return err
		}
	}

	// A resumed batch keeps the run id stored in its checkpoint.
	runID := ""
	if !opts.resume {
		runID = uuid.NewString()
	}

	var runnerOpts []pipeline.RunnerOption
	var dash *dashboard.Dashboard
	if opts.progress && !jsonOut {
		dash = dashboard.New(out, "xenoscan · "+cfg.Fetch.Mission, b.concurrency(), len(ids))
		dash.Start()
		defer dash.Stop()
		runnerOpts = append(runnerOpts, pipeline.WithProgress(dash.Update))
	}

	finished := make(chan struct{})
	defer close(finished)
	go handleSignals(finished, cancel, logger, dash)

	res, runErr := b.runner(runID, opts.resume, runnerOpts...).Run(ctx, ids, b.concurrency())
	if dash != nil {
		dash.Stop()
	}
	if runErr != nil && errors.Is(runErr, checkpoint.ErrCorrupt) {
		return fmt.Errorf("%w (rerun with --discard-corrupt-checkpoint to back it up and start over)", runErr)
	}

	minRate := cfg.Batch.MinSuccessRate
	rep := runReport{
		RunID:          res.RunID,
		Total:          res.Total,
		Skipped:        res.Skipped,
		Processed:      res.Processed,
		Succeeded:      res.Succeeded,
		Failed:         res.Failed,
		SuccessRate:    res.SuccessRate(),
		MinSuccessRate: minRate,
		Passed:         !res.Cancelled && res.SuccessRate() >= minRate,
		Cancelled:      res.Cancelled,
		ElapsedSeconds: res.Elapsed.Seconds(),
		Checkpoint:     b.store.Path(),
		Report:         res.ReportPath,
	}
	if res.Checkpoint != nil {
		rep.Completed = len(res.Checkpoint.CompletedTargetIDs)
	}
	if jsonOut {
		if err := printJSON(out, rep); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, dashboard.Summary(res, minRate))
	}

	switch {
	case runErr != nil:
		return runErr
	case res.Cancelled:
		return exitf(130, "batch interrupted after %d of %d targets", res.Processed, res.Total-res.Skipped)
	case !rep.Passed:
		return exitf(1, "success rate %.1f%% is below the %.1f%% threshold", 100*rep.SuccessRate, 100*minRate)
	}
	return nil
}

// handleSignals cancels the batch on the first interrupt and exits the
// process on the second.
func handleSignals(finished <-chan struct{}, cancel context.CancelFunc, logger *slog.Logger, dash *dashboard.Dashboard) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
	case <-finished:
		return
	}
	logger.Warn("interrupt received, finishing in-flight targets (interrupt again to exit now)")
	if dash != nil {
		dash.SetStatus("interrupted: finishing in-flight targets, saving checkpoint")
	}
	cancel()

	select {
	case <-sigs:
		logger.Warn("second interrupt, exiting without final checkpoint")
		os.Exit(130)
	case <-finished:
	}
}

func discardIfCorrupt(s *checkpoint.Store, logger *slog.Logger) error {
	_, err := s.Load()
	if err == nil || !errors.Is(err, checkpoint.ErrCorrupt) {
		return err
	}
	backup, berr := s.Backup()
	if berr != nil {
		return fmt.Errorf("back up corrupt checkpoint: %w", berr)
	}
	if err := s.Discard(); err != nil {
		return err
	}
	logger.Warn("discarded corrupt checkpoint", "path", s.Path(), "backup", backup, "reason", err)
	return nil
}
