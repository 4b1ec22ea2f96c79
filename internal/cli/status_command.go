package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"xenoscan/internal/checkpoint"
	"xenoscan/internal/config"
	"xenoscan/internal/model"
)

type statusReport struct {
	Path        string                  `json:"path"`
	Exists      bool                    `json:"exists"`
	RunID       string                  `json:"run_id,omitempty"`
	Completed   int                     `json:"completed"`
	Cursor      int                     `json:"batch_cursor"`
	SavedAt     string                  `json:"saved_at,omitempty"`
	RateLimiter *model.RateLimiterState `json:"rate_limiter,omitempty"`
	Files       []string                `json:"files"`
}

func newStatusCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show the checkpoint of the last batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			rep, err := checkpointStatus(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.jsonOut {
				return printJSON(out, rep)
			}
			printFields(out, "checkpoint", rep.Path)
			if !rep.Exists {
				printFields(out, "state", "no checkpoint yet")
			} else {
				printFields(out,
					"run_id", firstNonEmpty(rep.RunID, "-"),
					"completed", rep.Completed,
					"batch_cursor", rep.Cursor,
					"saved_at", rep.SavedAt,
					"throttled", rep.RateLimiter.IsThrottled,
					"backoff_seconds", rep.RateLimiter.BackoffSeconds,
					"throttle_count", rep.RateLimiter.ThrottleCount,
				)
			}
			for _, f := range rep.Files {
				printFields(out, "file", f)
			}
			return nil
		},
	}
}

func checkpointStatus(cfg *config.Config) (statusReport, error) {
	s, err := checkpoint.NewStore(cfg.CheckpointDir(), cfg.Batch.CheckpointName)
	if err != nil {
		return statusReport{}, err
	}
	rep := statusReport{Path: s.Path()}
	if rep.Files, err = checkpoint.List(s.Dir()); err != nil {
		return rep, err
	}
	rec, err := s.Load()
	if err != nil {
		return rep, err
	}
	if rec == nil {
		return rep, nil
	}
	rep.Exists = true
	rep.RunID = rec.RunID
	rep.Completed = len(rec.CompletedTargetIDs)
	rep.Cursor = rec.BatchCursor
	rep.SavedAt = rec.SavedAt
	rep.RateLimiter = &rec.RateLimiter
	return rep, nil
}

func newCheckpointCommand(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "manage the batch checkpoint",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "backup",
		Short: "copy the current checkpoint to a timestamped backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			s, err := checkpoint.NewStore(cfg.CheckpointDir(), cfg.Batch.CheckpointName)
			if err != nil {
				return err
			}
			path, err := s.Backup()
			if err != nil {
				return err
			}
			if path == "" {
				return fmt.Errorf("no checkpoint at %s", s.Path())
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]string{"backup": path})
			}
			printFields(cmd.OutOrStdout(), "backup", path)
			return nil
		},
	})
	return cmd
}
