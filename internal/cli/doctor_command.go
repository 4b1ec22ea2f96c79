package cli

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"xenoscan/internal/checkpoint"
	"xenoscan/internal/config"
	"xenoscan/internal/extract"
	"xenoscan/internal/logging"
	"xenoscan/internal/store"
)

type DoctorResult struct {
	OK     bool          `json:"ok"`
	Checks []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func newDoctorCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "run filesystem, worker and uploader preflight checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			res := Doctor(cmd.Context(), cfg)
			out := cmd.OutOrStdout()
			if g.jsonOut {
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else {
				for _, c := range res.Checks {
					state := "ok"
					if !c.OK {
						state = "FAIL"
					}
					printFields(out, c.Name, state+" ("+c.Message+")")
				}
			}
			if !res.OK {
				return exitf(1, "doctor found problems")
			}
			return nil
		},
	}
}

// Doctor checks everything a run needs before it starts.
func Doctor(ctx context.Context, cfg *config.Config) DoctorResult {
	checks := make([]DoctorCheck, 0, 5)
	for _, d := range []struct{ name, path string }{
		{"directory:output", cfg.OutputDir},
		{"directory:cache", cfg.CacheDir()},
		{"directory:checkpoints", cfg.CheckpointDir()},
	} {
		check := DoctorCheck{Name: d.name, OK: true, Message: d.path + " writable"}
		if err := probeWritable(d.path); err != nil {
			check.OK, check.Message = false, err.Error()
		}
		checks = append(checks, check)
	}

	pool, err := extract.NewPool(extract.PoolConfig{Command: cfg.Extract.WorkerCommand}, logging.Discard())
	if err != nil {
		checks = append(checks, DoctorCheck{Name: "worker:command", Message: err.Error()})
	} else {
		checks = append(checks, DoctorCheck{Name: "worker:command", OK: true, Message: strings.Join(pool.Command(), " ")})
	}

	checks = append(checks, uploaderCheck(ctx, cfg))

	res := DoctorResult{OK: true, Checks: checks}
	for _, c := range checks {
		res.OK = res.OK && c.OK
	}
	return res
}

func uploaderCheck(ctx context.Context, cfg *config.Config) DoctorCheck {
	check := DoctorCheck{Name: "uploader:" + cfg.Upload.Driver}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	up, err := store.Open(ctx, store.Config{Driver: cfg.Upload.Driver, DSN: cfg.Upload.DSN, MaxConns: 1}, logging.Discard())
	if err != nil {
		check.Message = err.Error()
		return check
	}
	defer up.Close()
	if p, ok := up.(store.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			check.Message = err.Error()
			return check
		}
	}
	check.OK = true
	check.Message = "connected"
	return check
}

// probeWritable creates dir if needed and proves a file can be created in it.
func probeWritable(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("empty path")
	}
	if err := checkpoint.Mkdir(dir); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "xenoscan-doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
