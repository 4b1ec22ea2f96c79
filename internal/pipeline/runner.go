package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"xenoscan/internal/checkpoint"
	"xenoscan/internal/model"
	"xenoscan/internal/ratelimit"
	"xenoscan/internal/store"
)

type TargetProcessor interface {
	Process(ctx context.Context, targetID string) model.PipelineOutcome
}

type RunnerConfig struct {
	// Store is optional; without it nothing is checkpointed.
	Store      *checkpoint.Store
	Controller *ratelimit.Controller
	// Interval is the number of completions between checkpoint saves.
	Interval      int
	ProgressEvery int
	RunID         string
	Resume        bool
	// ReportPath receives outcomes.csv at the end of the run.
	ReportPath string
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{Interval: 100, ProgressEvery: 10}
}

type RunnerOption func(*Runner)

func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithRunnerMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithProgress registers a callback invoked after every completion from
// the runner's consuming goroutine.
func WithProgress(fn func(Progress)) RunnerOption {
	return func(r *Runner) { r.onProgress = fn }
}

func WithBatchLogger(bl store.BatchLogger) RunnerOption {
	return func(r *Runner) { r.batchLog = bl }
}

func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

type Runner struct {
	proc       TargetProcessor
	cfg        RunnerConfig
	logger     *slog.Logger
	metrics    *Metrics
	onProgress func(Progress)
	batchLog   store.BatchLogger
	now        func() time.Time
}

func NewRunner(proc TargetProcessor, cfg RunnerConfig, opts ...RunnerOption) *Runner {
	r := &Runner{
		proc:   proc,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type RunResult struct {
	RunID string
	// Outcomes are in completion order.
	Outcomes  []model.PipelineOutcome
	Total     int
	Skipped   int
	Processed int
	Succeeded int
	Failed    int
	Cancelled bool
	Elapsed   time.Duration
	// Checkpoint is the record saved last, nil without a store.
	Checkpoint *checkpoint.Record
	ReportPath string
}

// SuccessRate is Succeeded/Processed, or 1 when nothing was processed.
func (r RunResult) SuccessRate() float64 {
	if r.Processed == 0 {
		return 1
	}
	return float64(r.Succeeded) / float64(r.Processed)
}

// Run processes targetIDs with at most concurrency targets in flight.
// Individual target failures never abort the batch. Cancelling ctx stops
// dispatch; targets already started run to completion and a final
// checkpoint is saved.
func (r *Runner) Run(ctx context.Context, targetIDs []string, concurrency int) (RunResult, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	start := r.now()
	ids := dedupe(targetIDs)
	res := RunResult{Total: len(ids), RunID: r.cfg.RunID}

	completed := make(map[string]struct{})
	if r.cfg.Store != nil && r.cfg.Resume {
		prev, err := r.cfg.Store.Load()
		if err != nil {
			return res, err
		}
		if prev != nil {
			completed = prev.CompletedSet()
			if r.cfg.Controller != nil {
				r.cfg.Controller.Restore(prev.RateLimiter)
			}
			if res.RunID == "" {
				res.RunID = prev.RunID
			}
			r.logger.Info("resuming from checkpoint", "path", r.cfg.Store.Path(),
				"completed", len(completed), "run_id", prev.RunID)
		}
	} else if r.cfg.Store != nil {
		// A fresh run overwrites the checkpoint at its first save.
		backup, err := r.cfg.Store.Backup()
		if err != nil {
			return res, err
		}
		if backup != "" {
			r.logger.Warn("existing checkpoint will be replaced; pass --resume to continue it",
				"path", r.cfg.Store.Path(), "backup", backup)
		}
	}
	if res.RunID == "" {
		res.RunID = uuid.NewString()
	}

	pending := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, done := completed[id]; done {
			res.Skipped++
			continue
		}
		pending = append(pending, id)
	}
	r.logger.Info("batch starting", "run_id", res.RunID, "targets", len(ids),
		"pending", len(pending), "skipped", res.Skipped, "concurrency", concurrency)

	results := make(chan model.PipelineOutcome, len(pending))
	var inFlight atomic.Int64
	go func() {
		var g errgroup.Group
		g.SetLimit(concurrency)
		work := context.WithoutCancel(ctx)
		for _, id := range pending {
			if ctx.Err() != nil {
				break
			}
			id := id
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				inFlight.Add(1)
				defer inFlight.Add(-1)
				results <- r.process(work, id)
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	save := func() error {
		if r.cfg.Store == nil {
			return nil
		}
		rec := checkpoint.Record{
			RunID:              res.RunID,
			CompletedTargetIDs: sortedKeys(completed),
			BatchCursor:        res.Skipped + res.Processed,
		}
		if r.cfg.Controller != nil {
			rec.RateLimiter = r.cfg.Controller.Snapshot()
		}
		if err := r.cfg.Store.Save(rec); err != nil {
			return err
		}
		r.metrics.CheckpointSaved()
		res.Checkpoint = &rec
		r.logger.Info("checkpoint saved", "path", r.cfg.Store.Path(), "completed", len(rec.CompletedTargetIDs))
		return nil
	}

	for out := range results {
		res.Outcomes = append(res.Outcomes, out)
		res.Processed++
		if out.Success {
			res.Succeeded++
			completed[out.TargetID] = struct{}{}
		} else {
			res.Failed++
		}

		p := r.progress(res, len(pending), int(inFlight.Load()), start)
		p.Last = out
		if r.cfg.ProgressEvery > 0 && res.Processed%r.cfg.ProgressEvery == 0 {
			r.logger.Info(p.String())
		}
		if r.onProgress != nil {
			r.onProgress(p)
		}
		if r.cfg.Interval > 0 && res.Processed%r.cfg.Interval == 0 {
			if err := save(); err != nil {
				r.logger.Warn("checkpoint save failed", "error", err)
			}
		}
	}

	res.Cancelled = ctx.Err() != nil && res.Processed < len(pending)
	res.Elapsed = r.now().Sub(start)
	if res.Cancelled {
		r.logger.Warn("batch interrupted, saving final checkpoint", "processed", res.Processed, "pending", len(pending)-res.Processed)
	}

	var errs []error
	if err := save(); err != nil {
		errs = append(errs, fmt.Errorf("save final checkpoint: %w", err))
	}
	if r.cfg.ReportPath != "" {
		if err := WriteReport(r.cfg.ReportPath, res.Outcomes); err != nil {
			errs = append(errs, err)
		} else {
			res.ReportPath = r.cfg.ReportPath
		}
	}
	if r.batchLog != nil {
		if err := r.batchLog.LogBatch(context.WithoutCancel(ctx), r.summary(res, start)); err != nil {
			r.logger.Warn("processing log write failed", "error", err)
		}
	}

	r.logger.Info("batch finished", "run_id", res.RunID, "processed", res.Processed,
		"succeeded", res.Succeeded, "failed", res.Failed, "elapsed", res.Elapsed.Round(time.Millisecond))
	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	return res, nil
}

func (r *Runner) process(ctx context.Context, id string) (out model.PipelineOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = model.PipelineOutcome{TargetID: id}
			model.Fail(&out, model.FailedPipeline, fmt.Sprintf("panic: %v", rec))
			out.CompletedAt = r.now().UTC().Format(time.RFC3339)
		}
	}()
	return r.proc.Process(ctx, id)
}

func (r *Runner) progress(res RunResult, pending, inFlight int, start time.Time) Progress {
	p := Progress{
		Total:     pending,
		Completed: res.Processed,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		InFlight:  inFlight,
		Elapsed:   r.now().Sub(start),
	}
	if r.cfg.Controller != nil {
		p.RateLimiter = r.cfg.Controller.Snapshot()
	}
	if secs := p.Elapsed.Seconds(); secs > 0 {
		p.Rate = float64(p.Completed) / secs
	}
	if p.Rate > 0 {
		p.ETA = time.Duration(float64(p.Total-p.Completed) / p.Rate * float64(time.Second))
	}
	return p
}

func (r *Runner) summary(res RunResult, start time.Time) store.BatchSummary {
	s := store.BatchSummary{
		RunID:      res.RunID,
		Processed:  res.Processed,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		StartedAt:  start,
		FinishedAt: start.Add(res.Elapsed),
	}
	var dl, ex time.Duration
	fetched := 0
	for _, o := range res.Outcomes {
		dl += o.DownloadElapsed
		if o.FailedStage != model.FailedFetch {
			ex += o.ExtractionElapsed
			fetched++
		}
	}
	if n := len(res.Outcomes); n > 0 {
		s.MeanDownloadSeconds = dl.Seconds() / float64(n)
	}
	if fetched > 0 {
		s.MeanExtractSeconds = ex.Seconds() / float64(fetched)
	}
	return s
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
