// Package pipeline drives targets through fetch, extraction, upload and
// cleanup, and runs whole batches with checkpointed progress.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"xenoscan/internal/features"
	"xenoscan/internal/fetch"
	"xenoscan/internal/model"
	"xenoscan/internal/ratelimit"
	"xenoscan/internal/store"
)

type Fetcher interface {
	Fetch(ctx context.Context, targetID string, q fetch.Query) model.FetchResult
}

type Extractor interface {
	Execute(ctx context.Context, targetID, datasetPath string, p features.Params) (model.FeatureRecord, error)
}

// Cleaner removes a target's staged local files.
type Cleaner interface {
	Remove(targetID string) (bool, error)
}

type OrchestratorDeps struct {
	Fetcher   Fetcher
	Extractor Extractor
	Uploader  store.Uploader
	Cleaner   Cleaner
	Logger    *slog.Logger
	Metrics   *Metrics
	Now       func() time.Time
	Sleep     ratelimit.SleepFunc
}

type OrchestratorConfig struct {
	Query  fetch.Query
	Params features.Params
	// PauseEvery imposes Pause before the next upload after every
	// PauseEvery successful uploads. 0 disables pacing.
	PauseEvery  int
	Pause       time.Duration
	DeleteLocal bool
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Query:       fetch.Query{Mission: "Kepler", Cadence: "long"},
		Params:      features.DefaultParams(),
		PauseEvery:  50,
		Pause:       time.Second,
		DeleteLocal: true,
	}
}

// Orchestrator runs one target at a time per call; calls may overlap.
type Orchestrator struct {
	deps OrchestratorDeps
	cfg  OrchestratorConfig

	mu         sync.Mutex
	uploads    int
	pauseUntil time.Time
}

func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = ratelimit.Sleep
	}
	return &Orchestrator{deps: deps, cfg: cfg}
}

// Process runs targetID to a terminal stage. It never panics and always
// returns exactly one outcome.
func (o *Orchestrator) Process(ctx context.Context, targetID string) (out model.PipelineOutcome) {
	out = model.PipelineOutcome{
		TargetID:      targetID,
		Stage:         model.StagePending,
		FeaturesTotal: features.Count(),
	}
	log := o.deps.Logger.With("target_id", targetID)
	defer func() {
		if r := recover(); r != nil {
			model.Fail(&out, model.FailedPipeline, fmt.Sprintf("panic: %v", r))
			log.Error("pipeline panic", "error", out.Error)
		}
		out.TotalElapsed = out.DownloadElapsed + out.ExtractionElapsed + out.UploadElapsed + out.CleanupElapsed
		out.CompletedAt = o.deps.Now().UTC().Format(time.RFC3339)
		o.deps.Metrics.ObserveOutcome(out)
	}()

	o.advance(&out, model.StageFetching)
	start := o.deps.Now()
	res := o.deps.Fetcher.Fetch(ctx, targetID, o.cfg.Query)
	out.DownloadElapsed = elapsed(res.Elapsed, start, o.deps.Now())
	if !res.Success {
		out.NotFound = res.NotFound
		model.Fail(&out, model.FailedFetch, res.Error)
		log.Warn("fetch failed", "stage", "fetch", "attempts", res.Attempts, "not_found", res.NotFound, "error", res.Error)
		return out
	}
	out.NPoints = res.NPoints

	o.advance(&out, model.StageExtracting)
	start = o.deps.Now()
	rec, err := o.deps.Extractor.Execute(ctx, targetID, res.DatasetPath, o.cfg.Params)
	out.ExtractionElapsed = elapsed(rec.ExtractionElapsed, start, o.deps.Now())
	rec = features.Complete(rec)
	rec.TargetID = targetID
	rec.ExtractionElapsed = out.ExtractionElapsed
	if err != nil {
		out.ExtractionFailed = true
		log.Warn("extraction failed, uploading null record", "stage", "extract", "error", err)
	}
	out.FeaturesValid = rec.ValidCount()

	o.advance(&out, model.StageUploading)
	start = o.deps.Now()
	uploadErr := o.upload(ctx, res, rec)
	out.UploadElapsed = o.deps.Now().Sub(start)
	o.deps.Metrics.Upload(uploadErr)
	if uploadErr != nil {
		log.Warn("upload failed", "stage", "upload", "error", uploadErr)
	}

	o.advance(&out, model.StageCleaning)
	start = o.deps.Now()
	if o.cfg.DeleteLocal && o.deps.Cleaner != nil {
		removed, err := o.deps.Cleaner.Remove(targetID)
		if err != nil {
			log.Warn("cleanup failed", "stage", "cleanup", "error", err)
		}
		out.LocalFileDeleted = removed && err == nil
	}
	out.CleanupElapsed = o.deps.Now().Sub(start)

	if uploadErr != nil {
		model.Fail(&out, model.FailedUpload, uploadErr.Error())
		return out
	}
	o.advance(&out, model.StageDone)
	out.Success = true
	if out.ExtractionFailed {
		out.Error = "extraction failed; null record uploaded"
	}
	log.Debug("target done", "features_valid", out.FeaturesValid, "elapsed", out.TotalElapsed)
	return out
}

// advance panics on an impossible transition; Process turns that into a
// pipeline failure.
func (o *Orchestrator) advance(out *model.PipelineOutcome, to model.Stage) {
	if err := model.Transition(out, to); err != nil {
		panic(err)
	}
}

func (o *Orchestrator) upload(ctx context.Context, res model.FetchResult, rec model.FeatureRecord) error {
	if o.deps.Uploader == nil {
		return fmt.Errorf("no uploader configured")
	}
	if err := o.awaitUploadSlot(ctx); err != nil {
		return fmt.Errorf("wait for upload pacing: %w", err)
	}
	meta := store.TargetMeta{
		TargetID:     res.TargetID,
		Mission:      o.cfg.Params.Mission,
		NPoints:      res.NPoints,
		DurationDays: res.SpanDays,
		Segments:     res.SegmentsObtained,
	}
	if meta.TargetID == "" {
		meta.TargetID = rec.TargetID
	}
	if err := o.deps.Uploader.UpsertTarget(ctx, meta); err != nil {
		return err
	}
	if err := o.deps.Uploader.UpsertFeatures(ctx, rec); err != nil {
		return err
	}
	o.recordUpload()
	return nil
}

func (o *Orchestrator) awaitUploadSlot(ctx context.Context) error {
	o.mu.Lock()
	wait := o.pauseUntil.Sub(o.deps.Now())
	o.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	o.deps.Logger.Debug("upload pacing pause", "wait", wait)
	return o.deps.Sleep(ctx, wait)
}

func (o *Orchestrator) recordUpload() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.uploads++
	if o.cfg.PauseEvery > 0 && o.cfg.Pause > 0 && o.uploads%o.cfg.PauseEvery == 0 {
		o.pauseUntil = o.deps.Now().Add(o.cfg.Pause)
	}
}

// Uploads is the number of successful uploads so far.
func (o *Orchestrator) Uploads() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.uploads
}

// elapsed prefers the duration a collaborator measured itself.
func elapsed(reported time.Duration, start, end time.Time) time.Duration {
	if reported > 0 {
		return reported
	}
	return end.Sub(start)
}
