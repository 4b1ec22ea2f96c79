package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"xenoscan/internal/features"
	"xenoscan/internal/fetch"
	"xenoscan/internal/model"
	"xenoscan/internal/store"
)

func testOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) (*Orchestrator, *fakeClock) {
	clock := newFakeClock()
	if deps.Now == nil {
		deps.Now = clock.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = clock.Sleep
	}
	return NewOrchestrator(deps, cfg), clock
}

func TestProcess_HappyPathReachesDone(t *testing.T) {
	up := &recordingUploader{}
	cl := &recordingCleaner{}
	cfg := DefaultOrchestratorConfig()
	o, _ := testOrchestrator(OrchestratorDeps{
		Fetcher:   okFetcher(),
		Extractor: okExtractor(),
		Uploader:  up,
		Cleaner:   cl,
	}, cfg)

	out := o.Process(context.Background(), "KIC 1")
	if !out.Success || out.Stage != model.StageDone {
		t.Fatalf("expected done, got %+v", out)
	}
	if out.FeaturesValid != 1 || out.FeaturesTotal != features.Count() {
		t.Fatalf("unexpected feature counts %d/%d", out.FeaturesValid, out.FeaturesTotal)
	}
	if !out.LocalFileDeleted || len(cl.removed) != 1 {
		t.Fatalf("expected local file removed, got %+v", cl.removed)
	}
	if len(up.targets) != 1 || up.targets[0].NPoints != 100 || up.targets[0].DurationDays != 30 || up.targets[0].Mission != "Kepler" {
		t.Fatalf("unexpected target metadata: %+v", up.targets)
	}
	if len(up.records) != 1 || len(up.records[0].Features) != features.Count() {
		t.Fatalf("expected one complete feature record, got %+v", up.records)
	}
	if out.CompletedAt == "" {
		t.Fatalf("expected completed_at")
	}
}

func TestProcess_FetchFailureSkipsLaterStages(t *testing.T) {
	up := &recordingUploader{}
	cl := &recordingCleaner{}
	extracted := false
	o, _ := testOrchestrator(OrchestratorDeps{
		Fetcher: stubFetcher{fetch: func(_ context.Context, id string, _ fetch.Query) model.FetchResult {
			return model.FetchResult{TargetID: id, Error: "no data found for target", NotFound: true, Elapsed: time.Second}
		}},
		Extractor: stubExtractor{execute: func(context.Context, string, string, features.Params) (model.FeatureRecord, error) {
			extracted = true
			return model.FeatureRecord{}, nil
		}},
		Uploader: up,
		Cleaner:  cl,
	}, DefaultOrchestratorConfig())

	out := o.Process(context.Background(), "KIC 2")
	if out.Success || out.Stage != model.StageFailed || out.FailedStage != model.FailedFetch {
		t.Fatalf("expected Failed(fetch), got %+v", out)
	}
	if !out.NotFound || !strings.Contains(out.Error, "no data found") {
		t.Fatalf("expected not-found reason, got %+v", out)
	}
	if extracted || len(up.records) != 0 || len(cl.removed) != 0 {
		t.Fatalf("no stage after fetch should run")
	}
	if out.TotalElapsed != time.Second {
		t.Fatalf("expected total 1s, got %s", out.TotalElapsed)
	}
}

func TestProcess_ExtractionFailureStillUploadsNullRecord(t *testing.T) {
	up := &recordingUploader{}
	o, _ := testOrchestrator(OrchestratorDeps{
		Fetcher: okFetcher(),
		Extractor: stubExtractor{execute: func(context.Context, string, string, features.Params) (model.FeatureRecord, error) {
			// partial record: the orchestrator must still upload the full key set
			return model.FeatureRecord{Features: map[string]*float64{}}, errors.New("worker timed out")
		}},
		Uploader: up,
		Cleaner:  &recordingCleaner{},
	}, DefaultOrchestratorConfig())

	out := o.Process(context.Background(), "KIC 3")
	if !out.Success || out.Stage != model.StageDone || !out.ExtractionFailed {
		t.Fatalf("expected done with extraction failure flagged, got %+v", out)
	}
	if len(up.records) != 1 {
		t.Fatalf("expected null record uploaded")
	}
	rec := up.records[0]
	if rec.TargetID != "KIC 3" || len(rec.Features) != features.Count() || len(rec.Validity) != features.Count() || rec.ValidCount() != 0 {
		t.Fatalf("expected complete null record, got %d/%d valid=%d", len(rec.Features), len(rec.Validity), rec.ValidCount())
	}
}

func TestProcess_UploadFailureStillCleansUp(t *testing.T) {
	up := &recordingUploader{upsertFeatures: func(model.FeatureRecord) error { return errUploadDown }}
	cl := &recordingCleaner{}
	o, _ := testOrchestrator(OrchestratorDeps{
		Fetcher:   okFetcher(),
		Extractor: okExtractor(),
		Uploader:  up,
		Cleaner:   cl,
	}, DefaultOrchestratorConfig())

	out := o.Process(context.Background(), "KIC 4")
	if out.Success || out.FailedStage != model.FailedUpload {
		t.Fatalf("expected Failed(upload), got %+v", out)
	}
	if !strings.Contains(out.Error, "database unavailable") {
		t.Fatalf("unexpected error %q", out.Error)
	}
	if len(cl.removed) != 1 || !out.LocalFileDeleted {
		t.Fatalf("expected cleanup despite upload failure")
	}
}

func TestProcess_CleanupFailureIsNotFatal(t *testing.T) {
	cl := &recordingCleaner{err: errors.New("permission denied")}
	o, _ := testOrchestrator(OrchestratorDeps{
		Fetcher:   okFetcher(),
		Extractor: okExtractor(),
		Uploader:  &recordingUploader{},
		Cleaner:   cl,
	}, DefaultOrchestratorConfig())

	out := o.Process(context.Background(), "KIC 5")
	if !out.Success || out.LocalFileDeleted {
		t.Fatalf("expected success without deletion, got %+v", out)
	}
}

func TestProcess_KeepLocalSkipsCleanup(t *testing.T) {
	cl := &recordingCleaner{}
	cfg := DefaultOrchestratorConfig()
	cfg.DeleteLocal = false
	o, _ := testOrchestrator(OrchestratorDeps{
		Fetcher:   okFetcher(),
		Extractor: okExtractor(),
		Uploader:  &recordingUploader{},
		Cleaner:   cl,
	}, cfg)
	out := o.Process(context.Background(), "KIC 6")
	if !out.Success || len(cl.removed) != 0 || out.LocalFileDeleted {
		t.Fatalf("expected no cleanup, got %+v removed=%v", out, cl.removed)
	}
}

func TestProcess_PanicBecomesPipelineFailure(t *testing.T) {
	o, _ := testOrchestrator(OrchestratorDeps{
		Fetcher: okFetcher(),
		Extractor: stubExtractor{execute: func(context.Context, string, string, features.Params) (model.FeatureRecord, error) {
			panic("boom")
		}},
		Uploader: &recordingUploader{},
		Cleaner:  &recordingCleaner{},
	}, DefaultOrchestratorConfig())

	out := o.Process(context.Background(), "KIC 7")
	if out.Success || out.Stage != model.StageFailed || out.FailedStage != model.FailedPipeline {
		t.Fatalf("expected Failed(pipeline), got %+v", out)
	}
	if !strings.Contains(out.Error, "boom") {
		t.Fatalf("expected panic message, got %q", out.Error)
	}
}

func TestProcess_TotalElapsedSumsStages(t *testing.T) {
	var clock *fakeClock
	up := &recordingUploader{}
	up.upsertFeatures = func(model.FeatureRecord) error {
		clock.Advance(500 * time.Millisecond)
		return nil
	}
	o, c := testOrchestrator(OrchestratorDeps{
		Fetcher: stubFetcher{fetch: func(_ context.Context, id string, _ fetch.Query) model.FetchResult {
			return model.FetchResult{TargetID: id, Success: true, Elapsed: 3 * time.Second}
		}},
		Extractor: stubExtractor{execute: func(_ context.Context, id, _ string, _ features.Params) (model.FeatureRecord, error) {
			rec := features.NullRecord(id)
			rec.ExtractionElapsed = 2 * time.Second
			return rec, nil
		}},
		Uploader: up,
		Cleaner:  &recordingCleaner{},
	}, DefaultOrchestratorConfig())
	clock = c

	out := o.Process(context.Background(), "KIC 8")
	if out.DownloadElapsed != 3*time.Second || out.ExtractionElapsed != 2*time.Second || out.UploadElapsed != 500*time.Millisecond {
		t.Fatalf("unexpected stage times %+v", out)
	}
	if out.TotalElapsed != 5500*time.Millisecond {
		t.Fatalf("expected 5.5s total, got %s", out.TotalElapsed)
	}
}

func TestProcess_PausesAfterEveryNthUpload(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	cfg.PauseEvery = 2
	cfg.Pause = time.Second
	o, clock := testOrchestrator(OrchestratorDeps{
		Fetcher:   okFetcher(),
		Extractor: okExtractor(),
		Uploader:  &recordingUploader{},
		Cleaner:   &recordingCleaner{},
	}, cfg)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if out := o.Process(context.Background(), id); !out.Success {
			t.Fatalf("unexpected failure for %s: %s", id, out.Error)
		}
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != time.Second {
		t.Fatalf("expected two 1s pauses, got %v", sleeps)
	}
	if o.Uploads() != 5 {
		t.Fatalf("expected 5 uploads, got %d", o.Uploads())
	}
}

func TestProcess_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	up := &recordingUploader{}
	o, _ := testOrchestrator(OrchestratorDeps{
		Fetcher:   okFetcher(),
		Extractor: okExtractor(),
		Uploader:  up,
		Cleaner:   &recordingCleaner{},
		Metrics:   m,
	}, DefaultOrchestratorConfig())
	_ = o.Process(context.Background(), "ok")
	up.upsertTarget = func(store.TargetMeta) error { return errUploadDown }
	_ = o.Process(context.Background(), "bad")

	if got := testutil.ToFloat64(m.targetsTotal.WithLabelValues("done")); got != 1 {
		t.Fatalf("expected 1 done, got %v", got)
	}
	if got := testutil.ToFloat64(m.targetsTotal.WithLabelValues("failed_upload")); got != 1 {
		t.Fatalf("expected 1 failed upload, got %v", got)
	}
	if got := testutil.ToFloat64(m.uploadsTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 upload error, got %v", got)
	}
}
