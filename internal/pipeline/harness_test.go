package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"xenoscan/internal/features"
	"xenoscan/internal/fetch"
	"xenoscan/internal/model"
	"xenoscan/internal/store"
)

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type stubFetcher struct {
	fetch func(ctx context.Context, targetID string, q fetch.Query) model.FetchResult
}

func (s stubFetcher) Fetch(ctx context.Context, targetID string, q fetch.Query) model.FetchResult {
	return s.fetch(ctx, targetID, q)
}

func okFetcher() stubFetcher {
	return stubFetcher{fetch: func(_ context.Context, id string, _ fetch.Query) model.FetchResult {
		return model.FetchResult{TargetID: id, Success: true, DatasetPath: "/tmp/" + id, NPoints: 100, SpanDays: 30, SegmentsObtained: 1, SegmentsTotal: 1}
	}}
}

type stubExtractor struct {
	execute func(ctx context.Context, targetID, datasetPath string, p features.Params) (model.FeatureRecord, error)
}

func (s stubExtractor) Execute(ctx context.Context, targetID, datasetPath string, p features.Params) (model.FeatureRecord, error) {
	return s.execute(ctx, targetID, datasetPath, p)
}

func okExtractor() stubExtractor {
	return stubExtractor{execute: func(_ context.Context, id, _ string, _ features.Params) (model.FeatureRecord, error) {
		rec := features.NullRecord(id)
		v := 1.0
		rec.Features["stat_mean"] = &v
		rec.Validity["stat_mean"] = true
		return rec, nil
	}}
}

type recordingUploader struct {
	mu             sync.Mutex
	targets        []store.TargetMeta
	records        []model.FeatureRecord
	upsertTarget   func(meta store.TargetMeta) error
	upsertFeatures func(rec model.FeatureRecord) error
}

func (u *recordingUploader) UpsertTarget(_ context.Context, meta store.TargetMeta) error {
	if u.upsertTarget != nil {
		if err := u.upsertTarget(meta); err != nil {
			return err
		}
	}
	u.mu.Lock()
	u.targets = append(u.targets, meta)
	u.mu.Unlock()
	return nil
}

func (u *recordingUploader) UpsertFeatures(_ context.Context, rec model.FeatureRecord) error {
	if u.upsertFeatures != nil {
		if err := u.upsertFeatures(rec); err != nil {
			return err
		}
	}
	u.mu.Lock()
	u.records = append(u.records, rec)
	u.mu.Unlock()
	return nil
}

func (u *recordingUploader) Close() {}

type recordingCleaner struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (c *recordingCleaner) Remove(targetID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, targetID)
	if c.err != nil {
		return false, c.err
	}
	return true, nil
}

type stubProcessor struct {
	mu      sync.Mutex
	calls   []string
	process func(ctx context.Context, targetID string) model.PipelineOutcome
}

func (p *stubProcessor) Process(ctx context.Context, targetID string) model.PipelineOutcome {
	p.mu.Lock()
	p.calls = append(p.calls, targetID)
	p.mu.Unlock()
	if p.process != nil {
		return p.process(ctx, targetID)
	}
	return model.PipelineOutcome{TargetID: targetID, Success: true, Stage: model.StageDone}
}

func (p *stubProcessor) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func failedOutcome(id string) model.PipelineOutcome {
	out := model.PipelineOutcome{TargetID: id}
	model.Fail(&out, model.FailedFetch, fetch.ErrNotFound.Error())
	out.NotFound = true
	return out
}

var errUploadDown = errors.New("database unavailable")
