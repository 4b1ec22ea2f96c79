package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"xenoscan/internal/checkpoint"
	"xenoscan/internal/fetch"
	"xenoscan/internal/lightcurve"
	"xenoscan/internal/model"
	"xenoscan/internal/ratelimit"
	"xenoscan/internal/store"
)

type stubSource struct {
	search   func(ctx context.Context, targetID string, q fetch.Query) ([]fetch.SegmentRef, error)
	download func(ctx context.Context, seg fetch.SegmentRef) ([]byte, error)
}

func (s stubSource) Search(ctx context.Context, targetID string, q fetch.Query) ([]fetch.SegmentRef, error) {
	return s.search(ctx, targetID, q)
}

func (s stubSource) Download(ctx context.Context, seg fetch.SegmentRef) ([]byte, error) {
	return s.download(ctx, seg)
}

func newTestStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	st, err := checkpoint.NewStore(filepath.Join(t.TempDir(), "checkpoints"), "")
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestRunner_TenTargetScenario(t *testing.T) {
	clock := newFakeClock()
	var flakyCalls atomic.Int32
	src := stubSource{
		search: func(_ context.Context, id string, _ fetch.Query) ([]fetch.SegmentRef, error) {
			switch id {
			case "T03", "T07":
				return nil, fetch.ErrNotFound
			case "T05":
				if flakyCalls.Add(1) <= 2 {
					return nil, context.DeadlineExceeded
				}
			}
			return []fetch.SegmentRef{{TargetID: id, ID: "q01"}}, nil
		},
		download: func(context.Context, fetch.SegmentRef) ([]byte, error) {
			return lightcurve.Encode(lightcurve.Series{
				Time: []float64{0, 1, 2, 3},
				Flux: []float64{100, 101, 99, 100},
			}), nil
		},
	}
	cache, err := fetch.NewCache(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatal(err)
	}
	rc := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithSleep(clock.Sleep))
	gate := fetch.NewGate(src, rc, cache, fetch.GateConfig{
		MaxIOWorkers: 3,
		Timeout:      time.Minute,
		Retry:        fetch.RetryPolicy{Attempts: 3, BaseDelay: time.Second},
	}, fetch.WithClock(clock.Now, clock.Sleep))

	uploader := store.NewDryRun(nil)
	orch := NewOrchestrator(OrchestratorDeps{
		Fetcher:   gate,
		Extractor: okExtractor(),
		Uploader:  uploader,
		Cleaner:   cache,
		Now:       clock.Now,
		Sleep:     clock.Sleep,
	}, DefaultOrchestratorConfig())

	st := newTestStore(t)
	reportPath := filepath.Join(t.TempDir(), "outcomes.csv")
	runner := NewRunner(orch, RunnerConfig{
		Store:      st,
		Controller: rc,
		Interval:   4,
		ReportPath: reportPath,
	})

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("T%02d", i)
	}
	res, err := runner.Run(context.Background(), ids, 4)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Processed != 10 || res.Succeeded != 8 || res.Failed != 2 {
		t.Fatalf("expected 10/8/2, got %d/%d/%d", res.Processed, res.Succeeded, res.Failed)
	}
	byID := make(map[string]model.PipelineOutcome)
	for _, o := range res.Outcomes {
		byID[o.TargetID] = o
	}
	for _, id := range []string{"T03", "T07"} {
		o := byID[id]
		if o.Stage != model.StageFailed || o.FailedStage != model.FailedFetch || !o.NotFound {
			t.Fatalf("expected %s Failed(fetch) not found, got %+v", id, o)
		}
		if !strings.Contains(o.Error, "no data found") {
			t.Fatalf("expected not-found reason for %s, got %q", id, o.Error)
		}
	}
	flaky := byID["T05"]
	if !flaky.Success || flaky.Stage != model.StageDone {
		t.Fatalf("expected T05 done after retries, got %+v", flaky)
	}
	if flaky.DownloadElapsed < 6*time.Second {
		t.Fatalf("expected T05 download time to include 2s+4s retry sleeps, got %s", flaky.DownloadElapsed)
	}
	done := 0
	for _, o := range res.Outcomes {
		if o.Stage == model.StageDone {
			done++
			if cache.Exists(o.TargetID) {
				t.Fatalf("expected staged files for %s removed", o.TargetID)
			}
		}
	}
	if done != 8 {
		t.Fatalf("expected 8 done (7 clean + 1 retried), got %d", done)
	}

	saved, err := st.Load()
	if err != nil || saved == nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if len(saved.CompletedTargetIDs) != 8 {
		t.Fatalf("expected 8 completed ids, got %v", saved.CompletedTargetIDs)
	}
	for _, id := range saved.CompletedTargetIDs {
		if id == "T03" || id == "T07" {
			t.Fatalf("not-found target %s must not be checkpointed", id)
		}
	}
	if saved.RunID != res.RunID || saved.BatchCursor != 10 {
		t.Fatalf("unexpected checkpoint metadata %+v", saved)
	}
	if _, nf := uploader.Counts(); nf != 8 {
		t.Fatalf("expected 8 feature uploads, got %d", nf)
	}

	f, err := os.Open(reportPath)
	if err != nil {
		t.Fatalf("open report: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 11 || rows[0][0] != "target_id" {
		t.Fatalf("expected header plus 10 rows, got %d", len(rows))
	}
}

func TestRunner_ResumeSkipsCompletedTargets(t *testing.T) {
	st := newTestStore(t)
	first := &stubProcessor{process: func(_ context.Context, id string) model.PipelineOutcome {
		if id == "bad" {
			return failedOutcome(id)
		}
		return model.PipelineOutcome{TargetID: id, Success: true, Stage: model.StageDone}
	}}
	ids := []string{"a", "b", "bad", "c"}
	if _, err := NewRunner(first, RunnerConfig{Store: st, Interval: 2}).Run(context.Background(), ids, 2); err != nil {
		t.Fatal(err)
	}

	second := &stubProcessor{}
	res, err := NewRunner(second, RunnerConfig{Store: st, Interval: 2, Resume: true}).
		Run(context.Background(), append(ids, "d"), 2)
	if err != nil {
		t.Fatal(err)
	}
	calls := second.Calls()
	sort.Strings(calls)
	if strings.Join(calls, ",") != "bad,d" {
		t.Fatalf("expected only bad and d to be reprocessed, got %v", calls)
	}
	if res.Skipped != 3 || res.Total != 5 {
		t.Fatalf("expected 3 skipped of 5, got %d of %d", res.Skipped, res.Total)
	}
	saved, err := st.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.CompletedTargetIDs) != 5 {
		t.Fatalf("expected all 5 completed after resume, got %v", saved.CompletedTargetIDs)
	}

	third := &stubProcessor{}
	if _, err := NewRunner(third, RunnerConfig{Store: st, Resume: true}).Run(context.Background(), ids, 2); err != nil {
		t.Fatal(err)
	}
	if len(third.Calls()) != 0 {
		t.Fatalf("expected nothing to run, got %v", third.Calls())
	}
}

func TestRunner_WithoutResumeIgnoresCheckpoint(t *testing.T) {
	st := newTestStore(t)
	if err := st.Save(checkpoint.Record{CompletedTargetIDs: []string{"a"}}); err != nil {
		t.Fatal(err)
	}
	proc := &stubProcessor{}
	if _, err := NewRunner(proc, RunnerConfig{Store: st}).Run(context.Background(), []string{"a", "b"}, 1); err != nil {
		t.Fatal(err)
	}
	if len(proc.Calls()) != 2 {
		t.Fatalf("expected both targets processed, got %v", proc.Calls())
	}

	files, err := checkpoint.List(st.Dir())
	if err != nil {
		t.Fatal(err)
	}
	var backup string
	for _, f := range files {
		if strings.HasSuffix(f, ".backup.json") {
			backup = f
		}
	}
	if backup == "" {
		t.Fatalf("expected the replaced checkpoint to be backed up, got %v", files)
	}
	data, err := os.ReadFile(backup)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"a"`) || strings.Contains(string(data), `"b"`) {
		t.Fatalf("backup should hold the previous completed set, got %s", data)
	}
}

func TestRunner_FreshRunWithoutCheckpointTakesNoBackup(t *testing.T) {
	st := newTestStore(t)
	if _, err := NewRunner(&stubProcessor{}, RunnerConfig{Store: st}).Run(context.Background(), []string{"a"}, 1); err != nil {
		t.Fatal(err)
	}
	files, err := checkpoint.List(st.Dir())
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if strings.HasSuffix(f, ".backup.json") {
			t.Fatalf("unexpected backup %s", f)
		}
	}
}

func TestRunner_RestoresRateControllerBeforeWork(t *testing.T) {
	st := newTestStore(t)
	err := st.Save(checkpoint.Record{
		RunID:       "run-1",
		RateLimiter: model.RateLimiterState{BackoffSeconds: 8, ThrottleCount: 3, ConsecutiveSuccesses: 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	rc := ratelimit.New(ratelimit.DefaultConfig())
	var seen model.RateLimiterState
	proc := &stubProcessor{process: func(_ context.Context, id string) model.PipelineOutcome {
		seen = rc.Snapshot()
		return model.PipelineOutcome{TargetID: id, Success: true, Stage: model.StageDone}
	}}

	res, err := NewRunner(proc, RunnerConfig{Store: st, Controller: rc, Resume: true}).Run(context.Background(), []string{"x"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if seen.BackoffSeconds != 8 || seen.ThrottleCount != 3 {
		t.Fatalf("expected restored controller state, got %+v", seen)
	}
	if res.RunID != "run-1" {
		t.Fatalf("expected run id carried over, got %q", res.RunID)
	}
	if res.Checkpoint == nil || res.Checkpoint.RateLimiter.BackoffSeconds != 8 {
		t.Fatalf("expected controller snapshot in final checkpoint, got %+v", res.Checkpoint)
	}
}

func TestRunner_CorruptCheckpointAbortsBeforeWork(t *testing.T) {
	st := newTestStore(t)
	if err := os.WriteFile(st.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	proc := &stubProcessor{}
	_, err := NewRunner(proc, RunnerConfig{Store: st, Resume: true}).Run(context.Background(), []string{"a"}, 1)
	if !errors.Is(err, checkpoint.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if len(proc.Calls()) != 0 {
		t.Fatalf("no target may run on a corrupt checkpoint")
	}
}

func TestRunner_CheckpointCadenceFollowsCompletions(t *testing.T) {
	st := newTestStore(t)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	ids := []string{"a", "b", "c", "d", "e", "f", "g"}
	_, err := NewRunner(&stubProcessor{}, RunnerConfig{Store: st, Interval: 3}, WithRunnerMetrics(m)).
		Run(context.Background(), ids, 2)
	if err != nil {
		t.Fatal(err)
	}
	// saves after completions 3 and 6, plus the final save
	if got := testutil.ToFloat64(m.checkpointSaves); got != 3 {
		t.Fatalf("expected 3 checkpoint saves, got %v", got)
	}
}

func TestRunner_CancelStopsDispatchAndSavesCheckpoint(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc := &stubProcessor{process: func(pctx context.Context, id string) model.PipelineOutcome {
		cancel()
		if pctx.Err() != nil {
			t.Errorf("in-flight target must not see cancellation")
		}
		return model.PipelineOutcome{TargetID: id, Success: true, Stage: model.StageDone}
	}}

	res, err := NewRunner(proc, RunnerConfig{Store: st, Interval: 100}).Run(ctx, []string{"a", "b", "c", "d"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cancelled {
		t.Fatalf("expected cancelled result")
	}
	if len(proc.Calls()) != 1 || res.Processed != 1 {
		t.Fatalf("expected exactly one processed target, got %v", proc.Calls())
	}
	saved, err := st.Load()
	if err != nil || saved == nil {
		t.Fatalf("expected final checkpoint, err=%v", err)
	}
	if len(saved.CompletedTargetIDs) != 1 || saved.CompletedTargetIDs[0] != "a" {
		t.Fatalf("unexpected completed set %v", saved.CompletedTargetIDs)
	}
}

func TestRunner_ProcessorPanicIsIsolated(t *testing.T) {
	proc := &stubProcessor{process: func(_ context.Context, id string) model.PipelineOutcome {
		if id == "boom" {
			panic("kaboom")
		}
		return model.PipelineOutcome{TargetID: id, Success: true, Stage: model.StageDone}
	}}
	res, err := NewRunner(proc, DefaultRunnerConfig()).Run(context.Background(), []string{"ok", "boom", "ok2"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("expected 2 ok and 1 failed, got %d/%d", res.Succeeded, res.Failed)
	}
	for _, o := range res.Outcomes {
		if o.TargetID == "boom" && o.FailedStage != model.FailedPipeline {
			t.Fatalf("expected Failed(pipeline) for panicking target, got %+v", o)
		}
	}
}

func TestRunner_ProgressAndBatchLog(t *testing.T) {
	var snaps []Progress
	dry := store.NewDryRun(nil)
	proc := &stubProcessor{process: func(_ context.Context, id string) model.PipelineOutcome {
		if id == "x" {
			return failedOutcome(id)
		}
		return model.PipelineOutcome{TargetID: id, Success: true, Stage: model.StageDone, DownloadElapsed: 2 * time.Second}
	}}
	res, err := NewRunner(proc, RunnerConfig{ProgressEvery: 1},
		WithProgress(func(p Progress) { snaps = append(snaps, p) }),
		WithBatchLogger(dry),
	).Run(context.Background(), []string{"a", "x", "b", "a"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 3 {
		t.Fatalf("expected duplicate ids collapsed, got total %d", res.Total)
	}
	if len(snaps) != 3 {
		t.Fatalf("expected a progress snapshot per completion, got %d", len(snaps))
	}
	last := snaps[len(snaps)-1]
	if last.Completed != 3 || last.Succeeded != 2 || last.Failed != 1 || last.Total != 3 {
		t.Fatalf("unexpected final progress %+v", last)
	}
	batches := dry.Batches()
	if len(batches) != 1 || batches[0].Processed != 3 || batches[0].RunID != res.RunID {
		t.Fatalf("unexpected processing log %+v", batches)
	}
	if res.SuccessRate() < 0.66 || res.SuccessRate() > 0.67 {
		t.Fatalf("unexpected success rate %v", res.SuccessRate())
	}
}

func TestFormatETA(t *testing.T) {
	cases := []struct {
		secs float64
		want string
	}{
		{0, ""},
		{30, "<1m"},
		{125, "2m"},
		{3600, "1h"},
		{3900, "1h 5m"},
		{86400, "1d"},
		{90000, "1d 1h"},
	}
	for _, tc := range cases {
		if got := FormatETA(tc.secs); got != tc.want {
			t.Fatalf("FormatETA(%v): expected %q, got %q", tc.secs, tc.want, got)
		}
	}
}

func TestProgressString(t *testing.T) {
	p := Progress{Total: 10, Completed: 4, Succeeded: 3, Rate: 0.5, Elapsed: 8 * time.Second, ETA: 12 * time.Second}
	got := p.String()
	if !strings.Contains(got, "Progress: 4/10 (40.0%)") || !strings.Contains(got, "Success: 3/4 (75.0%)") || !strings.Contains(got, "0.50 tgt/s") {
		t.Fatalf("unexpected progress line %q", got)
	}
}
