package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"xenoscan/internal/features"
	"xenoscan/internal/lightcurve"
)

func writeWorker(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/usr/bin/env bash\nset -euo pipefail\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func assertFullSchema(t *testing.T, features map[string]*float64, validity map[string]bool) {
	t.Helper()
	if len(features) != 47 || len(validity) != 47 {
		t.Fatalf("expected 47 keys, got features=%d validity=%d", len(features), len(validity))
	}
	for k := range features {
		if _, ok := validity[k]; !ok {
			t.Fatalf("validity missing %s", k)
		}
	}
}

func TestHarnessExecuteDecodesWorkerDocument(t *testing.T) {
	tmp := t.TempDir()
	worker := writeWorker(t, tmp, "worker", `
echo "worker starting" >&2
cat <<'JSON'
{"target_id":"KIC 1","features":{"stat_mean":1.25,"stat_std":null,"made_up":3},"validity":{"stat_mean":true,"stat_std":false,"made_up":true},"extraction_seconds":0.1}
JSON
`)
	pool, err := NewPool(PoolConfig{CPUWorkers: 1, Timeout: 10 * time.Second, Command: []string{worker}}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	rec, err := pool.Execute(context.Background(), "KIC 1", filepath.Join(tmp, "dataset.csv"), features.DefaultParams())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	assertFullSchema(t, rec.Features, rec.Validity)
	if v := rec.Features["stat_mean"]; v == nil || *v != 1.25 {
		t.Fatalf("expected stat_mean=1.25, got %v", v)
	}
	if _, found := rec.Features["made_up"]; found {
		t.Fatalf("unknown feature should be dropped")
	}
	if rec.ValidCount() != 1 {
		t.Fatalf("expected one valid feature, got %d", rec.ValidCount())
	}
}

func TestHarnessExecutePassesArguments(t *testing.T) {
	tmp := t.TempDir()
	argsFile := filepath.Join(tmp, "args.txt")
	worker := writeWorker(t, tmp, "worker", `
printf '%s\n' "$@" > "`+argsFile+`"
echo '{"features":{},"validity":{}}'
`)
	pool, err := NewPool(PoolConfig{CPUWorkers: 1, Timeout: 10 * time.Second, Command: []string{worker, "worker", "extract"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	params := features.Params{Mission: "TESS", MinPoints: 25}
	if _, err := pool.Execute(context.Background(), "TIC 9", "/data/TIC_9/dataset.csv", params); err != nil {
		t.Fatalf("execute: %v", err)
	}
	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Fields(strings.ReplaceAll(string(data), "\n", " "))
	want := []string{"worker", "extract", "--input", "/data/TIC_9/dataset.csv", "--target-id", "TIC", "9", "--mission", "TESS", "--min-points", "25"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected args:\n got %v\nwant %v", got, want)
	}
}

func TestHarnessExecuteTimeoutReturnsNullRecord(t *testing.T) {
	tmp := t.TempDir()
	worker := writeWorker(t, tmp, "worker", "exec sleep 5\n")
	pool, err := NewPool(PoolConfig{CPUWorkers: 1, Timeout: 200 * time.Millisecond, Command: []string{worker}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	rec, err := pool.Execute(context.Background(), "KIC 2", "x", features.DefaultParams())
	if time.Since(start) > 4*time.Second {
		t.Fatalf("timeout was not enforced")
	}
	var xe *Error
	if !errors.As(err, &xe) || xe.Kind != KindTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	assertFullSchema(t, rec.Features, rec.Validity)
	if rec.ValidCount() != 0 {
		t.Fatalf("expected null record")
	}
}

func TestHarnessExecuteProcessFailureKeepsStderr(t *testing.T) {
	tmp := t.TempDir()
	worker := writeWorker(t, tmp, "worker", `
echo "MemoryError: out of memory" >&2
exit 3
`)
	pool, err := NewPool(PoolConfig{CPUWorkers: 1, Timeout: 10 * time.Second, Command: []string{worker}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := pool.Execute(context.Background(), "KIC 3", "x", features.DefaultParams())
	var xe *Error
	if !errors.As(err, &xe) || xe.Kind != KindProcess {
		t.Fatalf("expected process error, got %v", err)
	}
	if !strings.Contains(xe.Stderr, "out of memory") {
		t.Fatalf("expected stderr captured, got %q", xe.Stderr)
	}
	assertFullSchema(t, rec.Features, rec.Validity)
}

func TestHarnessExecuteBadOutput(t *testing.T) {
	tmp := t.TempDir()
	worker := writeWorker(t, tmp, "worker", "echo 'not json'\n")
	pool, err := NewPool(PoolConfig{CPUWorkers: 1, Timeout: 10 * time.Second, Command: []string{worker}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := pool.Execute(context.Background(), "KIC 4", "x", features.DefaultParams())
	var xe *Error
	if !errors.As(err, &xe) || xe.Kind != KindOutput {
		t.Fatalf("expected output error, got %v", err)
	}
	assertFullSchema(t, rec.Features, rec.Validity)
}

func TestHarnessExecuteReportedExtractionError(t *testing.T) {
	tmp := t.TempDir()
	worker := writeWorker(t, tmp, "worker", `echo '{"target_id":"KIC 5","features":{"stat_mean":1},"validity":{"stat_mean":true},"error":"median flux is not positive"}'`+"\n")
	pool, err := NewPool(PoolConfig{CPUWorkers: 1, Timeout: 10 * time.Second, Command: []string{worker}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := pool.Execute(context.Background(), "KIC 5", "x", features.DefaultParams())
	var xe *Error
	if !errors.As(err, &xe) || xe.Kind != KindExtraction || !strings.Contains(xe.Error(), "median flux") {
		t.Fatalf("expected extraction error, got %v", err)
	}
	if rec.ValidCount() != 0 {
		t.Fatalf("expected null record on reported failure")
	}
}

func TestHarnessExecuteUsesFreshProcessPerTaskAndBoundsConcurrency(t *testing.T) {
	tmp := t.TempDir()
	pidDir := filepath.Join(tmp, "pids")
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		t.Fatal(err)
	}
	worker := writeWorker(t, tmp, "worker", `
touch "`+pidDir+`/$$"
sleep 0.1
echo '{"features":{},"validity":{}}'
`)
	pool, err := NewPool(PoolConfig{CPUWorkers: 2, Timeout: 10 * time.Second, Command: []string{worker}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	const tasks = 6
	var wg sync.WaitGroup
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Execute(context.Background(), "KIC", "x", features.DefaultParams()); err != nil {
				t.Errorf("execute: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(pidDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != tasks {
		t.Fatalf("expected %d distinct worker processes, got %d", tasks, len(entries))
	}
	if got := pool.MaxObservedInFlight(); got > 2 {
		t.Fatalf("expected at most 2 concurrent workers, got %d", got)
	}
}

func TestNewPool_FailsForMissingCommand(t *testing.T) {
	_, err := NewPool(PoolConfig{Command: []string{filepath.Join(t.TempDir(), "missing")}}, nil)
	if err == nil {
		t.Fatalf("expected error for missing worker command")
	}
}

func TestRunWorker_ExtractsFromDataset(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "dataset.csv")
	n := 200
	s := lightcurve.Series{Time: make([]float64, n), Flux: make([]float64, n)}
	for i := 0; i < n; i++ {
		s.Time[i] = float64(i) / 48
		s.Flux[i] = 500 + float64(i%7)
	}
	if err := os.WriteFile(path, lightcurve.Encode(s), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := RunWorker(WorkerOptions{Input: path, TargetID: "KIC 6", Params: features.DefaultParams()}, &out); err != nil {
		t.Fatalf("run worker: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Error != "" {
		t.Fatalf("unexpected error: %s", doc.Error)
	}
	assertFullSchema(t, doc.Features, doc.Validity)
	if !doc.Validity["stat_mean"] || !doc.Validity["temp_n_points"] {
		t.Fatalf("expected statistical and temporal features: %+v", doc.Validity)
	}
	if v := doc.Features["temp_n_points"]; v == nil || *v != float64(n) {
		t.Fatalf("unexpected n_points: %v", v)
	}
}

func TestRunWorker_ReportsUnreadableInput(t *testing.T) {
	var out bytes.Buffer
	err := RunWorker(WorkerOptions{Input: filepath.Join(t.TempDir(), "missing.csv"), TargetID: "KIC 7"}, &out)
	if err != nil {
		t.Fatalf("expected failure inside document, got %v", err)
	}
	var doc Document
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Error == "" {
		t.Fatalf("expected error in document")
	}
	assertFullSchema(t, doc.Features, doc.Validity)
}
