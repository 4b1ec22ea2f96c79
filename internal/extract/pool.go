// Package extract runs feature extraction in short-lived worker processes.
// Every task gets a fresh process so no state can leak between targets.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"xenoscan/internal/features"
	"xenoscan/internal/model"
)

// Error kinds.
const (
	KindPool       = "pool"
	KindTimeout    = "timeout"
	KindProcess    = "process"
	KindOutput     = "output"
	KindExtraction = "extraction"
)

// Error is returned alongside a complete null record whenever a task does not
// produce a usable result.
type Error struct {
	TargetID string
	Kind     string
	Msg      string
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "extraction %s for %s", e.Kind, e.TargetID)
	if e.Msg != "" {
		b.WriteString(": " + e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString("\n" + s)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

type PoolConfig struct {
	CPUWorkers int
	// Timeout is the wall-clock budget for one task, process start included.
	Timeout time.Duration
	// Command is the worker argv prefix. Empty means this executable with
	// "worker extract".
	Command []string
	Env     []string
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{CPUWorkers: 2, Timeout: 300 * time.Second}
}

// Pool bounds concurrent worker processes.
type Pool struct {
	cfg    PoolConfig
	argv   []string
	sem    *semaphore.Weighted
	logger *slog.Logger

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func NewPool(cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if cfg.CPUWorkers <= 0 {
		cfg.CPUWorkers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPoolConfig().Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	argv := append([]string(nil), cfg.Command...)
	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		argv = []string{self, "worker", "extract"}
	}
	resolved, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("worker command %q is not executable: %w", argv[0], err)
	}
	argv[0] = resolved
	return &Pool{
		cfg:    cfg,
		argv:   argv,
		sem:    semaphore.NewWeighted(int64(cfg.CPUWorkers)),
		logger: logger,
	}, nil
}

// Command returns the resolved worker argv prefix.
func (p *Pool) Command() []string { return append([]string(nil), p.argv...) }

func (p *Pool) MaxObservedInFlight() int { return int(p.maxInFlight.Load()) }

// Execute extracts features for one staged dataset. The returned record
// always carries the full schema key set, also when err is non-nil.
func (p *Pool) Execute(ctx context.Context, targetID, datasetPath string, params features.Params) (model.FeatureRecord, error) {
	start := time.Now()
	null := func(err *Error) (model.FeatureRecord, error) {
		rec := features.NullRecord(targetID)
		rec.ExtractionElapsed = time.Since(start)
		return rec, err
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return null(&Error{TargetID: targetID, Kind: KindPool, Err: err})
	}
	defer p.sem.Release(1)
	p.enter()
	defer p.inFlight.Add(-1)

	doc, stderr, err := p.run(ctx, targetID, datasetPath, params)
	if err != nil {
		err.Stderr = stderr
		return null(err)
	}
	if doc.Error != "" {
		return null(&Error{TargetID: targetID, Kind: KindExtraction, Msg: doc.Error})
	}

	rec := features.Complete(model.FeatureRecord{
		TargetID: targetID,
		Features: doc.Features,
		Validity: doc.Validity,
	})
	if unknown := features.Unknown(model.FeatureRecord{Features: doc.Features}); len(unknown) > 0 {
		p.logger.Debug("worker returned unknown features", "target_id", targetID, "keys", unknown)
	}
	if len(doc.GroupErrors) > 0 {
		p.logger.Debug("feature groups failed", "target_id", targetID, "groups", doc.GroupErrors)
	}
	rec.ExtractionElapsed = time.Since(start)
	return rec, nil
}

func (p *Pool) run(ctx context.Context, targetID, datasetPath string, params features.Params) (Document, string, *Error) {
	tctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	args := append([]string(nil), p.argv[1:]...)
	args = append(args,
		"--input", datasetPath,
		"--target-id", targetID,
		"--mission", params.Mission,
		"--min-points", strconv.Itoa(params.MinPoints),
	)
	cmd := exec.CommandContext(tctx, p.argv[0], args...)
	cmd.WaitDelay = 2 * time.Second
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), p.cfg.Env...)
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr := &lineSink{onLine: func(line string) {
		p.logger.Debug("worker", "target_id", targetID, "line", line)
	}}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return Document{}, "", &Error{TargetID: targetID, Kind: KindProcess, Msg: "start worker", Err: err}
	}
	waitErr := cmd.Wait()
	errText := stderr.String()

	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return Document{}, errText, &Error{TargetID: targetID, Kind: KindTimeout,
			Msg: fmt.Sprintf("exceeded %s", p.cfg.Timeout), Err: context.DeadlineExceeded}
	}
	if ctx.Err() != nil {
		return Document{}, errText, &Error{TargetID: targetID, Kind: KindPool, Err: ctx.Err()}
	}
	if waitErr != nil {
		return Document{}, errText, &Error{TargetID: targetID, Kind: KindProcess, Msg: "worker failed", Err: waitErr}
	}

	var doc Document
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &doc); err != nil {
		return Document{}, errText, &Error{TargetID: targetID, Kind: KindOutput, Msg: "decode worker output", Err: err}
	}
	return doc, errText, nil
}

// lineSink keeps the first 8 KiB of worker stderr and hands each complete
// line to onLine.
type lineSink struct {
	mu      sync.Mutex
	keep    strings.Builder
	partial []byte
	onLine  func(string)
}

func (s *lineSink) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = append(s.partial, b...)
	for {
		i := bytes.IndexAny(s.partial, "\r\n")
		if i < 0 {
			break
		}
		line := string(s.partial[:i])
		s.partial = s.partial[i+1:]
		if line == "" {
			continue
		}
		appendLimited(&s.keep, line)
		if s.onLine != nil {
			s.onLine(line)
		}
	}
	return len(b), nil
}

func (s *lineSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) > 0 {
		appendLimited(&s.keep, string(s.partial))
		s.partial = nil
	}
	return s.keep.String()
}

func appendLimited(b *strings.Builder, line string) {
	const maxKeep = 8192
	if b.Len() >= maxKeep {
		return
	}
	toWrite := line + "\n"
	if remain := maxKeep - b.Len(); len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}

func (p *Pool) enter() {
	n := p.inFlight.Add(1)
	for {
		cur := p.maxInFlight.Load()
		if n <= cur || p.maxInFlight.CompareAndSwap(cur, n) {
			return
		}
	}
}
