package store

import (
	"context"
	"log/slog"
	"sync"

	"xenoscan/internal/model"
)

// DryRun accepts every upload and keeps the last record per target in
// memory.
type DryRun struct {
	logger *slog.Logger

	mu       sync.Mutex
	targets  map[string]TargetMeta
	features map[string]model.FeatureRecord
	batches  []BatchSummary
}

func NewDryRun(logger *slog.Logger) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRun{
		logger:   logger,
		targets:  make(map[string]TargetMeta),
		features: make(map[string]model.FeatureRecord),
	}
}

func (d *DryRun) UpsertTarget(ctx context.Context, meta TargetMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.targets[meta.TargetID] = meta
	d.mu.Unlock()
	d.logger.Debug("dry-run upsert target", "target_id", meta.TargetID, "n_points", meta.NPoints)
	return nil
}

func (d *DryRun) UpsertFeatures(ctx context.Context, rec model.FeatureRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.features[rec.TargetID] = rec
	d.mu.Unlock()
	d.logger.Debug("dry-run upsert features", "target_id", rec.TargetID, "valid", rec.ValidCount())
	return nil
}

func (d *DryRun) LogBatch(_ context.Context, s BatchSummary) error {
	d.mu.Lock()
	d.batches = append(d.batches, s)
	d.mu.Unlock()
	return nil
}

func (d *DryRun) Ping(context.Context) error { return nil }

func (d *DryRun) Close() {}

// Features returns the stored record for targetID.
func (d *DryRun) Features(targetID string) (model.FeatureRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.features[targetID]
	return rec, ok
}

func (d *DryRun) Counts() (targets, features int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets), len(d.features)
}

func (d *DryRun) Batches() []BatchSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]BatchSummary(nil), d.batches...)
}
