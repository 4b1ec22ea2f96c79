// Package store persists extraction results. Every backend upserts on
// target_id, so uploading the same target twice overwrites instead of
// duplicating.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"xenoscan/internal/model"
)

const (
	DriverDryRun   = "dryrun"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var ErrUnknownDriver = errors.New("unknown upload driver")

type Config struct {
	Driver   string
	DSN      string
	MaxConns int
}

// TargetMeta is the per-target row written before its features.
type TargetMeta struct {
	TargetID     string
	Mission      string
	NPoints      int
	DurationDays float64
	Segments     int
}

// BatchSummary is one processing-log row describing a finished run.
type BatchSummary struct {
	RunID               string
	Processed           int
	Succeeded           int
	Failed              int
	MeanDownloadSeconds float64
	MeanExtractSeconds  float64
	StartedAt           time.Time
	FinishedAt          time.Time
}

type Uploader interface {
	UpsertTarget(ctx context.Context, meta TargetMeta) error
	UpsertFeatures(ctx context.Context, rec model.FeatureRecord) error
	Close()
}

// BatchLogger is implemented by uploaders that keep a processing log.
type BatchLogger interface {
	LogBatch(ctx context.Context, s BatchSummary) error
}

// Pinger is implemented by uploaders that can verify their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

func KnownDriver(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DriverDryRun, DriverPostgres, DriverSQLite:
		return true
	}
	return false
}

// Open connects the configured backend and makes sure its tables exist.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Uploader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverDryRun:
		return NewDryRun(logger), nil
	case DriverPostgres:
		p, err := OpenPostgres(ctx, cfg.DSN, cfg.MaxConns, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverSQLite:
		s, err := OpenSQLite(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

type featureRow struct {
	features    []byte
	validity    []byte
	nValid      int
	nTotal      int
	extractSecs float64
}

func encodeFeatures(rec model.FeatureRecord) (featureRow, error) {
	f, err := json.Marshal(rec.Features)
	if err != nil {
		return featureRow{}, fmt.Errorf("encode features for %s: %w", rec.TargetID, err)
	}
	v, err := json.Marshal(rec.Validity)
	if err != nil {
		return featureRow{}, fmt.Errorf("encode validity for %s: %w", rec.TargetID, err)
	}
	return featureRow{
		features:    f,
		validity:    v,
		nValid:      rec.ValidCount(),
		nTotal:      len(rec.Validity),
		extractSecs: rec.ExtractionElapsed.Seconds(),
	}, nil
}
