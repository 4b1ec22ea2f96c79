package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"xenoscan/internal/model"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS targets (
		target_id TEXT PRIMARY KEY,
		mission TEXT NOT NULL,
		n_points INTEGER NOT NULL,
		duration_days DOUBLE PRECISION NOT NULL,
		segments INTEGER NOT NULL,
		features_extracted BOOLEAN NOT NULL DEFAULT FALSE,
		extracted_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS features (
		target_id TEXT PRIMARY KEY,
		features JSONB NOT NULL,
		validity JSONB NOT NULL,
		n_features_valid INTEGER NOT NULL,
		n_features_total INTEGER NOT NULL,
		extraction_seconds DOUBLE PRECISION NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processing_log (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		processed INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		mean_download_seconds DOUBLE PRECISION NOT NULL,
		mean_extraction_seconds DOUBLE PRECISION NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL
	)`,
}

type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func OpenPostgres(ctx context.Context, dsn string, maxConns int, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pg := &Postgres{pool: pool, logger: logger}
	if err := pg.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pg, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create postgres schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) UpsertTarget(ctx context.Context, meta TargetMeta) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO targets (target_id, mission, n_points, duration_days, segments, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (target_id) DO UPDATE SET
			mission = EXCLUDED.mission,
			n_points = EXCLUDED.n_points,
			duration_days = EXCLUDED.duration_days,
			segments = EXCLUDED.segments,
			updated_at = EXCLUDED.updated_at`,
		meta.TargetID, meta.Mission, meta.NPoints, meta.DurationDays, meta.Segments, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert target %s: %w", meta.TargetID, err)
	}
	return nil
}

// UpsertFeatures writes the feature row and flags the target as extracted
// in one batch round trip.
func (p *Postgres) UpsertFeatures(ctx context.Context, rec model.FeatureRecord) error {
	row, err := encodeFeatures(rec)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	b := &pgx.Batch{}
	b.Queue(
		`INSERT INTO features (target_id, features, validity, n_features_valid, n_features_total, extraction_seconds, updated_at)
		VALUES ($1,$2::jsonb,$3::jsonb,$4,$5,$6,$7)
		ON CONFLICT (target_id) DO UPDATE SET
			features = EXCLUDED.features,
			validity = EXCLUDED.validity,
			n_features_valid = EXCLUDED.n_features_valid,
			n_features_total = EXCLUDED.n_features_total,
			extraction_seconds = EXCLUDED.extraction_seconds,
			updated_at = EXCLUDED.updated_at`,
		rec.TargetID, string(row.features), string(row.validity), row.nValid, row.nTotal, row.extractSecs, now,
	)
	b.Queue(
		`UPDATE targets SET features_extracted = TRUE, extracted_at = $2 WHERE target_id = $1`,
		rec.TargetID, now,
	)

	br := p.pool.SendBatch(ctx, b)
	for k := 0; k < b.Len(); k++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("upsert features %s: %w", rec.TargetID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("upsert features %s: %w", rec.TargetID, err)
	}
	return nil
}

func (p *Postgres) LogBatch(ctx context.Context, s BatchSummary) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO processing_log (run_id, processed, succeeded, failed, mean_download_seconds, mean_extraction_seconds, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.RunID, s.Processed, s.Succeeded, s.Failed, s.MeanDownloadSeconds, s.MeanExtractSeconds, s.StartedAt.UTC(), s.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write processing log for run %s: %w", s.RunID, err)
	}
	return nil
}

func (p *Postgres) Close() { p.pool.Close() }
