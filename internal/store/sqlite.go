package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"xenoscan/internal/model"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS targets (
		target_id TEXT PRIMARY KEY,
		mission TEXT NOT NULL,
		n_points INTEGER NOT NULL,
		duration_days REAL NOT NULL,
		segments INTEGER NOT NULL,
		features_extracted INTEGER NOT NULL DEFAULT 0,
		extracted_at DATETIME,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS features (
		target_id TEXT PRIMARY KEY,
		features TEXT NOT NULL,
		validity TEXT NOT NULL,
		n_features_valid INTEGER NOT NULL,
		n_features_total INTEGER NOT NULL,
		extraction_seconds REAL NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processing_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		processed INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		mean_download_seconds REAL NOT NULL,
		mean_extraction_seconds REAL NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	)`,
}

// SQLite is the single-file backend for local runs.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite upload driver needs a database path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one writer avoids "database is locked" under concurrent pipelines
	db.SetMaxOpenConns(1)
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create sqlite schema: %w", err)
		}
	}
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) UpsertTarget(ctx context.Context, meta TargetMeta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets (target_id, mission, n_points, duration_days, segments, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_id) DO UPDATE SET
			mission = excluded.mission,
			n_points = excluded.n_points,
			duration_days = excluded.duration_days,
			segments = excluded.segments,
			updated_at = excluded.updated_at`,
		meta.TargetID, meta.Mission, meta.NPoints, meta.DurationDays, meta.Segments, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert target %s: %w", meta.TargetID, err)
	}
	return nil
}

func (s *SQLite) UpsertFeatures(ctx context.Context, rec model.FeatureRecord) error {
	row, err := encodeFeatures(rec)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert features %s: %w", rec.TargetID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO features (target_id, features, validity, n_features_valid, n_features_total, extraction_seconds, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_id) DO UPDATE SET
			features = excluded.features,
			validity = excluded.validity,
			n_features_valid = excluded.n_features_valid,
			n_features_total = excluded.n_features_total,
			extraction_seconds = excluded.extraction_seconds,
			updated_at = excluded.updated_at`,
		rec.TargetID, string(row.features), string(row.validity), row.nValid, row.nTotal, row.extractSecs, now,
	); err != nil {
		return fmt.Errorf("upsert features %s: %w", rec.TargetID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE targets SET features_extracted = 1, extracted_at = ? WHERE target_id = ?`,
		now, rec.TargetID,
	); err != nil {
		return fmt.Errorf("mark target %s extracted: %w", rec.TargetID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert features %s: %w", rec.TargetID, err)
	}
	return nil
}

func (s *SQLite) LogBatch(ctx context.Context, b BatchSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_log (run_id, processed, succeeded, failed, mean_download_seconds, mean_extraction_seconds, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.RunID, b.Processed, b.Succeeded, b.Failed, b.MeanDownloadSeconds, b.MeanExtractSeconds, b.StartedAt.UTC(), b.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write processing log for run %s: %w", b.RunID, err)
	}
	return nil
}

func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("close sqlite", "error", err)
	}
}
