package pipeline

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"xenoscan/internal/checkpoint"
	"xenoscan/internal/model"
)

var reportHeader = []string{
	"target_id", "success", "stage", "failed_stage", "error", "not_found", "extraction_failed",
	"n_points", "features_valid", "features_total",
	"download_s", "extraction_s", "upload_s", "cleanup_s", "total_s",
	"local_file_deleted", "completed_at",
}

// WriteReport atomically writes one CSV row per outcome.
func WriteReport(path string, outcomes []model.PipelineOutcome) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(reportHeader); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	for _, o := range outcomes {
		row := []string{
			o.TargetID,
			strconv.FormatBool(o.Success),
			string(o.Stage),
			string(o.FailedStage),
			o.Error,
			strconv.FormatBool(o.NotFound),
			strconv.FormatBool(o.ExtractionFailed),
			strconv.Itoa(o.NPoints),
			strconv.Itoa(o.FeaturesValid),
			strconv.Itoa(o.FeaturesTotal),
			seconds(o.DownloadElapsed),
			seconds(o.ExtractionElapsed),
			seconds(o.UploadElapsed),
			seconds(o.CleanupElapsed),
			seconds(o.TotalElapsed),
			strconv.FormatBool(o.LocalFileDeleted),
			o.CompletedAt,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := checkpoint.WriteBytes(path, buf.Bytes()); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
