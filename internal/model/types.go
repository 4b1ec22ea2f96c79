package model

import "time"

const SchemaVersion = 1

// FetchResult is the outcome of acquiring one target's raw dataset.
type FetchResult struct {
	TargetID         string        `json:"target_id"`
	Success          bool          `json:"success"`
	DatasetPath      string        `json:"dataset_path,omitempty"`
	NPoints          int           `json:"n_points,omitempty"`
	SpanDays         float64       `json:"span_days,omitempty"`
	SegmentsObtained int           `json:"segments_obtained"`
	SegmentsTotal    int           `json:"segments_total"`
	Attempts         int           `json:"attempts"`
	Error            string        `json:"error,omitempty"`
	NotFound         bool          `json:"not_found,omitempty"`
	Elapsed          time.Duration `json:"elapsed"`
}

// FeatureRecord carries one value/validity pair per schema feature. Features
// and Validity always share the same key set.
type FeatureRecord struct {
	TargetID          string              `json:"target_id"`
	Features          map[string]*float64 `json:"features"`
	Validity          map[string]bool     `json:"validity"`
	ExtractionElapsed time.Duration       `json:"extraction_elapsed"`
}

func (r FeatureRecord) ValidCount() int {
	n := 0
	for _, ok := range r.Validity {
		if ok {
			n++
		}
	}
	return n
}

// PipelineOutcome is emitted exactly once per target per run.
type PipelineOutcome struct {
	TargetID          string        `json:"target_id"`
	Success           bool          `json:"success"`
	Stage             Stage         `json:"stage"`
	FailedStage       Stage         `json:"failed_stage,omitempty"`
	DownloadElapsed   time.Duration `json:"download_elapsed"`
	ExtractionElapsed time.Duration `json:"extraction_elapsed"`
	UploadElapsed     time.Duration `json:"upload_elapsed"`
	CleanupElapsed    time.Duration `json:"cleanup_elapsed"`
	TotalElapsed      time.Duration `json:"total_elapsed"`
	Error             string        `json:"error,omitempty"`
	NotFound          bool          `json:"not_found,omitempty"`
	ExtractionFailed  bool          `json:"extraction_failed,omitempty"`
	NPoints           int           `json:"n_points"`
	FeaturesValid     int           `json:"features_valid"`
	FeaturesTotal     int           `json:"features_total"`
	LocalFileDeleted  bool          `json:"local_file_deleted"`
	CompletedAt       string        `json:"completed_at"`
}

// RateLimiterState is the persisted snapshot of the adaptive rate controller.
type RateLimiterState struct {
	IsThrottled          bool    `json:"is_throttled"`
	BackoffSeconds       float64 `json:"backoff_seconds"`
	ThrottleCount        int     `json:"throttle_count"`
	ConsecutiveSuccesses int     `json:"consecutive_successes"`
}
