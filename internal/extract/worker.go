package extract

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"xenoscan/internal/features"
	"xenoscan/internal/lightcurve"
)

// Document is the single JSON object a worker prints on stdout.
type Document struct {
	TargetID          string              `json:"target_id"`
	Features          map[string]*float64 `json:"features"`
	Validity          map[string]bool     `json:"validity"`
	ExtractionSeconds float64             `json:"extraction_seconds"`
	Error             string              `json:"error,omitempty"`
	GroupErrors       []string            `json:"group_errors,omitempty"`
}

type WorkerOptions struct {
	Input    string
	TargetID string
	Params   features.Params
}

// RunWorker is the body of the worker process. Extraction problems are
// reported inside the document; the returned error is reserved for failing
// to write it.
func RunWorker(opts WorkerOptions, stdout io.Writer) error {
	start := time.Now()
	rec := features.NullRecord(opts.TargetID)
	doc := Document{TargetID: opts.TargetID}

	series, err := lightcurve.ReadFile(opts.Input)
	if err == nil {
		series, err = lightcurve.Normalize(series)
	}
	if err != nil {
		doc.Error = err.Error()
	} else {
		var groupErrs []features.GroupError
		rec, groupErrs = features.Extract(opts.TargetID, series, opts.Params)
		for _, ge := range groupErrs {
			doc.GroupErrors = append(doc.GroupErrors, ge.Error())
		}
	}

	doc.Features = rec.Features
	doc.Validity = rec.Validity
	doc.ExtractionSeconds = time.Since(start).Seconds()

	enc := json.NewEncoder(stdout)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("write worker output: %w", err)
	}
	return nil
}
