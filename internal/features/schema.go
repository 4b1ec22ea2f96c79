// Package features defines the feature vector stored for every target and
// computes it from a normalized light curve.
package features

import (
	"sort"

	"xenoscan/internal/model"
)

// Group is a named set of features that succeed or fail together.
type Group struct {
	Name  string
	Names []string
}

var groups = []Group{
	{Name: "statistical", Names: []string{
		"stat_mean", "stat_median", "stat_std", "stat_variance", "stat_mad", "stat_range",
		"stat_iqr", "stat_skewness", "stat_kurtosis", "stat_percentile_5", "stat_percentile_95",
		"stat_beyond_1sigma",
	}},
	{Name: "temporal", Names: []string{
		"temp_duration_days", "temp_n_points", "temp_cadence_median", "temp_cadence_std",
		"temp_autocorr_1hr", "temp_autocorr_1day", "temp_autocorr_1week", "temp_memory_coefficient",
		"temp_trend_strength", "temp_stationarity_pvalue",
	}},
	{Name: "frequency", Names: []string{
		"freq_dominant_period", "freq_dominant_power", "freq_period_snr", "freq_n_significant_peaks",
		"freq_spectral_entropy", "freq_low_freq_power", "freq_high_freq_power", "freq_power_ratio",
		"freq_harmonic_count", "freq_quasi_periodic_score",
	}},
	{Name: "residual", Names: []string{
		"resid_after_detrend_std", "resid_after_detrend_autocorr", "resid_structure_score",
		"resid_power_ratio", "resid_entropy", "resid_run_test_pvalue", "resid_ljung_box_pvalue",
		"resid_complexity",
	}},
	{Name: "shape", Names: []string{
		"shape_n_high_excursions", "shape_n_low_excursions", "shape_max_excursion_up",
		"shape_max_excursion_down", "shape_asymmetry", "shape_max_consecutive_up",
		"shape_max_consecutive_down", "shape_crossing_rate",
	}},
	{Name: "transit", Names: []string{
		"transit_bls_power", "transit_bls_period", "transit_bls_depth", "transit_bls_duration",
		"transit_n_detected", "transit_depth_consistency", "transit_timing_consistency",
	}},
}

var schema = func() []string {
	var out []string
	for _, g := range groups {
		out = append(out, g.Names...)
	}
	return out
}()

// Groups returns the feature groups in schema order.
func Groups() []Group {
	out := make([]Group, len(groups))
	for i, g := range groups {
		out[i] = Group{Name: g.Name, Names: append([]string(nil), g.Names...)}
	}
	return out
}

// Names returns every feature name in schema order.
func Names() []string {
	return append([]string(nil), schema...)
}

func Count() int { return len(schema) }

// NullRecord is the record for a target whose extraction produced nothing:
// every schema key is present, null and invalid.
func NullRecord(targetID string) model.FeatureRecord {
	rec := model.FeatureRecord{
		TargetID: targetID,
		Features: make(map[string]*float64, len(schema)),
		Validity: make(map[string]bool, len(schema)),
	}
	for _, name := range schema {
		rec.Features[name] = nil
		rec.Validity[name] = false
	}
	return rec
}

// Complete forces rec onto the schema key set. Unknown keys are dropped,
// missing ones are added as invalid, and a value without a true validity
// flag (or a flag without a value) is nulled.
func Complete(rec model.FeatureRecord) model.FeatureRecord {
	out := NullRecord(rec.TargetID)
	out.ExtractionElapsed = rec.ExtractionElapsed
	for _, name := range schema {
		v := rec.Features[name]
		if v != nil && rec.Validity[name] && isFinite(*v) {
			val := *v
			out.Features[name] = &val
			out.Validity[name] = true
		}
	}
	return out
}

// Unknown lists keys of rec that are not part of the schema.
func Unknown(rec model.FeatureRecord) []string {
	known := make(map[string]struct{}, len(schema))
	for _, n := range schema {
		known[n] = struct{}{}
	}
	var out []string
	for k := range rec.Features {
		if _, ok := known[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
