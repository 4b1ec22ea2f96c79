package features

import (
	"fmt"
	"math"
	"time"

	"xenoscan/internal/lightcurve"
	"xenoscan/internal/model"
)

// Params tunes extraction.
type Params struct {
	Mission string
	// MinPoints is the smallest series any group will look at.
	MinPoints int
}

func DefaultParams() Params {
	return Params{Mission: "Kepler", MinPoints: 10}
}

// Result is one feature's outcome. Valid=false means the feature is absent.
type Result struct {
	Value float64
	Valid bool
}

func ok(v float64) Result { return Result{Value: v, Valid: true} }

type groupFunc func(s lightcurve.Series, p Params) map[string]Result

// computers maps group names to implementations. Groups without one are
// reported invalid by this extractor.
var computers = map[string]groupFunc{
	"statistical": statistical,
	"temporal":    temporal,
	"shape":       shape,
}

// GroupError records a group that failed as a whole.
type GroupError struct {
	Group string
	Err   error
}

func (e GroupError) Error() string { return e.Group + ": " + e.Err.Error() }

// Extract computes the feature record for an already normalized series. Each
// group fails on its own: a panic or guard in one group leaves every other
// group's values untouched.
func Extract(targetID string, s lightcurve.Series, p Params) (model.FeatureRecord, []GroupError) {
	start := time.Now()
	if p.MinPoints <= 0 {
		p.MinPoints = DefaultParams().MinPoints
	}
	rec := NullRecord(targetID)
	var errs []GroupError
	for _, g := range groups {
		fn, found := computers[g.Name]
		if !found {
			continue
		}
		results, err := runGroup(fn, s, p)
		if err != nil {
			errs = append(errs, GroupError{Group: g.Name, Err: err})
			continue
		}
		for _, name := range g.Names {
			r := results[name]
			if r.Valid && isFinite(r.Value) {
				v := r.Value
				rec.Features[name] = &v
				rec.Validity[name] = true
			}
		}
	}
	rec.ExtractionElapsed = time.Since(start)
	return rec, errs
}

func runGroup(fn groupFunc, s lightcurve.Series, p Params) (out map[string]Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if s.Len() < p.MinPoints {
		return nil, fmt.Errorf("need at least %d points, have %d", p.MinPoints, s.Len())
	}
	return fn(s, p), nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
