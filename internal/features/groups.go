package features

import (
	"math"
	"sort"

	"xenoscan/internal/lightcurve"
)

const madScale = 1.4826

func statistical(s lightcurve.Series, _ Params) map[string]Result {
	x := s.Flux
	mean, std := meanStd(x)
	sorted := sortedCopy(x)
	med := percentileSorted(sorted, 50)
	mad := medianAbsDev(x, med)

	out := map[string]Result{
		"stat_mean":          ok(mean),
		"stat_median":        ok(med),
		"stat_std":           ok(std),
		"stat_variance":      ok(std * std),
		"stat_mad":           ok(mad),
		"stat_range":         ok(sorted[len(sorted)-1] - sorted[0]),
		"stat_iqr":           ok(percentileSorted(sorted, 75) - percentileSorted(sorted, 25)),
		"stat_percentile_5":  ok(percentileSorted(sorted, 5)),
		"stat_percentile_95": ok(percentileSorted(sorted, 95)),
	}
	if std > 0 {
		var m3, m4 float64
		beyond := 0
		for _, v := range x {
			d := (v - mean) / std
			m3 += d * d * d
			m4 += d * d * d * d
			if math.Abs(v-mean) > std {
				beyond++
			}
		}
		n := float64(len(x))
		out["stat_skewness"] = ok(m3 / n)
		out["stat_kurtosis"] = ok(m4/n - 3)
		out["stat_beyond_1sigma"] = ok(float64(beyond) / n)
	}
	return out
}

// gapMultiplier is the gap threshold in units of the median cadence.
const gapMultiplier = 3.0

func temporal(s lightcurve.Series, _ Params) map[string]Result {
	n := s.Len()
	out := map[string]Result{
		"temp_duration_days": ok(s.SpanDays()),
		"temp_n_points":      ok(float64(n)),
	}

	diffs := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if d := s.Time[i] - s.Time[i-1]; d > 0 {
			diffs = append(diffs, d)
		}
	}
	if len(diffs) == 0 {
		return out
	}
	cadence := lightcurve.Median(diffs)
	_, cadStd := meanStd(diffs)
	out["temp_cadence_median"] = ok(cadence)
	out["temp_cadence_std"] = ok(cadStd)

	lags := map[string]struct {
		days      float64
		minPoints int
	}{
		"temp_autocorr_1hr":   {1.0 / 24.0, 50},
		"temp_autocorr_1day":  {1.0, 100},
		"temp_autocorr_1week": {7.0, 500},
	}
	for name, l := range lags {
		lag := int(math.Round(l.days / cadence))
		if lag < 1 {
			lag = 1
		}
		if r, valid := gapAwareAutocorr(s, lag, l.minPoints); valid {
			out[name] = ok(r)
		}
	}
	if h, valid := hurst(s.Flux); valid {
		out["temp_memory_coefficient"] = ok(h)
	}
	if r2, valid := linearR2(s.Time, s.Flux); valid {
		out["temp_trend_strength"] = ok(r2)
	}
	// temp_stationarity_pvalue needs a unit-root test and stays invalid here.
	return out
}

func shape(s lightcurve.Series, _ Params) map[string]Result {
	x := s.Flux
	sorted := sortedCopy(x)
	med := percentileSorted(sorted, 50)
	sigma := medianAbsDev(x, med) * madScale
	lo, hi := sorted[0], sorted[len(sorted)-1]

	out := map[string]Result{}
	if sigma > 0 {
		high, low := 0, 0
		for _, v := range x {
			switch {
			case v > med+3*sigma:
				high++
			case v < med-3*sigma:
				low++
			}
		}
		out["shape_n_high_excursions"] = ok(float64(high))
		out["shape_n_low_excursions"] = ok(float64(low))
		out["shape_max_excursion_up"] = ok((hi - med) / sigma)
		out["shape_max_excursion_down"] = ok((med - lo) / sigma)
	}
	if hi > lo {
		out["shape_asymmetry"] = ok(((hi - med) - (med - lo)) / (hi - lo))
	}

	up, down, runUp, runDown := 0, 0, 0, 0
	crossings := 0
	for i := 1; i < len(x); i++ {
		switch {
		case x[i] > x[i-1]:
			runUp++
			runDown = 0
		case x[i] < x[i-1]:
			runDown++
			runUp = 0
		default:
			runUp, runDown = 0, 0
		}
		up = max(up, runUp)
		down = max(down, runDown)
		if (x[i-1]-med)*(x[i]-med) < 0 {
			crossings++
		}
	}
	out["shape_max_consecutive_up"] = ok(float64(up))
	out["shape_max_consecutive_down"] = ok(float64(down))
	out["shape_crossing_rate"] = ok(float64(crossings) / float64(len(x)-1))
	return out
}

func meanStd(x []float64) (float64, float64) {
	if len(x) == 0 {
		return math.NaN(), math.NaN()
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	mean := sum / float64(len(x))
	var ss float64
	for _, v := range x {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(x)))
}

func sortedCopy(x []float64) []float64 {
	c := append([]float64(nil), x...)
	sort.Float64s(c)
	return c
}

// percentileSorted interpolates linearly between closest ranks.
func percentileSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func medianAbsDev(x []float64, med float64) float64 {
	dev := make([]float64, len(x))
	for i, v := range x {
		dev[i] = math.Abs(v - med)
	}
	return lightcurve.Median(dev)
}

func autocorr(x []float64, lag int) (float64, bool) {
	n := len(x)
	if lag >= n-1 {
		return 0, false
	}
	mean, std := meanStd(x)
	if std == 0 {
		return 0, false
	}
	var num float64
	for i := 0; i+lag < n; i++ {
		num += (x[i] - mean) * (x[i+lag] - mean)
	}
	return num / (float64(n) * std * std), true
}

// gapAwareAutocorr averages autocorr over the gap-free pieces of s,
// weighted by piece length, so that gap edges do not dominate. With no
// usable piece it falls back to the whole series.
func gapAwareAutocorr(s lightcurve.Series, lag, minPoints int) (float64, bool) {
	pieces := lightcurve.SplitAtGaps(s, gapMultiplier, max(minPoints, lag+10))
	if len(pieces) == 0 {
		return autocorr(s.Flux, lag)
	}
	var sum, weight float64
	for _, p := range pieces {
		r, valid := autocorr(p.Flux, lag)
		if !valid {
			continue
		}
		w := float64(p.Len())
		sum += r * w
		weight += w
	}
	if weight == 0 {
		return 0, false
	}
	return sum / weight, true
}

// hurst estimates the Hurst exponent with rescaled range analysis.
func hurst(x []float64) (float64, bool) {
	var logN, logRS []float64
	for size := 8; size <= len(x)/2; size *= 2 {
		var total float64
		chunks := 0
		for start := 0; start+size <= len(x); start += size {
			chunk := x[start : start+size]
			mean, std := meanStd(chunk)
			if std == 0 {
				continue
			}
			var cum, lo, hi float64
			for _, v := range chunk {
				cum += v - mean
				lo = math.Min(lo, cum)
				hi = math.Max(hi, cum)
			}
			total += (hi - lo) / std
			chunks++
		}
		if chunks == 0 {
			continue
		}
		logN = append(logN, math.Log(float64(size)))
		logRS = append(logRS, math.Log(total/float64(chunks)))
	}
	if len(logN) < 2 {
		return 0, false
	}
	slope, _, valid := linearFit(logN, logRS)
	return slope, valid
}

func linearFit(x, y []float64) (slope, intercept float64, valid bool) {
	mx, _ := meanStd(x)
	my, _ := meanStd(y)
	var sxx, sxy float64
	for i := range x {
		sxx += (x[i] - mx) * (x[i] - mx)
		sxy += (x[i] - mx) * (y[i] - my)
	}
	if sxx == 0 {
		return 0, 0, false
	}
	slope = sxy / sxx
	return slope, my - slope*mx, true
}

// linearR2 is the share of variance explained by a straight-line trend.
func linearR2(t, y []float64) (float64, bool) {
	slope, intercept, valid := linearFit(t, y)
	if !valid {
		return 0, false
	}
	my, _ := meanStd(y)
	var ssRes, ssTot float64
	for i := range y {
		pred := slope*t[i] + intercept
		ssRes += (y[i] - pred) * (y[i] - pred)
		ssTot += (y[i] - my) * (y[i] - my)
	}
	if ssTot == 0 {
		return 0, false
	}
	return 1 - ssRes/ssTot, true
}
