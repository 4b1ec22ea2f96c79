// Package lightcurve holds the raw time series exchanged between the fetch
// and extraction stages.
package lightcurve

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

const header = "time,flux"

var (
	ErrEmpty     = errors.New("light curve has no samples")
	ErrTruncated = errors.New("light curve data is truncated")
)

// FormatError reports a malformed row.
type FormatError struct {
	Line int
	Msg  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("light curve line %d: %s", e.Line, e.Msg)
}

// Series is a time-ordered flux measurement. Time is in days.
type Series struct {
	Time []float64
	Flux []float64
}

func (s Series) Len() int { return len(s.Time) }

// SpanDays is the distance between the first and last sample.
func (s Series) SpanDays() float64 {
	if len(s.Time) < 2 {
		return 0
	}
	lo, hi := s.Time[0], s.Time[0]
	for _, t := range s.Time[1:] {
		lo = math.Min(lo, t)
		hi = math.Max(hi, t)
	}
	return hi - lo
}

// Parse decodes a "time,flux" CSV document. Input that does not end with a
// newline is treated as truncated.
func Parse(data []byte) (Series, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Series{}, ErrEmpty
	}
	if data[len(data)-1] != '\n' {
		return Series{}, ErrTruncated
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = 2
	r.Comment = '#'
	r.ReuseRecord = true

	var s Series
	line := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return Series{}, &FormatError{Line: pe.Line, Msg: pe.Err.Error()}
			}
			return Series{}, fmt.Errorf("read light curve: %w", err)
		}
		if line == 1 {
			if strings.ToLower(strings.TrimSpace(rec[0])+","+strings.TrimSpace(rec[1])) != header {
				return Series{}, &FormatError{Line: 1, Msg: fmt.Sprintf("unexpected header %q", strings.Join(rec, ","))}
			}
			continue
		}
		t, err := parseFloat(rec[0])
		if err != nil {
			return Series{}, &FormatError{Line: line, Msg: "time: " + err.Error()}
		}
		f, err := parseFloat(rec[1])
		if err != nil {
			return Series{}, &FormatError{Line: line, Msg: "flux: " + err.Error()}
		}
		s.Time = append(s.Time, t)
		s.Flux = append(s.Flux, f)
	}
	if line == 0 {
		return Series{}, ErrEmpty
	}
	return s, nil
}

// parseFloat accepts empty cells and "nan" as missing samples.
func parseFloat(v string) (float64, error) {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(v, 64)
}

func Encode(s Series) []byte {
	var b bytes.Buffer
	b.Grow(len(s.Time)*24 + len(header) + 1)
	b.WriteString(header)
	b.WriteByte('\n')
	for i := range s.Time {
		b.WriteString(strconv.FormatFloat(s.Time[i], 'g', -1, 64))
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(s.Flux[i], 'g', -1, 64))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// Join stitches segments into one series ordered by time.
func Join(parts ...Series) Series {
	n := 0
	for _, p := range parts {
		n += p.Len()
	}
	idx := make([]int, 0, n)
	out := Series{Time: make([]float64, 0, n), Flux: make([]float64, 0, n)}
	for _, p := range parts {
		out.Time = append(out.Time, p.Time...)
		out.Flux = append(out.Flux, p.Flux...)
	}
	for i := range out.Time {
		idx = append(idx, i)
	}
	sort.SliceStable(idx, func(a, b int) bool { return out.Time[idx[a]] < out.Time[idx[b]] })
	sorted := Series{Time: make([]float64, n), Flux: make([]float64, n)}
	for i, j := range idx {
		sorted.Time[i] = out.Time[j]
		sorted.Flux[i] = out.Flux[j]
	}
	return sorted
}

// SplitAtGaps cuts s wherever consecutive samples are more than
// multiplier times the median cadence apart. Pieces shorter than minPoints
// are dropped. s must be sorted by time.
func SplitAtGaps(s Series, multiplier float64, minPoints int) []Series {
	n := s.Len()
	if n < 2 {
		return nil
	}
	diffs := make([]float64, n-1)
	for i := 1; i < n; i++ {
		diffs[i-1] = s.Time[i] - s.Time[i-1]
	}
	limit := multiplier * Median(diffs)

	var out []Series
	start := 0
	for i := 1; i <= n; i++ {
		if i < n && diffs[i-1] <= limit {
			continue
		}
		if i-start >= minPoints {
			out = append(out, Series{Time: s.Time[start:i], Flux: s.Flux[start:i]})
		}
		start = i
	}
	return out
}

func ReadFile(path string) (Series, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Series{}, fmt.Errorf("read light curve %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return Series{}, fmt.Errorf("parse light curve %s: %w", path, err)
	}
	return s, nil
}

// Normalize drops non-finite samples and divides flux by its median.
func Normalize(s Series) (Series, error) {
	out := Series{Time: make([]float64, 0, s.Len()), Flux: make([]float64, 0, s.Len())}
	for i := range s.Time {
		t, f := s.Time[i], s.Flux[i]
		if math.IsNaN(t) || math.IsInf(t, 0) || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		out.Time = append(out.Time, t)
		out.Flux = append(out.Flux, f)
	}
	if out.Len() == 0 {
		return Series{}, ErrEmpty
	}
	med := Median(out.Flux)
	if med <= 0 {
		return Series{}, fmt.Errorf("cannot normalize light curve: median flux %g is not positive", med)
	}
	for i := range out.Flux {
		out.Flux[i] /= med
	}
	return out, nil
}

// Median returns the median of v without modifying it.
func Median(v []float64) float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	c := append([]float64(nil), v...)
	sort.Float64s(c)
	mid := len(c) / 2
	if len(c)%2 == 1 {
		return c[mid]
	}
	return (c[mid-1] + c[mid]) / 2
}
