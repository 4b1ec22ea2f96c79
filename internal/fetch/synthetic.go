package fetch

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"

	"xenoscan/internal/lightcurve"
)

// SyntheticSource fabricates deterministic light curves offline. The same
// target ID always yields the same segments and samples.
type SyntheticSource struct {
	// PointsPerSegment defaults to 480 (ten days at 30 minute cadence).
	PointsPerSegment int
	// MaxSegments caps the per-target segment count; defaults to 4.
	MaxSegments int
	// Missing lists target IDs that report ErrNotFound.
	Missing map[string]bool
}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{PointsPerSegment: 480, MaxSegments: 4}
}

func (s *SyntheticSource) Search(ctx context.Context, targetID string, _ Query) ([]SegmentRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(targetID)
	if id == "" || s.Missing[id] {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	maxSeg := s.MaxSegments
	if maxSeg <= 0 {
		maxSeg = 4
	}
	n := 1 + int(seedFor(id)%uint64(maxSeg))
	out := make([]SegmentRef, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, SegmentRef{TargetID: id, ID: fmt.Sprintf("q%02d", i+1)})
	}
	return out, nil
}

func (s *SyntheticSource) Download(ctx context.Context, seg SegmentRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	points := s.PointsPerSegment
	if points <= 0 {
		points = 480
	}
	seed := seedFor(seg.TargetID)
	rng := rand.New(rand.NewSource(int64(seedFor(seg.TargetID + "/" + seg.ID))))

	var idx int
	if _, err := fmt.Sscanf(seg.ID, "q%d", &idx); err != nil || idx < 1 {
		idx = 1
	}
	const cadence = 1.0 / 48.0
	period := 0.5 + float64(seed%1000)/100.0
	amp := 0.001 + float64(seed%97)/10000.0
	depth := 0.0
	if seed%3 == 0 {
		depth = 0.005
	}
	base := 1000.0 + float64(seed%5000)
	t0 := float64(idx-1) * float64(points) * cadence

	series := lightcurve.Series{Time: make([]float64, points), Flux: make([]float64, points)}
	for i := 0; i < points; i++ {
		t := t0 + float64(i)*cadence
		f := 1 + amp*math.Sin(2*math.Pi*t/period) + rng.NormFloat64()*0.0005
		if depth > 0 && math.Mod(t, period*3) < 0.1 {
			f -= depth
		}
		series.Time[i] = t
		series.Flux[i] = base * f
	}
	return lightcurve.Encode(series), nil
}

func seedFor(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

var _ Source = (*SyntheticSource)(nil)
