package pipeline

import (
	"fmt"
	"math"
	"time"

	"xenoscan/internal/model"
)

// Progress is a snapshot of a running batch.
type Progress struct {
	Total     int
	Completed int
	Succeeded int
	Failed    int
	InFlight  int
	Elapsed   time.Duration
	// Rate is completed targets per second.
	Rate        float64
	ETA         time.Duration
	RateLimiter model.RateLimiterState
	Last        model.PipelineOutcome
}

func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return 100 * float64(p.Completed) / float64(p.Total)
}

func (p Progress) SuccessPercent() float64 {
	if p.Completed == 0 {
		return 0
	}
	return 100 * float64(p.Succeeded) / float64(p.Completed)
}

func (p Progress) String() string {
	eta := FormatETA(p.ETA.Seconds())
	if eta == "" {
		eta = "-"
	}
	return fmt.Sprintf("Progress: %d/%d (%.1f%%) | Success: %d/%d (%.1f%%) | Speed: %.2f tgt/s | Elapsed: %s | ETA: %s",
		p.Completed, p.Total, p.Percent(),
		p.Succeeded, p.Completed, p.SuccessPercent(),
		p.Rate, p.Elapsed.Round(time.Second), eta)
}

// FormatETA renders a coarse remaining time such as "<1m", "42m", "3h 5m"
// or "2d 4h". Non-positive input yields "".
func FormatETA(seconds float64) string {
	if seconds <= 0 || math.IsInf(seconds, 0) || math.IsNaN(seconds) {
		return ""
	}
	secs := int64(math.Round(seconds))
	if secs < 60 {
		return "<1m"
	}
	minutes := secs / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	remMinutes := minutes % 60
	if hours < 24 {
		if remMinutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh %dm", hours, remMinutes)
	}
	days := hours / 24
	remHours := hours % 24
	if remHours == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd %dh", days, remHours)
}
