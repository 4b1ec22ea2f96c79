package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"xenoscan/internal/model"
	"xenoscan/internal/pipeline"
)

// Summary renders the end-of-run report. Failures are grouped by stage.
func Summary(res pipeline.RunResult, minSuccessRate float64) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("xenoscan run "+res.RunID) + "\n")
	fmt.Fprintf(&b, "targets:   %d (%d already complete)\n", res.Total, res.Skipped)
	fmt.Fprintf(&b, "processed: %d in %s\n", res.Processed, res.Elapsed.Round(time.Second))
	fmt.Fprintf(&b, "succeeded: %d\n", res.Succeeded)
	fmt.Fprintf(&b, "failed:    %d\n", res.Failed)

	byStage := map[model.Stage][]string{}
	extractionFailed := 0
	for _, o := range res.Outcomes {
		if o.ExtractionFailed {
			extractionFailed++
		}
		if !o.Success {
			byStage[o.FailedStage] = append(byStage[o.FailedStage], o.TargetID)
		}
	}
	if extractionFailed > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf("uploaded without features: %d", extractionFailed)) + "\n")
	}
	stages := make([]string, 0, len(byStage))
	for s := range byStage {
		stages = append(stages, string(s))
	}
	sort.Strings(stages)
	for _, s := range stages {
		ids := byStage[model.Stage(s)]
		shown := ids
		if len(shown) > 5 {
			shown = shown[:5]
		}
		line := fmt.Sprintf("  failed(%s): %d  %s", s, len(ids), strings.Join(shown, ", "))
		if len(ids) > len(shown) {
			line += fmt.Sprintf(" (+%d more)", len(ids)-len(shown))
		}
		b.WriteString(mutedStyle.Render(line) + "\n")
	}

	if res.Checkpoint != nil {
		fmt.Fprintf(&b, "checkpoint: %d completed\n", len(res.Checkpoint.CompletedTargetIDs))
	}
	if res.ReportPath != "" {
		fmt.Fprintf(&b, "report:    %s\n", res.ReportPath)
	}

	rate := res.SuccessRate() * 100
	switch {
	case res.Cancelled:
		b.WriteString(errorStyle.Render(fmt.Sprintf("interrupted: success %.1f%% so far, rerun with --resume", rate)))
	case res.SuccessRate() >= minSuccessRate:
		b.WriteString(okStyle.Render(fmt.Sprintf("success rate %.1f%% (threshold %.0f%%)", rate, minSuccessRate*100)))
	default:
		b.WriteString(errorStyle.Render(fmt.Sprintf("success rate %.1f%% below threshold %.0f%%", rate, minSuccessRate*100)))
	}
	b.WriteString("\n")
	return b.String()
}
