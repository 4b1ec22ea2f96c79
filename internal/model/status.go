package model

import "fmt"

// Stage is the position of one target inside its pipeline.
type Stage string

const (
	StagePending    Stage = "pending"
	StageFetching   Stage = "fetching"
	StageExtracting Stage = "extracting"
	StageUploading  Stage = "uploading"
	StageCleaning   Stage = "cleaning"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// Failure labels recorded in PipelineOutcome.FailedStage.
const (
	FailedFetch    Stage = "fetch"
	FailedUpload   Stage = "upload"
	FailedPipeline Stage = "pipeline"
)

var allowedTransitions = map[Stage]map[Stage]bool{
	StagePending: {
		StageFetching: true,
		StageFailed:   true,
	},
	StageFetching: {
		StageExtracting: true,
		StageFailed:     true,
	},
	StageExtracting: {
		StageUploading: true,
		StageFailed:    true,
	},
	StageUploading: {
		StageCleaning: true,
		StageFailed:   true,
	},
	StageCleaning: {
		StageDone:   true,
		StageFailed: true,
	},
	StageDone:   {},
	StageFailed: {},
}

func IsTerminal(s Stage) bool {
	return s == StageDone || s == StageFailed
}

func CanTransition(from, to Stage) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Transition moves outcome to the next stage.
func Transition(outcome *PipelineOutcome, to Stage) error {
	from := outcome.Stage
	if from == "" {
		from = StagePending
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid stage transition: %q -> %q (target_id=%s)", from, to, outcome.TargetID)
	}
	outcome.Stage = to
	return nil
}

// Fail records a terminal failure at the given stage label.
func Fail(outcome *PipelineOutcome, where Stage, reason string) {
	outcome.Stage = StageFailed
	outcome.FailedStage = where
	outcome.Success = false
	outcome.Error = reason
}
