package models

import "time"

// State is a stage of a single extract-load run.
type State string

// Run states. Done and Failed are terminal.
const (
	StateIdle               State = "idle"
	StateWaitingSource      State = "waiting_source"
	StateWaitingDestination State = "waiting_destination"
	StateExtracting         State = "extracting"
	StateLoading            State = "loading"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// PipelineResult holds the outcome of one run.
type PipelineResult struct {
	RunID       string
	State       State
	FailedStage State // stage that was active when the run failed
	Artifact    *DumpArtifact
	StartTime   time.Time
	Duration    time.Duration
	Error       error
}
