package domain

import "strings"

// RunStatus represents the lifecycle state of a remote workflow run
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
)

// ParseRunStatus maps a remote status string onto the three tracked states.
// GitHub reports several pre-start states (requested, waiting, pending) which
// are all treated as queued.
func ParseRunStatus(s string) RunStatus {
	switch strings.ToLower(s) {
	case "completed":
		return RunCompleted
	case "in_progress":
		return RunInProgress
	default:
		return RunQueued
	}
}

// Conclusion is the outcome of a completed run
type Conclusion string

const (
	ConclusionNone    Conclusion = ""
	ConclusionSuccess Conclusion = "success"
	ConclusionFailure Conclusion = "failure"
	ConclusionOther   Conclusion = "other"
)

// ParseConclusion folds the remote conclusion into success, failure or other
func ParseConclusion(s string) Conclusion {
	switch strings.ToLower(s) {
	case "":
		return ConclusionNone
	case "success":
		return ConclusionSuccess
	case "failure", "timed_out", "startup_failure":
		return ConclusionFailure
	default:
		return ConclusionOther
	}
}
