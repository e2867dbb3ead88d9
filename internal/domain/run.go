package domain

import "time"

// Execution is one remote workflow run as reported by the CI provider
type Execution struct {
	ID           int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Status       string
	Conclusion   string
	Branch       string
	Event        string
	DisplayTitle string
	URL          string
}

// RunRecord tracks a dispatched execution that has been correlated.
// Only the poller mutates Status and Conclusion.
type RunRecord struct {
	ExecutionID   int64
	DispatchedAt  time.Time
	Branch        string
	Status        RunStatus
	Conclusion    Conclusion
	RawConclusion string
	LinkedTestID  TestID
	IsBulk        bool
	TestIDs       []TestID
	Title         string
	URL           string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the run reached its final state
func (r *RunRecord) Terminal() bool {
	return r.Status == RunCompleted
}

// Apply copies the authoritative remote state onto the record
func (r *RunRecord) Apply(e Execution) {
	r.Status = ParseRunStatus(e.Status)
	r.RawConclusion = e.Conclusion
	r.Conclusion = ParseConclusion(e.Conclusion)
	if e.URL != "" {
		r.URL = e.URL
	}
	if !e.CreatedAt.IsZero() {
		r.CreatedAt = e.CreatedAt
	}
	r.UpdatedAt = e.UpdatedAt
}

// Clone returns a copy safe to hand to readers
func (r *RunRecord) Clone() *RunRecord {
	c := *r
	if r.TestIDs != nil {
		c.TestIDs = append([]TestID(nil), r.TestIDs...)
	}
	return &c
}

// Label is the operator-facing status text
func (r *RunRecord) Label() string {
	switch r.Status {
	case RunQueued:
		return "queued"
	case RunInProgress:
		return "in progress"
	case RunCompleted:
		if r.RawConclusion != "" {
			return r.RawConclusion
		}
		return "completed"
	}
	return string(r.Status)
}

// Class groups the status into queued, running, success or failure
func (r *RunRecord) Class() string {
	switch {
	case r.Status == RunQueued:
		return "queued"
	case r.Status == RunInProgress:
		return "running"
	case r.Conclusion == ConclusionSuccess:
		return "success"
	default:
		return "failure"
	}
}

// PendingDispatch exists between "dispatch sent" and "execution found or
// search exhausted".
type PendingDispatch struct {
	Key               string
	DispatchedAt      time.Time
	Branch            string
	TitleHint         string
	AttemptsRemaining int
	Background        bool
	TestID            TestID
	IsBulk            bool
}
