package selection

import "github.com/hochfrequenz/testrun-launcher/internal/domain"

// Summary is the aggregate status of the selected tests
type Summary struct {
	Selected int `json:"selected"`
	NoRun    int `json:"no_run"`
	Running  int `json:"running"`
	Success  int `json:"success"`
	Failure  int `json:"failure"`
}

// LatestRunFunc returns the newest single-test run for a test, or nil
type LatestRunFunc func(domain.TestID) *domain.RunRecord

// Summary counts the selected tests by the state of their latest run.
// Completed runs with a conclusion other than success count as failures.
func (r *Registry) Summary(latest LatestRunFunc) Summary {
	ids := r.Selected()
	s := Summary{Selected: len(ids)}
	for _, id := range ids {
		var run *domain.RunRecord
		if latest != nil {
			run = latest(id)
		}
		switch {
		case run == nil:
			s.NoRun++
		case !run.Terminal():
			s.Running++
		case run.Conclusion == domain.ConclusionSuccess:
			s.Success++
		default:
			s.Failure++
		}
	}
	return s
}
