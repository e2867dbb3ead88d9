// Package correlator finds the workflow run that a dispatch created.
//
// The dispatch endpoint returns no run id, so the match is a best-effort
// heuristic over a time window, the trigger kind, the branch and an optional
// display-title hint.
package correlator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/hochfrequenz/testrun-launcher/internal/domain"
	"github.com/hochfrequenz/testrun-launcher/internal/ghactions"
)

var (
	// ErrNotFound means the attempt budget ran out without a match
	ErrNotFound = errors.New("no matching workflow run found")
	// ErrStopped means the caller withdrew the search between attempts
	ErrStopped = errors.New("run discovery stopped")
)

// Lister lists recent runs of a workflow
type Lister interface {
	ListRuns(ctx context.Context, workflow string, f ghactions.ListFilter) ([]domain.Execution, error)
}

// Options configures a Correlator
type Options struct {
	Workflow string
	Interval time.Duration
	// ClockSkew is how far before the dispatch time a run may have been
	// created and still count as a match
	ClockSkew time.Duration
	PerPage   int
	Logger    pslog.Logger
}

// Correlator repeatedly lists runs until one matches a dispatch
type Correlator struct {
	lister Lister
	opts   Options
	log    pslog.Logger
}

// New creates a Correlator
func New(lister Lister, opts Options) *Correlator {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.PerPage <= 0 {
		opts.PerPage = 30
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Correlator{lister: lister, opts: opts, log: logger}
}

// Query describes one dispatch to correlate
type Query struct {
	DispatchedAt time.Time
	Branch       string
	TitleHint    string
	// Exclude skips runs already claimed by another dispatch
	Exclude func(id int64) bool
	// Continue is consulted before every attempt; false ends the search
	// with ErrStopped. remaining counts the current attempt.
	Continue func(remaining int) bool
}

// Locate waits one interval before each attempt and returns the best match.
// A failed listing is logged and uses up its attempt.
func (c *Correlator) Locate(ctx context.Context, q Query, attempts int) (domain.Execution, error) {
	log := c.log.With("branch", q.Branch, "hint", q.TitleHint)
	timer := time.NewTimer(c.opts.Interval)
	defer timer.Stop()

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return domain.Execution{}, ctx.Err()
		case <-timer.C:
		}
		if q.Continue != nil && !q.Continue(attempts-i) {
			return domain.Execution{}, ErrStopped
		}

		runs, err := c.lister.ListRuns(ctx, c.opts.Workflow, ghactions.ListFilter{
			Event:        ghactions.EventWorkflowDispatch,
			Branch:       q.Branch,
			PerPage:      c.opts.PerPage,
			CreatedAfter: q.DispatchedAt.Add(-c.opts.ClockSkew),
		})
		if err != nil {
			if ctx.Err() != nil {
				return domain.Execution{}, ctx.Err()
			}
			log.Warn("list runs failed", "attempt", i+1, "err", err)
		} else if run, ok := Select(runs, q, c.opts.ClockSkew); ok {
			log.Info("run correlated", "run", run.ID, "attempt", i+1)
			return run, nil
		}

		timer.Reset(c.opts.Interval)
	}
	log.Info("run not found", "attempts", attempts)
	return domain.Execution{}, ErrNotFound
}

// Select picks the run matching q from candidates. It is deterministic:
// runs created before DispatchedAt-skew, from another trigger or branch,
// or excluded are dropped; runs whose display title contains the hint win
// over the rest when any exists; the newest creation time wins, then the
// highest id.
func Select(candidates []domain.Execution, q Query, skew time.Duration) (domain.Execution, bool) {
	earliest := q.DispatchedAt.Add(-skew)
	hint := strings.ToLower(strings.TrimSpace(q.TitleHint))

	var matched, hinted []domain.Execution
	for _, r := range candidates {
		if r.Event != ghactions.EventWorkflowDispatch || r.Branch != q.Branch {
			continue
		}
		if r.CreatedAt.Before(earliest) {
			continue
		}
		if q.Exclude != nil && q.Exclude(r.ID) {
			continue
		}
		matched = append(matched, r)
		if hint != "" && strings.Contains(strings.ToLower(r.DisplayTitle), hint) {
			hinted = append(hinted, r)
		}
	}

	pool := matched
	if len(hinted) > 0 {
		pool = hinted
	}
	if len(pool) == 0 {
		return domain.Execution{}, false
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if !pool[i].CreatedAt.Equal(pool[j].CreatedAt) {
			return pool[i].CreatedAt.After(pool[j].CreatedAt)
		}
		return pool[i].ID > pool[j].ID
	})
	return pool[0], true
}
