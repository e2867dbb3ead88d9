package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/testrun-launcher/internal/correlator"
	"github.com/hochfrequenz/testrun-launcher/internal/domain"
	"github.com/hochfrequenz/testrun-launcher/internal/ghactions"
	"github.com/hochfrequenz/testrun-launcher/internal/notify"
	"github.com/hochfrequenz/testrun-launcher/internal/poller"
	"github.com/hochfrequenz/testrun-launcher/internal/timers"
)

// BulkLabelLayout formats the shared label of a bulk run
const BulkLabelLayout = "02.01.06 15:04:05"

var errClaimed = errors.New("run already claimed")

// Result is the foreground outcome of a dispatch. Run is nil while the
// search continues in the background.
type Result struct {
	Key       string            `json:"key"`
	Run       *domain.RunRecord `json:"run,omitempty"`
	Searching bool              `json:"searching"`
}

type outcome struct {
	result *Result
	err    error
}

// job is one dispatch and the search for its run
type job struct {
	pd       *domain.PendingDispatch
	workflow string
	req      ghactions.DispatchRequest
	title    string
	testIDs  []domain.TestID
}

// BulkLabel returns the run label for a bulk dispatch made at now
func (l *Launcher) BulkLabel() string {
	return "Bulk run " + l.opts.Now().Format(BulkLabelLayout)
}

// validateTarget requires l.mu
func (l *Launcher) validateTarget(workflow string) error {
	switch {
	case strings.TrimSpace(l.opts.Token) == "":
		return &ValidationError{Field: "token", Reason: "GitHub token is not configured"}
	case strings.TrimSpace(l.opts.Repo) == "":
		return &ValidationError{Field: "repo", Reason: "repository is not configured"}
	case strings.TrimSpace(workflow) == "":
		return &ValidationError{Field: "workflow", Reason: "workflow is not configured"}
	}
	return nil
}

// StartRun dispatches the workflow for one test and waits for the
// foreground search. If the run has not appeared by then, the search
// continues in the background and the Result has Searching set.
// Cancelling ctx only stops the wait.
func (l *Launcher) StartRun(ctx context.Context, id domain.TestID) (*Result, error) {
	l.ops.Lock()
	l.mu.Lock()
	t, ok := l.tests[id]
	var err error
	switch {
	case !ok:
		err = &ValidationError{Field: "test", Reason: fmt.Sprintf("unknown test %q", id)}
	case !t.Automatable():
		err = &ValidationError{Field: "test", Reason: fmt.Sprintf("test %q is not automated", t.Title)}
	default:
		err = l.validateTarget(l.opts.Workflow)
	}
	key := "test:" + string(id)
	if err == nil {
		if _, busy := l.pending[key]; busy {
			err = ErrDispatchPending
		}
	}
	if err != nil {
		l.mu.Unlock()
		l.ops.Unlock()
		return nil, err
	}

	pd := &domain.PendingDispatch{
		Key:               key,
		DispatchedAt:      l.opts.Now(),
		Branch:            l.opts.Branch,
		TitleHint:         t.Title,
		AttemptsRemaining: l.opts.ForegroundAttempts,
		TestID:            id,
	}
	l.pending[key] = pd
	l.gaugesLocked()
	l.mu.Unlock()

	j := &job{
		pd:       pd,
		workflow: l.opts.Workflow,
		title:    t.Title,
		req: ghactions.DispatchRequest{
			Ref: l.opts.Branch,
			Inputs: map[string]string{
				"test_name":   t.Title,
				"environment": l.opts.Environment,
			},
		},
	}
	results := make(chan outcome, 1)
	l.discovery.Start(key, l.track(j, results))
	l.ops.Unlock()

	return await(ctx, results)
}

// StartBulkRun dispatches one workflow for every automatable test in ids.
// Only one bulk run may be in flight; a second call returns
// ErrBulkInFlight and changes nothing.
func (l *Launcher) StartBulkRun(ctx context.Context, ids []domain.TestID) (*Result, error) {
	l.ops.Lock()
	l.mu.Lock()
	if l.bulk != nil {
		l.mu.Unlock()
		l.ops.Unlock()
		return nil, ErrBulkInFlight
	}
	if err := l.validateTarget(l.opts.BulkWorkflow); err != nil {
		l.mu.Unlock()
		l.ops.Unlock()
		return nil, err
	}

	type payloadTest struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	var (
		testIDs []domain.TestID
		payload []payloadTest
		seen    = make(map[domain.TestID]bool)
	)
	for _, id := range ids {
		t, ok := l.tests[id]
		if !ok || !t.Automatable() || seen[id] {
			continue
		}
		seen[id] = true
		testIDs = append(testIDs, id)
		payload = append(payload, payloadTest{ID: string(id), Title: t.Title})
	}
	if len(testIDs) == 0 {
		l.mu.Unlock()
		l.ops.Unlock()
		return nil, &ValidationError{Field: "tests", Reason: "no automated tests selected"}
	}
	testsJSON, err := json.Marshal(payload)
	if err != nil {
		l.mu.Unlock()
		l.ops.Unlock()
		return nil, err
	}

	label := l.BulkLabel()
	key := "bulk:" + uuid.NewString()
	pd := &domain.PendingDispatch{
		Key:               key,
		DispatchedAt:      l.opts.Now(),
		Branch:            l.opts.Branch,
		TitleHint:         label,
		AttemptsRemaining: l.opts.ForegroundAttempts,
		IsBulk:            true,
	}
	l.pending[key] = pd
	l.bulk = &bulkSlot{key: key}
	l.gaugesLocked()
	l.mu.Unlock()

	j := &job{
		pd:       pd,
		workflow: l.opts.BulkWorkflow,
		title:    label,
		testIDs:  testIDs,
		req: ghactions.DispatchRequest{
			Ref: l.opts.Branch,
			Inputs: map[string]string{
				"tests_json":  string(testsJSON),
				"environment": l.opts.Environment,
				"run_label":   label,
			},
		},
	}
	results := make(chan outcome, 1)
	l.discovery.Start(key, l.track(j, results))
	l.ops.Unlock()

	l.log.Info("bulk run dispatched", "key", key, "tests", len(testIDs))
	return await(ctx, results)
}

// StopBulk asks the bulk discovery to stop before its next attempt. A bulk
// run that was already found keeps polling. It reports whether a bulk run
// was in flight.
func (l *Launcher) StopBulk() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bulk == nil {
		return false
	}
	l.bulk.stop = true
	l.log.Info("bulk stop requested", "key", l.bulk.key, "run", l.bulk.runID)
	return true
}

func await(ctx context.Context, results <-chan outcome) (*Result, error) {
	select {
	case o := <-results:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// track is the discovery loop of one dispatch: send it, search in the
// foreground, then in the background. results receives exactly one
// outcome.
func (l *Launcher) track(j *job, results chan<- outcome) timers.Loop {
	return func(ctx context.Context) {
		pd := j.pd
		log := l.log.With("key", pd.Key)
		sent := false
		send := func(o outcome) {
			if !sent {
				sent = true
				results <- o
			}
		}
		defer send(outcome{err: ErrCancelled})

		l.mu.Lock()
		if l.pending[pd.Key] != pd {
			l.mu.Unlock()
			return
		}
		pd.DispatchedAt = l.opts.Now()
		l.mu.Unlock()

		if err := l.actions.Dispatch(ctx, j.workflow, j.req); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dispatch failed", "err", err)
			l.metrics.dispatches.WithLabelValues(kind(pd.IsBulk), "error").Inc()
			if l.release(pd) {
				l.notify(notify.Notification{
					Title:   "Dispatch failed: " + j.title,
					Message: err.Error(),
					Type:    notify.NotifyError,
					TestID:  string(pd.TestID),
				})
				l.publish(EventFailed, pd.Key, nil, err.Error())
			}
			send(outcome{err: fmt.Errorf("dispatch: %w", err)})
			return
		}
		l.metrics.dispatches.WithLabelValues(kind(pd.IsBulk), "ok").Inc()
		l.publish(EventDispatched, pd.Key, nil, j.title)
		log.Info("workflow dispatched", "workflow", j.workflow, "title", j.title)

		fg := l.correlator(j.workflow, l.opts.CorrelationInterval)
		rec, err := l.search(ctx, j, fg, "foreground", l.opts.ForegroundAttempts)
		if err == nil {
			send(outcome{result: &Result{Key: pd.Key, Run: rec}})
			return
		}
		if !errors.Is(err, correlator.ErrNotFound) {
			send(outcome{err: err})
			return
		}

		if l.opts.BackgroundAttempts == 0 {
			l.notFound(j)
			send(outcome{err: correlator.ErrNotFound})
			return
		}

		l.mu.Lock()
		if l.pending[pd.Key] != pd {
			l.mu.Unlock()
			return
		}
		pd.Background = true
		pd.AttemptsRemaining = l.opts.BackgroundAttempts
		l.mu.Unlock()

		log.Info("run not found yet, searching in background", "attempts", l.opts.BackgroundAttempts)
		l.publish(EventSearching, pd.Key, nil, j.title)
		send(outcome{result: &Result{Key: pd.Key, Searching: true}})

		bg := l.correlator(j.workflow, l.opts.BackgroundInterval)
		if _, err := l.search(ctx, j, bg, "background", l.opts.BackgroundAttempts); errors.Is(err, correlator.ErrNotFound) {
			l.notFound(j)
		}
	}
}

func (l *Launcher) correlator(workflow string, interval time.Duration) *correlator.Correlator {
	return correlator.New(l.actions, correlator.Options{
		Workflow:  workflow,
		Interval:  interval,
		ClockSkew: l.opts.ClockSkew,
		Logger:    l.log,
	})
}

// search runs the correlator until a run is claimed or the budget is spent.
// A run another dispatch claimed in the meantime costs one attempt.
func (l *Launcher) search(ctx context.Context, j *job, c *correlator.Correlator, phase string, attempts int) (*domain.RunRecord, error) {
	pd := j.pd
	l.mu.Lock()
	q := correlator.Query{
		DispatchedAt: pd.DispatchedAt,
		Branch:       pd.Branch,
		TitleHint:    pd.TitleHint,
		Exclude:      l.claimed,
		Continue:     l.keepSearching(pd),
	}
	l.mu.Unlock()

	remaining := attempts
	for remaining > 0 {
		exec, err := c.Locate(ctx, q, remaining)
		switch {
		case err == nil:
			rec, err := l.claim(j, exec)
			if err == nil {
				l.metrics.correlations.WithLabelValues(phase, "found").Inc()
				return rec, nil
			}
			if !errors.Is(err, errClaimed) {
				return nil, err
			}
			l.mu.Lock()
			remaining = pd.AttemptsRemaining - 1
			l.mu.Unlock()
		case errors.Is(err, correlator.ErrStopped):
			if l.stopped(j) {
				l.metrics.correlations.WithLabelValues(phase, "stopped").Inc()
				return nil, err
			}
			return nil, ErrCancelled
		case errors.Is(err, correlator.ErrNotFound):
			l.metrics.correlations.WithLabelValues(phase, "not_found").Inc()
			return nil, err
		default:
			return nil, ErrCancelled
		}
	}
	l.metrics.correlations.WithLabelValues(phase, "not_found").Inc()
	return nil, correlator.ErrNotFound
}

func (l *Launcher) keepSearching(pd *domain.PendingDispatch) func(int) bool {
	return func(remaining int) bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.pending[pd.Key] != pd {
			return false
		}
		if pd.IsBulk && l.bulk != nil && l.bulk.key == pd.Key && l.bulk.stop {
			return false
		}
		pd.AttemptsRemaining = remaining
		return true
	}
}

// claim turns the pending dispatch into a run record and starts polling
func (l *Launcher) claim(j *job, exec domain.Execution) (*domain.RunRecord, error) {
	pd := j.pd
	l.mu.Lock()
	if l.pending[pd.Key] != pd {
		l.mu.Unlock()
		return nil, ErrCancelled
	}
	if _, taken := l.runs[exec.ID]; taken {
		l.mu.Unlock()
		return nil, errClaimed
	}
	delete(l.pending, pd.Key)

	rec := &domain.RunRecord{
		ExecutionID:  exec.ID,
		DispatchedAt: pd.DispatchedAt,
		Branch:       pd.Branch,
		IsBulk:       pd.IsBulk,
		Title:        j.title,
	}
	rec.Apply(exec)
	if pd.IsBulk {
		rec.TestIDs = append([]domain.TestID(nil), j.testIDs...)
		if l.bulk != nil && l.bulk.key == pd.Key {
			l.bulk.runID = exec.ID
		}
	} else {
		rec.LinkedTestID = pd.TestID
		l.latest[pd.TestID] = exec.ID
	}
	l.runs[exec.ID] = rec
	l.gaugesLocked()
	out := rec.Clone()
	l.mu.Unlock()

	l.poller.Start(exec.ID, l.handlers(exec.ID))
	l.publish(EventTracked, pd.Key, out.Clone(), j.title)
	return out, nil
}

// release drops the pending dispatch and frees the bulk slot it held. It
// reports false when ClearHistory or Reload got there first.
func (l *Launcher) release(pd *domain.PendingDispatch) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending[pd.Key] != pd {
		return false
	}
	delete(l.pending, pd.Key)
	if l.bulk != nil && l.bulk.key == pd.Key {
		l.bulk = nil
	}
	l.gaugesLocked()
	return true
}

func (l *Launcher) stopped(j *job) bool {
	if !l.release(j.pd) {
		return false
	}
	l.log.Info("discovery stopped", "key", j.pd.Key)
	l.notify(notify.Notification{
		Title:   "Stopped: " + j.title,
		Message: "search for the workflow run was stopped; the run itself may still execute",
		Type:    notify.NotifyInfo,
	})
	l.publish(EventStopped, j.pd.Key, nil, j.title)
	return true
}

func (l *Launcher) notFound(j *job) {
	if !l.release(j.pd) {
		return
	}
	l.log.Warn("workflow run not found", "key", j.pd.Key)
	l.notify(notify.Notification{
		Title:   "Run not found: " + j.title,
		Message: "the dispatched workflow run did not appear",
		Type:    notify.NotifyWarning,
		TestID:  string(j.pd.TestID),
	})
	l.publish(EventNotFound, j.pd.Key, nil, j.title)
}

func (l *Launcher) handlers(id int64) poller.Handlers {
	return poller.Handlers{
		OnUpdate: func(exec domain.Execution) {
			l.mu.Lock()
			rec, ok := l.runs[id]
			if !ok {
				l.mu.Unlock()
				return
			}
			before := rec.Label()
			rec.Apply(exec)
			changed := rec.Label() != before
			l.gaugesLocked()
			out := rec.Clone()
			l.mu.Unlock()

			if changed {
				l.publish(EventStatus, "", out, out.Label())
			}
		},
		OnTerminal: func(exec domain.Execution) {
			l.mu.Lock()
			rec, ok := l.runs[id]
			if !ok {
				l.mu.Unlock()
				return
			}
			if l.bulk != nil && l.bulk.runID == id {
				l.bulk = nil
			}
			out := rec.Clone()
			l.mu.Unlock()

			l.metrics.completions.WithLabelValues(kind(out.IsBulk), string(out.Conclusion)).Inc()
			l.notify(terminalNotification(out))
			l.publish(EventCompleted, "", out, out.Label())
		},
		OnError: func(err error) {
			l.metrics.pollErrors.Inc()
		},
	}
}

func terminalNotification(rec *domain.RunRecord) notify.Notification {
	n := notify.Notification{
		RunID:   rec.ExecutionID,
		TestID:  string(rec.LinkedTestID),
		URL:     rec.URL,
		Outcome: rec.Class(),
	}
	switch rec.Conclusion {
	case domain.ConclusionSuccess:
		n.Type = notify.NotifySuccess
	case domain.ConclusionFailure:
		n.Type = notify.NotifyError
	default:
		n.Type = notify.NotifyWarning
	}
	n.Title = fmt.Sprintf("%s: %s", rec.Title, rec.Label())
	if rec.IsBulk {
		n.Message = fmt.Sprintf("Bulk run #%d with %d tests finished: %s", rec.ExecutionID, len(rec.TestIDs), rec.Label())
	} else {
		n.Message = fmt.Sprintf("Run #%d finished: %s", rec.ExecutionID, rec.Label())
	}
	return n
}

func (l *Launcher) notify(n notify.Notification) {
	if err := l.opts.Notifier.Send(n); err != nil {
		l.log.Warn("notification failed", "title", n.Title, "err", err)
	}
}
