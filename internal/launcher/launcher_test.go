package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/testrun-launcher/internal/correlator"
	"github.com/hochfrequenz/testrun-launcher/internal/domain"
	"github.com/hochfrequenz/testrun-launcher/internal/ghactions"
	"github.com/hochfrequenz/testrun-launcher/internal/notify"
	"github.com/hochfrequenz/testrun-launcher/internal/selection"
	"github.com/hochfrequenz/testrun-launcher/internal/tree"
)

// fakeActions is a scripted CI provider. Runs in listed become visible
// once listCalls exceeds visibleAfter; their status follows statuses, the
// last entry repeating.
type fakeActions struct {
	mu           sync.Mutex
	dispatchErr  error
	dispatched   []ghactions.DispatchRequest
	workflows    []string
	listed       []domain.Execution
	visibleAfter int
	listCalls    int
	statuses     map[int64][]string
	conclusion   map[int64]string
	gets         map[int64]int
}

func newFake() *fakeActions {
	return &fakeActions{
		statuses:   map[int64][]string{},
		conclusion: map[int64]string{},
		gets:       map[int64]int{},
	}
}

func (f *fakeActions) addRun(id int64, title string, statuses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed = append(f.listed, domain.Execution{
		ID:           id,
		CreatedAt:    time.Now(),
		Status:       "queued",
		Branch:       "main",
		Event:        ghactions.EventWorkflowDispatch,
		DisplayTitle: title,
		URL:          "https://github.com/acme/tests/actions/runs/1",
	})
	f.statuses[id] = statuses
}

func (f *fakeActions) finish(id int64, conclusion string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = []string{"completed"}
	f.conclusion[id] = conclusion
}

func (f *fakeActions) Dispatch(ctx context.Context, workflow string, req ghactions.DispatchRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows = append(f.workflows, workflow)
	f.dispatched = append(f.dispatched, req)
	return f.dispatchErr
}

func (f *fakeActions) ListRuns(ctx context.Context, workflow string, lf ghactions.ListFilter) ([]domain.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listCalls <= f.visibleAfter {
		return nil, nil
	}
	return append([]domain.Execution(nil), f.listed...), nil
}

func (f *fakeActions) GetRun(ctx context.Context, id int64) (domain.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.statuses[id]
	i := f.gets[id]
	f.gets[id]++
	if i >= len(seq) {
		i = len(seq) - 1
	}
	e := domain.Execution{ID: id, Branch: "main", Event: ghactions.EventWorkflowDispatch}
	if i >= 0 {
		e.Status = seq[i]
	}
	if e.Status == "completed" {
		e.Conclusion = f.conclusion[id]
		if e.Conclusion == "" {
			e.Conclusion = "success"
		}
	}
	return e, nil
}

func (f *fakeActions) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

func (f *fakeActions) getCount(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[id]
}

var catalogTests = []domain.Test{
	{ID: "1", Title: "Login works", Automation: "AUTOMATED"},
	{ID: "2", Title: "Checkout total", Automation: "automated"},
	{ID: "3", Title: "Manual smoke", Automation: "MANUAL"},
}

func newLauncher(t *testing.T, actions Actions, mutate func(*Options)) (*Launcher, *notify.Recorder) {
	t.Helper()
	rec := &notify.Recorder{}
	opts := Options{
		Repo:                "acme/tests",
		Token:               "token",
		Workflow:            "testiny-run.yml",
		CorrelationInterval: time.Millisecond,
		BackgroundInterval:  time.Millisecond,
		ForegroundAttempts:  10,
		BackgroundAttempts:  5,
		PollInterval:        time.Millisecond,
		Notifier:            rec,
	}
	if mutate != nil {
		mutate(&opts)
	}
	l := New(actions, opts)
	l.SetTests(catalogTests)
	t.Cleanup(l.Close)
	return l, rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestStartRun_FoundOnSecondAttemptAndPolledToCompletion(t *testing.T) {
	fake := newFake()
	fake.visibleAfter = 1
	fake.addRun(42, "Login works", "queued", "in_progress", "completed")
	l, rec := newLauncher(t, fake, nil)

	events, unsubscribe := l.Subscribe(64)
	defer unsubscribe()

	res, err := l.StartRun(context.Background(), "1")
	require.NoError(t, err)
	require.NotNil(t, res.Run)
	assert.False(t, res.Searching)
	assert.Equal(t, int64(42), res.Run.ExecutionID)
	assert.Equal(t, domain.TestID("1"), res.Run.LinkedTestID)
	assert.False(t, res.Run.IsBulk)

	waitFor(t, func() bool { return len(rec.Sent()) == 1 })
	sent := rec.Sent()
	assert.Equal(t, notify.NotifySuccess, sent[0].Type)
	assert.Equal(t, int64(42), sent[0].RunID)
	assert.Equal(t, "success", sent[0].Outcome)

	latest := l.LatestRun("1")
	require.NotNil(t, latest)
	assert.True(t, latest.Terminal())
	assert.Equal(t, domain.ConclusionSuccess, latest.Conclusion)
	assert.Empty(t, l.Pending())

	var labels []string
	timeout := time.After(time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == EventStatus || ev.Type == EventCompleted {
				labels = append(labels, string(ev.Type)+":"+ev.Run.Label())
			}
			done = ev.Type == EventCompleted
		case <-timeout:
			t.Fatal("no completed event")
		}
	}
	assert.Equal(t, []string{"status:in progress", "status:success", "completed:success"}, labels)

	fake.mu.Lock()
	req := fake.dispatched[0]
	fake.mu.Unlock()
	assert.Equal(t, "main", req.Ref)
	assert.Equal(t, map[string]string{"test_name": "Login works", "environment": "staging"}, req.Inputs)

	time.Sleep(10 * time.Millisecond)
	assert.Len(t, rec.Sent(), 1, "exactly one notification per run")
}

func TestStartRun_Validation(t *testing.T) {
	tests := []struct {
		name   string
		id     domain.TestID
		mutate func(*Options)
	}{
		{"unknown test", "99", nil},
		{"not automated", "3", nil},
		{"missing token", "1", func(o *Options) { o.Token = "" }},
		{"missing repo", "1", func(o *Options) { o.Repo = "" }},
		{"missing workflow", "1", func(o *Options) { o.Workflow = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFake()
			l, rec := newLauncher(t, fake, tt.mutate)

			_, err := l.StartRun(context.Background(), tt.id)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "got %v", err)
			assert.Zero(t, fake.dispatchCount())
			assert.Empty(t, l.Pending())
			assert.Empty(t, rec.Sent())
		})
	}
}

func TestStartRun_DispatchFailure(t *testing.T) {
	fake := newFake()
	fake.dispatchErr = &ghactions.TransportError{Op: "dispatch", StatusCode: 422, Body: "Unexpected inputs"}
	l, rec := newLauncher(t, fake, nil)

	_, err := l.StartRun(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, ghactions.IsTransport(err))
	assert.False(t, IsValidation(err))

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.NotifyError, sent[0].Type)
	assert.Empty(t, l.Pending())

	fake.dispatchErr = nil
	fake.addRun(7, "Login works", "completed")
	res, err := l.StartRun(context.Background(), "1")
	require.NoError(t, err, "a failed dispatch must not block the next one")
	assert.Equal(t, int64(7), res.Run.ExecutionID)
}

func TestStartRun_BackgroundThenNotFound(t *testing.T) {
	fake := newFake()
	fake.visibleAfter = 1 << 30
	l, rec := newLauncher(t, fake, func(o *Options) {
		o.ForegroundAttempts = 30
		o.BackgroundAttempts = 3
	})

	res, err := l.StartRun(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, res.Searching)
	assert.Nil(t, res.Run)

	waitFor(t, func() bool { return len(rec.Sent()) == 1 })
	sent := rec.Sent()
	assert.Equal(t, notify.NotifyWarning, sent[0].Type)
	assert.Empty(t, l.Pending())
	assert.Nil(t, l.LatestRun("1"))

	fake.mu.Lock()
	calls := fake.listCalls
	fake.mu.Unlock()
	assert.Equal(t, 33, calls)
}

func TestStartRun_FoundInBackground(t *testing.T) {
	fake := newFake()
	fake.visibleAfter = 3
	fake.addRun(5, "Login works", "completed")
	l, rec := newLauncher(t, fake, func(o *Options) {
		o.ForegroundAttempts = 2
		o.BackgroundAttempts = 10
	})

	res, err := l.StartRun(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, res.Searching)

	waitFor(t, func() bool { return len(rec.Sent()) == 1 })
	assert.Equal(t, notify.NotifySuccess, rec.Sent()[0].Type)
	require.NotNil(t, l.Run(5))
	assert.Equal(t, domain.TestID("1"), l.Run(5).LinkedTestID)
}

func TestStartRun_NoBackgroundBudget(t *testing.T) {
	fake := newFake()
	fake.visibleAfter = 1 << 30
	l, rec := newLauncher(t, fake, func(o *Options) {
		o.ForegroundAttempts = 2
		o.BackgroundAttempts = 0
	})

	_, err := l.StartRun(context.Background(), "1")
	assert.ErrorIs(t, err, correlator.ErrNotFound)
	assert.Len(t, rec.Sent(), 1)
}

func TestStartRun_DuplicatePendingRejected(t *testing.T) {
	fake := newFake()
	fake.visibleAfter = 1 << 30
	l, _ := newLauncher(t, fake, func(o *Options) {
		o.CorrelationInterval = 5 * time.Millisecond
		o.ForegroundAttempts = 10000
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.StartRun(ctx, "1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	waitFor(t, func() bool { return fake.dispatchCount() == 1 })
	_, err = l.StartRun(context.Background(), "1")
	assert.ErrorIs(t, err, ErrDispatchPending)
	assert.Equal(t, 1, fake.dispatchCount())

	l.ClearHistory()
	assert.Empty(t, l.Pending())
}

func TestStartRun_ClaimedRunsAreSkipped(t *testing.T) {
	fake := newFake()
	fake.addRun(10, "Login works", "in_progress")
	l, _ := newLauncher(t, fake, nil)

	first, err := l.StartRun(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, int64(10), first.Run.ExecutionID)

	fake.addRun(11, "Checkout total", "in_progress")
	second, err := l.StartRun(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, int64(11), second.Run.ExecutionID)

	runs := l.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, int64(11), runs[0].ExecutionID, "newest first")
}

func TestBulk_SingleFlightAndStopBeforeFound(t *testing.T) {
	fake := newFake()
	fake.visibleAfter = 1 << 30
	l, rec := newLauncher(t, fake, func(o *Options) {
		o.CorrelationInterval = 5 * time.Millisecond
		o.ForegroundAttempts = 10000
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.StartBulkRun(ctx, []domain.TestID{"1", "2", "3"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, l.BulkInFlight())

	waitFor(t, func() bool { return fake.dispatchCount() == 1 })
	pendingBefore := l.Pending()
	_, err = l.StartBulkRun(context.Background(), []domain.TestID{"2"})
	assert.ErrorIs(t, err, ErrBulkInFlight)
	assert.Equal(t, 1, fake.dispatchCount())
	require.Len(t, l.Pending(), 1)
	assert.Equal(t, pendingBefore[0].Key, l.Pending()[0].Key)

	assert.True(t, l.StopBulk())
	waitFor(t, func() bool { return !l.BulkInFlight() })
	waitFor(t, func() bool { return len(rec.Sent()) == 1 })
	assert.Equal(t, notify.NotifyInfo, rec.Sent()[0].Type)
	assert.Empty(t, l.Pending())
	assert.False(t, l.StopBulk())
}

func TestBulk_StopDoesNotCancelPolling(t *testing.T) {
	fake := newFake()
	fake.addRun(77, "Bulk run", "in_progress")
	l, rec := newLauncher(t, fake, nil)

	res, err := l.StartBulkRun(context.Background(), []domain.TestID{"2", "3", "1", "2"})
	require.NoError(t, err)
	require.NotNil(t, res.Run)
	assert.True(t, res.Run.IsBulk)
	assert.Empty(t, res.Run.LinkedTestID)
	assert.Equal(t, []domain.TestID{"2", "1"}, res.Run.TestIDs)

	fake.mu.Lock()
	inputs := fake.dispatched[0].Inputs
	fake.mu.Unlock()
	var payload []map[string]string
	require.NoError(t, json.Unmarshal([]byte(inputs["tests_json"]), &payload))
	assert.Equal(t, []map[string]string{{"id": "2", "title": "Checkout total"}, {"id": "1", "title": "Login works"}}, payload)
	assert.Contains(t, inputs["run_label"], "Bulk run ")
	assert.Equal(t, inputs["run_label"], res.Run.Title)

	assert.True(t, l.StopBulk())
	before := fake.getCount(77)
	waitFor(t, func() bool { return fake.getCount(77) > before+2 })
	assert.True(t, l.BulkInFlight())

	fake.finish(77, "failure")
	waitFor(t, func() bool { return !l.BulkInFlight() })
	waitFor(t, func() bool { return len(rec.Sent()) == 1 })
	assert.Equal(t, notify.NotifyError, rec.Sent()[0].Type)
	assert.Nil(t, l.LatestRun("1"), "bulk runs are not linked to tests")
}

func TestBulk_NothingAutomatable(t *testing.T) {
	l, _ := newLauncher(t, newFake(), nil)
	_, err := l.StartBulkRun(context.Background(), []domain.TestID{"3", "404"})
	assert.True(t, IsValidation(err))
	assert.False(t, l.BulkInFlight())
}

func TestClearHistory_StopsAllLoops(t *testing.T) {
	fake := newFake()
	fake.addRun(1, "Login works", "in_progress")
	l, rec := newLauncher(t, fake, nil)

	_, err := l.StartRun(context.Background(), "1")
	require.NoError(t, err)
	waitFor(t, func() bool { return fake.getCount(1) > 2 })

	l.ClearHistory()
	assert.Empty(t, l.Runs())
	assert.Zero(t, l.poller.Len())
	assert.Zero(t, l.discovery.Len())

	polls := fake.getCount(1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polls, fake.getCount(1), "no poll after clear")
	assert.Empty(t, rec.Sent())
}

func TestReload_CancelsPendingAndReplacesTests(t *testing.T) {
	fake := newFake()
	fake.visibleAfter = 1 << 30
	l, rec := newLauncher(t, fake, func(o *Options) {
		o.CorrelationInterval = 5 * time.Millisecond
		o.ForegroundAttempts = 10000
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.StartBulkRun(ctx, []domain.TestID{"1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	l.Reload([]domain.Test{{ID: "9", Title: "New", Automation: "automated"}})
	assert.False(t, l.BulkInFlight())
	assert.Empty(t, l.Pending())
	assert.Zero(t, l.discovery.Len())
	assert.Empty(t, rec.Sent(), "teardown is silent")

	_, err = l.StartRun(context.Background(), "1")
	assert.True(t, IsValidation(err))
}

func TestSummary(t *testing.T) {
	fake := newFake()
	fake.addRun(3, "Login works", "completed")
	l, rec := newLauncher(t, fake, nil)

	forest := tree.Build(catalogTests, nil, nil)
	sel := selection.New(catalogTests, forest)
	sel.Toggle("1")
	sel.Toggle("2")

	_, err := l.StartRun(context.Background(), "1")
	require.NoError(t, err)
	waitFor(t, func() bool { return len(rec.Sent()) == 1 })

	s := l.Summary(sel)
	assert.Equal(t, 2, s.Selected)
	assert.Equal(t, 1, s.NoRun)
	assert.Equal(t, 1, s.Success)
}

func TestValidationError(t *testing.T) {
	err := error(&ValidationError{Field: "repo", Reason: "repository is not configured"})
	assert.Equal(t, "invalid repo: repository is not configured", err.Error())
	assert.True(t, IsValidation(err))
	assert.False(t, IsValidation(errors.New("x")))
}
