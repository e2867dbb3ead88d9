// Package launcher dispatches CI runs for tests and follows them to
// completion.
//
// A dispatch returns no run id. Each dispatch is therefore tracked by one
// discovery loop that searches for the run, first with a short foreground
// budget the caller waits on, then with a longer background budget. A found
// run is handed to the poller. All loops are owned by timer registries so
// ClearHistory and Reload can stop them before dropping state.
package launcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/hochfrequenz/testrun-launcher/internal/correlator"
	"github.com/hochfrequenz/testrun-launcher/internal/domain"
	"github.com/hochfrequenz/testrun-launcher/internal/ghactions"
	"github.com/hochfrequenz/testrun-launcher/internal/notify"
	"github.com/hochfrequenz/testrun-launcher/internal/poller"
	"github.com/hochfrequenz/testrun-launcher/internal/selection"
	"github.com/hochfrequenz/testrun-launcher/internal/timers"
)

// Actions is the CI provider surface the launcher needs.
// *ghactions.Client implements it.
type Actions interface {
	Dispatch(ctx context.Context, workflow string, req ghactions.DispatchRequest) error
	correlator.Lister
	poller.Getter
}

// Options configures a Launcher
type Options struct {
	Repo         string
	Token        string
	Workflow     string
	BulkWorkflow string
	Branch       string
	Environment  string

	CorrelationInterval time.Duration
	ClockSkew           time.Duration
	ForegroundAttempts  int
	BackgroundInterval  time.Duration
	BackgroundAttempts  int
	PollInterval        time.Duration

	Notifier notify.Notifier
	Metrics  *Metrics
	Logger   pslog.Logger
	Now      func() time.Time
}

func (o *Options) defaults() {
	if o.Branch == "" {
		o.Branch = "main"
	}
	if o.Environment == "" {
		o.Environment = "staging"
	}
	if o.BulkWorkflow == "" {
		o.BulkWorkflow = o.Workflow
	}
	if o.CorrelationInterval <= 0 {
		o.CorrelationInterval = 2 * time.Second
	}
	if o.ClockSkew <= 0 {
		o.ClockSkew = 2 * time.Minute
	}
	if o.ForegroundAttempts <= 0 {
		o.ForegroundAttempts = 10
	}
	if o.BackgroundInterval <= 0 {
		o.BackgroundInterval = 10 * time.Second
	}
	if o.BackgroundAttempts < 0 {
		o.BackgroundAttempts = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.Notifier == nil {
		o.Notifier = notify.NoopNotifier{}
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.Logger == nil {
		o.Logger = pslog.Ctx(context.Background())
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// bulkSlot is held from StartBulkRun until the bulk run ends
type bulkSlot struct {
	key   string
	stop  bool
	runID int64
}

// Launcher owns the pending dispatches and the run table
type Launcher struct {
	actions   Actions
	opts      Options
	log       pslog.Logger
	metrics   *Metrics
	discovery *timers.Registry
	poller    *poller.Poller
	events    *broker

	// ops serializes dispatch setup with ClearHistory and Reload
	ops sync.Mutex

	mu      sync.Mutex
	tests   map[domain.TestID]domain.Test
	pending map[string]*domain.PendingDispatch
	runs    map[int64]*domain.RunRecord
	latest  map[domain.TestID]int64
	bulk    *bulkSlot
}

// New creates a Launcher. Tests must be loaded with SetTests before runs
// can be started.
func New(actions Actions, opts Options) *Launcher {
	opts.defaults()
	logger := opts.Logger.With("component", "launcher")
	return &Launcher{
		actions:   actions,
		opts:      opts,
		log:       logger,
		metrics:   opts.Metrics,
		discovery: timers.New(context.Background()),
		poller:    poller.New(actions, poller.Options{Interval: opts.PollInterval, Logger: logger}),
		events:    newBroker(),
		tests:     make(map[domain.TestID]domain.Test),
		pending:   make(map[string]*domain.PendingDispatch),
		runs:      make(map[int64]*domain.RunRecord),
		latest:    make(map[domain.TestID]int64),
	}
}

// SetTests replaces the known tests without touching run state
func (l *Launcher) SetTests(tests []domain.Test) {
	idx := make(map[domain.TestID]domain.Test, len(tests))
	for _, t := range tests {
		idx[t.ID] = t
	}
	l.mu.Lock()
	l.tests = idx
	l.mu.Unlock()
}

// Subscribe returns a channel of state changes and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (l *Launcher) Subscribe(buf int) (<-chan Event, func()) {
	return l.events.subscribe(buf)
}

func (l *Launcher) publish(t EventType, key string, rec *domain.RunRecord, msg string) {
	l.events.publish(Event{Type: t, Key: key, Run: rec, Message: msg, Time: l.opts.Now()})
}

// ClearHistory stops every discovery loop, then every poller, and only
// then drops pending dispatches, run records and the bulk slot.
func (l *Launcher) ClearHistory() {
	l.ops.Lock()
	defer l.ops.Unlock()
	l.clearLocked()
	l.publish(EventCleared, "", nil, "history cleared")
}

// Reload replaces the test list. Tracking does not survive a reload.
func (l *Launcher) Reload(tests []domain.Test) {
	l.ops.Lock()
	defer l.ops.Unlock()
	l.clearLocked()
	l.SetTests(tests)
	l.publish(EventCleared, "", nil, "tests reloaded")
}

// clearLocked requires l.ops
func (l *Launcher) clearLocked() {
	discovery := l.discovery.CancelAll()
	polling := l.poller.CancelAll()

	l.mu.Lock()
	dropped := len(l.runs)
	l.pending = make(map[string]*domain.PendingDispatch)
	l.runs = make(map[int64]*domain.RunRecord)
	l.latest = make(map[domain.TestID]int64)
	l.bulk = nil
	l.gaugesLocked()
	l.mu.Unlock()

	l.log.Info("tracking cleared", "discovery", discovery, "polling", polling, "runs", dropped)
}

// Close stops all loops without dropping state
func (l *Launcher) Close() {
	l.discovery.CancelAll()
	l.poller.CancelAll()
}

// LatestRun returns a copy of the newest run dispatched for a test
func (l *Launcher) LatestRun(id domain.TestID) *domain.RunRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	runID, ok := l.latest[id]
	if !ok {
		return nil
	}
	if rec, ok := l.runs[runID]; ok {
		return rec.Clone()
	}
	return nil
}

// Run returns a copy of the record for an execution id
func (l *Launcher) Run(id int64) *domain.RunRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.runs[id]; ok {
		return rec.Clone()
	}
	return nil
}

// Runs returns copies of all records, newest first
func (l *Launcher) Runs() []*domain.RunRecord {
	l.mu.Lock()
	out := make([]*domain.RunRecord, 0, len(l.runs))
	for _, rec := range l.runs {
		out = append(out, rec.Clone())
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ExecutionID > out[j].ExecutionID
	})
	return out
}

// Pending returns copies of the dispatches still searching for their run
func (l *Launcher) Pending() []domain.PendingDispatch {
	l.mu.Lock()
	out := make([]domain.PendingDispatch, 0, len(l.pending))
	for _, pd := range l.pending {
		out = append(out, *pd)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DispatchedAt.Before(out[j].DispatchedAt) })
	return out
}

// BulkInFlight reports whether the bulk slot is held
func (l *Launcher) BulkInFlight() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bulk != nil
}

// Summary computes the aggregate status of the selection
func (l *Launcher) Summary(sel *selection.Registry) selection.Summary {
	return sel.Summary(l.LatestRun)
}

func (l *Launcher) claimed(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.runs[id]
	return ok
}

// gaugesLocked requires l.mu
func (l *Launcher) gaugesLocked() {
	active := 0
	for _, rec := range l.runs {
		if !rec.Terminal() {
			active++
		}
	}
	l.metrics.tracked.Set(float64(active))
	l.metrics.pending.Set(float64(len(l.pending)))
}
