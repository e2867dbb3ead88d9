// Package poller follows workflow runs until they complete.
package poller

import (
	"context"
	"strconv"
	"time"

	"pkt.systems/pslog"

	"github.com/hochfrequenz/testrun-launcher/internal/domain"
	"github.com/hochfrequenz/testrun-launcher/internal/timers"
)

// Getter fetches one run by id
type Getter interface {
	GetRun(ctx context.Context, id int64) (domain.Execution, error)
}

// Handlers receive the results of a poll loop. Both are called from the
// loop goroutine and must not start or cancel polling for the same run.
type Handlers struct {
	// OnUpdate is called after every successful poll, terminal included
	OnUpdate func(domain.Execution)
	// OnTerminal is called once, after the final OnUpdate
	OnTerminal func(domain.Execution)
	// OnError is called for every failed poll; polling continues
	OnError func(error)
}

// Options configures a Poller
type Options struct {
	Interval time.Duration
	Logger   pslog.Logger
}

// Poller runs one loop per execution id: Queued -> InProgress -> Completed.
// Transitions come only from the remote run; nothing is inferred locally.
type Poller struct {
	getter   Getter
	loops    *timers.Registry
	interval time.Duration
	log      pslog.Logger
}

// New creates a Poller
func New(getter Getter, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Poller{
		getter:   getter,
		loops:    timers.New(context.Background()),
		interval: opts.Interval,
		log:      logger,
	}
}

func key(id int64) string { return strconv.FormatInt(id, 10) }

// Start polls id immediately and then every interval. A loop already
// polling id is stopped first.
func (p *Poller) Start(id int64, h Handlers) {
	p.loops.Start(key(id), p.loop(id, h))
}

// Cancel stops polling id; it is safe to call more than once
func (p *Poller) Cancel(id int64) bool {
	return p.loops.Cancel(key(id))
}

// CancelAll stops every loop and waits for them
func (p *Poller) CancelAll() int {
	return p.loops.CancelAll()
}

// Active reports whether id is being polled
func (p *Poller) Active(id int64) bool {
	return p.loops.Active(key(id))
}

// Len returns the number of active loops
func (p *Poller) Len() int {
	return p.loops.Len()
}

func (p *Poller) loop(id int64, h Handlers) timers.Loop {
	return func(ctx context.Context) {
		log := p.log.With("run", id)
		timer := time.NewTimer(0)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			exec, err := p.getter.GetRun(ctx, id)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Warn("poll failed", "err", err)
				if h.OnError != nil {
					h.OnError(err)
				}
			} else {
				if h.OnUpdate != nil {
					h.OnUpdate(exec)
				}
				if domain.ParseRunStatus(exec.Status) == domain.RunCompleted {
					log.Info("run completed", "conclusion", exec.Conclusion)
					if h.OnTerminal != nil {
						h.OnTerminal(exec)
					}
					return
				}
			}
			timer.Reset(p.interval)
		}
	}
}
