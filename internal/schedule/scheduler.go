// Package schedule runs the snapshot sync on a cron schedule.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"pkt.systems/pslog"
)

// Job is the scheduled work
type Job func(ctx context.Context) error

// Scheduler triggers a job whenever its cron schedule comes due. A run
// that is still going when the next one is due is not overlapped.
type Scheduler struct {
	expr     string
	schedule cron.Schedule
	tick     time.Duration
	now      func() time.Time
	log      pslog.Logger

	mu      sync.Mutex
	lastRun time.Time
	running bool
	wg      sync.WaitGroup
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// New creates a scheduler for expr
func New(expr string, logger pslog.Logger) (*Scheduler, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Scheduler{
		expr:     expr,
		schedule: sched,
		tick:     time.Minute,
		now:      time.Now,
		log:      logger.With("component", "schedule", "cron", expr),
		lastRun:  time.Now(),
	}, nil
}

// NextRun returns the next time the job is due
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule.Next(s.lastRun)
}

// ShouldRun reports whether the job is due and not already running
func (s *Scheduler) ShouldRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	return !s.now().Before(s.schedule.Next(s.lastRun))
}

// Running reports whether the job is in progress
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) markRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

func (s *Scheduler) markComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.lastRun = s.now()
}

// Start checks the schedule every tick until ctx is done, then waits for
// a running job to return.
func (s *Scheduler) Start(ctx context.Context, job Job) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.ShouldRun() {
				continue
			}
			s.markRunning()
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.markComplete()
				start := s.now()
				if err := job(ctx); err != nil {
					s.log.Error("scheduled sync failed", "err", err)
					return
				}
				s.log.Info("scheduled sync done", "took", s.now().Sub(start).String(), "next", s.NextRun())
			}()
		}
	}
}
