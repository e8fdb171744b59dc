// Package scheduler drives the control plane clock: it ticks the
// coordinator on a fixed interval and runs periodic jobs such as backups
// when their schedule comes due.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/clawreform/internal/natsbus"
	"github.com/mtzanidakis/clawreform/internal/schedule"
)

const defaultInterval = 1200 * time.Millisecond

// Ticker is advanced once per interval. swarm.Coordinator satisfies it.
type Ticker interface {
	Tick(ctx context.Context)
}

type Publisher interface {
	PublishJSON(topic string, v any) error
}

type Job struct {
	Name     string
	Schedule schedule.Schedule
	Run      func(ctx context.Context) error

	next    time.Time
	running bool
}

// JobEvent is published after every job run.
type JobEvent struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	NextRun   time.Time `json:"nextRun,omitzero"`
}

type Scheduler struct {
	ticker   Ticker
	events   Publisher
	nowFunc  func() time.Time
	reloadCh chan struct{}

	mu       sync.Mutex
	interval time.Duration
	jobs     []*Job
	wg       sync.WaitGroup
}

func New(t Ticker, interval time.Duration, events Publisher) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		ticker:   t,
		events:   events,
		nowFunc:  time.Now,
		reloadCh: make(chan struct{}, 1),
		interval: interval,
	}
}

// AddJob registers a periodic job. Its first run is the schedule's next
// occurrence after now.
func (s *Scheduler) AddJob(name string, sched schedule.Schedule, run func(ctx context.Context) error) error {
	next, err := sched.Next(s.nowFunc())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, &Job{Name: name, Schedule: sched, Run: run, next: next})
	s.mu.Unlock()
	slog.Info("job scheduled", "name", name, "schedule", sched.String(), "next_run", next)
	return nil
}

// UpdateConfig changes the tick interval, then signals the run loop to
// reset its ticker.
func (s *Scheduler) UpdateConfig(interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Start blocks until ctx is canceled and running jobs have returned.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "interval", s.Interval())

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.Interval())
			slog.Info("scheduler config reloaded", "interval", s.Interval())
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll ticks, then starts every due job on its own goroutine so a slow
// job never delays the next tick. A job still running is not started again.
func (s *Scheduler) poll(ctx context.Context) {
	s.ticker.Tick(ctx)

	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.running || now.Before(j.next) {
			continue
		}
		j.running = true
		s.wg.Go(func() { s.execute(ctx, j, now) })
	}
}

func (s *Scheduler) execute(ctx context.Context, j *Job, now time.Time) {
	slog.Info("executing job", "name", j.Name)

	ev := JobEvent{Name: j.Name, Status: "success", Timestamp: now.UTC()}
	if err := j.Run(ctx); err != nil {
		ev.Status = "error"
		ev.Error = err.Error()
		slog.Error("job failed", "name", j.Name, "error", err)
	}

	next, err := j.Schedule.Next(now)
	if err != nil {
		slog.Error("job has no next run, removing", "name", j.Name, "error", err)
		s.removeJob(j)
	} else {
		ev.NextRun = next.UTC()
	}
	s.mu.Lock()
	j.next = next
	j.running = false
	s.mu.Unlock()

	if s.events != nil {
		if err := s.events.PublishJSON(natsbus.TopicEventsJob, ev); err != nil {
			slog.Warn("publish job event failed", "error", err)
		}
	}
}

func (s *Scheduler) removeJob(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.jobs {
		if x == j {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return
		}
	}
}
