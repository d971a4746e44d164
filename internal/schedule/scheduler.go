// Package schedule fires the daily run from a single cron slot and guards
// against overlapping runs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"crewline/internal/logging"
)

var (
	ErrSchedulerAlreadyStarted = errors.New("scheduler already started")
	ErrRunInFlight             = errors.New("a run is already in flight")
	ErrSchedulerStopped        = errors.New("scheduler stopped")
)

// RunFunc performs one scheduled run.
type RunFunc func(ctx context.Context) error

type Scheduler struct {
	spec     string
	schedule cron.Schedule
	loc      *time.Location
	run      RunFunc
	log      *logging.Logger

	// mu guards the timer and admission of new runs. A run is added to wg
	// under mu, so once Stop returns Wait covers every run that was admitted.
	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	stopped bool

	inFlight atomic.Bool
	wg       sync.WaitGroup
}

// New validates spec as a standard five-field cron expression evaluated in
// loc.
func New(spec string, loc *time.Location, run RunFunc, logger *logging.Logger) (*Scheduler, error) {
	if run == nil {
		return nil, errors.New("schedule: run func is required")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{
		spec:     spec,
		schedule: sched,
		loc:      loc,
		run:      run,
		log:      logger.Named("schedule"),
	}, nil
}

// Start registers the daily slot. Runs fired by the timer are detached from
// ctx cancellation: cancelling ctx does not abort an in-flight run.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyStarted
	}
	s.stopped = false
	runCtx := context.WithoutCancel(ctx)
	c := cron.New(cron.WithLocation(s.loc))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if err := s.trigger(runCtx); err != nil && !errors.Is(err, ErrRunInFlight) && !errors.Is(err, ErrSchedulerStopped) {
			s.log.Error(runCtx, "scheduled run failed", zap.Error(err))
		}
	}))
	c.Start()
	s.cron = c
	s.running = true
	s.log.Info(ctx, "scheduler started", zap.String("schedule", s.spec), zap.Time("next", s.Next()))
	return nil
}

// Stop stops the timer and refuses new runs until the next Start. An in-flight
// run keeps going; use Wait to block on it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if !s.running {
		return
	}
	s.cron.Stop()
	s.running = false
	s.cron = nil
	s.log.Info(context.Background(), "scheduler stopped")
}

// Wait blocks until no run is in flight.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunNow triggers a run immediately and waits for it. It returns
// ErrRunInFlight when another run has not finished and ErrSchedulerStopped
// after Stop.
func (s *Scheduler) RunNow(ctx context.Context) error {
	return s.trigger(ctx)
}

func (s *Scheduler) InFlight() bool {
	return s.inFlight.Load()
}

// Next is the next time the daily slot fires.
func (s *Scheduler) Next() time.Time {
	return s.schedule.Next(time.Now().In(s.loc))
}

func (s *Scheduler) trigger(ctx context.Context) error {
	if err := s.admit(ctx); err != nil {
		return err
	}
	defer s.wg.Done()
	defer s.inFlight.Store(false)
	return s.run(ctx)
}

func (s *Scheduler) admit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.Warn(ctx, "previous run still in flight, skipping")
		return ErrRunInFlight
	}
	s.wg.Add(1)
	return nil
}
