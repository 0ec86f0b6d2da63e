// Package scheduler runs independent periodic jobs, each guarded so a slow run
// never overlaps with its own next tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"procodus.dev/proximity-engine/pkg/metrics"
)

var (
	// ErrBusy is returned when a job is triggered while it is still running.
	ErrBusy = errors.New("job is already running")
	// ErrUnknownJob is returned by RunNow for unregistered names.
	ErrUnknownJob = errors.New("unknown job")
)

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	// RunOnStart executes the job once as soon as the scheduler starts.
	RunOnStart bool
}

type entry struct {
	Job
	running atomic.Bool
}

// Scheduler owns the job tickers.
type Scheduler struct {
	logger  *slog.Logger
	metrics *metrics.EngineMetrics

	mu      sync.Mutex
	jobs    map[string]*entry
	order   []string
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an empty scheduler. m may be nil.
func New(logger *slog.Logger, m *metrics.EngineMetrics) (*Scheduler, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Scheduler{
		logger:  logger,
		metrics: m,
		jobs:    make(map[string]*entry),
	}, nil
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" {
		return errors.New("job name cannot be empty")
	}
	if j.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", j.Name)
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: run function cannot be nil", j.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("job %s: scheduler already started", j.Name)
	}
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("job %s: already registered", j.Name)
	}
	s.jobs[j.Name] = &entry{Job: j}
	s.order = append(s.order, j.Name)
	return nil
}

// Start launches one ticker goroutine per job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, name := range s.order {
		e := s.jobs[name]
		s.wg.Add(1)
		go s.loop(ctx, e)
		s.logger.Info("scheduled job", "job", e.Name, "interval", e.Interval.String())
	}
}

// Stop cancels every job and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	if e.RunOnStart {
		s.dispatch(ctx, e)
	}

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx, e)
		}
	}
}

// dispatch runs e in its own goroutine unless it is still busy.
func (s *Scheduler) dispatch(ctx context.Context, e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		s.skipped(e)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer e.running.Store(false)
		_ = s.execute(ctx, e)
	}()
}

// RunNow executes a job synchronously, honouring its single-flight guard.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	if !e.running.CompareAndSwap(false, true) {
		s.skipped(e)
		return ErrBusy
	}
	defer e.running.Store(false)
	return s.execute(ctx, e)
}

func (s *Scheduler) skipped(e *entry) {
	s.logger.Warn("skipping job run, previous run still in progress", "job", e.Name)
	if s.metrics != nil {
		s.metrics.SchedulerSkips.WithLabelValues(e.Name).Inc()
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry) (err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", e.Name, r)
		}

		status := "success"
		if err != nil {
			status = "error"
			s.logger.Error("job failed", "job", e.Name, "error", err)
		} else {
			s.logger.Debug("job completed", "job", e.Name, "duration", time.Since(start).String())
		}
		if s.metrics != nil {
			s.metrics.SchedulerRuns.WithLabelValues(e.Name, status).Inc()
			s.metrics.SchedulerDuration.WithLabelValues(e.Name).Observe(time.Since(start).Seconds())
		}
	}()

	return e.Run(ctx)
}

// Running reports whether the named job is executing.
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	return ok && e.running.Load()
}
