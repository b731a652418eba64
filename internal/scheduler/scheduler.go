// Package scheduler runs named jobs on fixed intervals. Each job has its own
// goroutine and ticker, so a slow or failing job never delays another one,
// and runs of the same job never overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/sfaxportal/internal/metrics"
)

// JobFunc is one run of a job. now is the scheduler clock at tick time.
type JobFunc func(ctx context.Context, now time.Time) error

// Ticker is the subset of *time.Ticker the scheduler needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a ticker firing every d.
type TickerFactory func(d time.Duration) Ticker

type realTicker struct {
	*time.Ticker
}

func (t realTicker) C() <-chan time.Time { return t.Ticker.C }

func newRealTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrDuplicateJob   = errors.New("job already registered")
)

// JobStats is a snapshot of one job's run history.
type JobStats struct {
	Name         string     `json:"name"`
	Interval     string     `json:"interval"`
	Runs         int64      `json:"runs"`
	Failures     int64      `json:"failures"`
	Running      bool       `json:"running"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
	stats    JobStats
}

type Scheduler struct {
	logger     *zap.Logger
	newTicker  TickerFactory
	now        func() time.Time
	runOnStart bool
	jobTimeout time.Duration

	mu      sync.Mutex
	jobs    []*job
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Scheduler)

// WithTicker replaces the real ticker, for tests driving ticks by hand.
func WithTicker(f TickerFactory) Option {
	return func(s *Scheduler) { s.newTicker = f }
}

// WithClock replaces time.Now as the source of each run's now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRunOnStart runs every job once as soon as Start is called.
func WithRunOnStart(enabled bool) Option {
	return func(s *Scheduler) { s.runOnStart = enabled }
}

// WithJobTimeout bounds each run. Zero means no deadline.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.jobTimeout = d }
}

func New(logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:    logger,
		newTicker: newRealTicker,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job. It must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) error {
	if name == "" {
		return errors.New("job name is required")
	}
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	if fn == nil {
		return fmt.Errorf("job %s: nil function", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	for _, j := range s.jobs {
		if j.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
		}
	}

	s.jobs = append(s.jobs, &job{
		name:     name,
		interval: interval,
		fn:       fn,
		stats:    JobStats{Name: name, Interval: interval.String()},
	})
	return nil
}

// Start launches one goroutine per job and returns immediately. Jobs stop
// when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}

	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Stats returns a snapshot of every job, sorted by name.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStats, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.stats)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	ticker := s.newTicker(j.interval)
	defer ticker.Stop()

	if s.runOnStart {
		s.run(ctx, j)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("job stopping", zap.String("job", j.name))
			return
		case <-ticker.C():
			// a tick may race with cancellation; prefer stopping
			if ctx.Err() != nil {
				return
			}
			s.run(ctx, j)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	now := s.now()

	s.mu.Lock()
	j.stats.Running = true
	s.mu.Unlock()

	runCtx := ctx
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	start := time.Now()
	panicked, err := s.invoke(runCtx, j, now)
	elapsed := time.Since(start)

	outcome := "success"
	switch {
	case panicked:
		outcome = "panic"
	case err != nil:
		outcome = "failure"
	}
	metrics.RecordJobRun(j.name, outcome, elapsed)

	s.mu.Lock()
	j.stats.Running = false
	j.stats.Runs++
	j.stats.LastRun = &now
	j.stats.LastDuration = elapsed.String()
	j.stats.LastError = ""
	if err != nil {
		j.stats.Failures++
		j.stats.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job run failed",
			zap.String("job", j.name),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("job run finished",
		zap.String("job", j.name),
		zap.Duration("duration", elapsed),
	)
}

func (s *Scheduler) invoke(ctx context.Context, j *job, now time.Time) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked",
				zap.String("job", j.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			panicked = true
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
	}()
	return false, j.fn(ctx, now)
}
