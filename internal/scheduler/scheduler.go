// Package scheduler runs registered background tasks periodically and
// adapts their interval to the outcome each run reports.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/metrics"
)

var (
	// ErrUnsupported is returned by environments without background scheduling.
	ErrUnsupported    = errors.New("background scheduling is not supported")
	ErrTaskNotDefined = errors.New("task not defined")
	ErrClosed         = errors.New("scheduler closed")
)

// Result is the outcome a task reports for one run.
type Result int

const (
	ResultNewData Result = iota
	ResultNoData
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultNewData:
		return "new-data"
	case ResultNoData:
		return "no-data"
	case ResultFailed:
		return "failed"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// TaskFunc is one run of a background task.
type TaskFunc func(ctx context.Context) Result

// Scheduler is the host-provided background task facility.
type Scheduler interface {
	DefineTask(id string, fn TaskFunc)
	RegisterPeriodicTask(id string, minInterval time.Duration) error
	UnregisterTask(id string) error
	Close()
}

var (
	_ Scheduler = (*Ticker)(nil)
	_ Scheduler = Unsupported{}
)

// DefaultMaxBackoff caps the failure backoff as a multiple of the interval.
const DefaultMaxBackoff = 8

// Ticker is an in-process Scheduler backed by timers.
type Ticker struct {
	logger     *slog.Logger
	maxBackoff int

	mu      sync.Mutex
	tasks   map[string]TaskFunc
	running map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

func NewTicker(logger *slog.Logger) *Ticker {
	return &Ticker{
		logger:     logger.With("component", "scheduler"),
		maxBackoff: DefaultMaxBackoff,
		tasks:      make(map[string]TaskFunc),
		running:    make(map[string]context.CancelFunc),
	}
}

// DefineTask associates fn with id. Redefining a task affects the next
// registration only.
func (s *Ticker) DefineTask(id string, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = fn
}

// RegisterPeriodicTask starts running the task defined under id every
// minInterval. Registering an already running task restarts it with the new
// interval.
func (s *Ticker) RegisterPeriodicTask(id string, minInterval time.Duration) error {
	if minInterval <= 0 {
		return fmt.Errorf("register %s: interval must be positive, got %s", id, minInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	fn, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("register %s: %w", id, ErrTaskNotDefined)
	}
	if cancel, ok := s.running[id]; ok {
		cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running[id] = cancel
	s.wg.Add(1)
	go s.loop(ctx, id, fn, minInterval)

	s.logger.Info("background task registered", "task", id, "interval", minInterval)
	return nil
}

// UnregisterTask stops future runs of id. A run already in progress is
// allowed to finish. Unregistering an unknown task is a no-op.
func (s *Ticker) UnregisterTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancel, ok := s.running[id]
	if !ok {
		return nil
	}
	cancel()
	delete(s.running, id)
	s.logger.Info("background task unregistered", "task", id)
	return nil
}

// Registered returns the ids of running tasks, sorted.
func (s *Ticker) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every task and waits for in-progress runs to return.
func (s *Ticker) Close() {
	s.mu.Lock()
	s.closed = true
	for id, cancel := range s.running {
		cancel()
		delete(s.running, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Ticker) loop(ctx context.Context, id string, fn TaskFunc, interval time.Duration) {
	defer s.wg.Done()

	delay := interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		res := s.runOnce(ctx, id, fn)
		next := nextDelay(interval, delay, res, s.maxBackoff)
		if next != delay {
			s.logger.Debug("background task interval adjusted", "task", id, "result", res.String(), "delay", next)
		}
		delay = next
		timer.Reset(delay)
	}
}

// runOnce executes fn detached from ctx so that unregistering does not
// abort a run midway.
func (s *Ticker) runOnce(ctx context.Context, id string, fn TaskFunc) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("background task panicked", "task", id, "panic", r)
			res = ResultFailed
		}
		metrics.BackgroundTicksTotal.WithLabelValues(id, res.String()).Inc()
	}()
	return fn(context.WithoutCancel(ctx))
}

// nextDelay doubles the delay after a failed run, up to maxBackoff times the
// base interval. Any other result resets it.
func nextDelay(base, current time.Duration, res Result, maxBackoff int) time.Duration {
	if res != ResultFailed {
		return base
	}
	next := current * 2
	if limit := base * time.Duration(maxBackoff); next > limit {
		next = limit
	}
	return next
}

// Unsupported is the Scheduler of an environment without background
// execution. Every registration fails with ErrUnsupported.
type Unsupported struct{}

func (Unsupported) DefineTask(string, TaskFunc) {}

func (Unsupported) RegisterPeriodicTask(string, time.Duration) error { return ErrUnsupported }

func (Unsupported) UnregisterTask(string) error { return ErrUnsupported }

func (Unsupported) Close() {}
