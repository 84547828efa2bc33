// Package retention runs named, periodic deletes that bound the growth of
// transient security records: sessions, idempotency keys, rate limit
// windows, login attempts and audit events.
//
// Every task deletes through a criteria-qualified RecordSweeper call, so
// tasks may overlap with each other and with request traffic, and running a
// task twice is harmless. A failing task is logged and counted; it never
// stops the scheduler or the other tasks.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/reqguard/instrumentation"
)

// DefaultTaskTimeout bounds a single task run.
const DefaultTaskTimeout = 5 * time.Minute

// ErrUnknownTask is returned by RunTask for an unregistered name.
var ErrUnknownTask = errors.New("unknown retention task")

// Task is one independently scheduled sweep.
type Task struct {
	Name     string
	Interval time.Duration

	// Timeout bounds one run. Default: the sweeper's TaskTimeout.
	Timeout time.Duration

	// Run deletes what the task is responsible for and returns the count.
	Run func(ctx context.Context) (int64, error)

	// Count returns how many records Run would delete now. Optional.
	Count func(ctx context.Context) (int64, error)
}

// TaskResult is the outcome of one task run.
type TaskResult struct {
	Task     string        `json:"task"`
	Deleted  int64         `json:"deleted"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Stats holds the pending record count per task. Tasks whose count failed
// or that cannot count are absent from Pending.
type Stats struct {
	Pending map[string]int64 `json:"pending"`
	Total   int64            `json:"total"`
}

// Report aggregates a RunAll call.
type Report struct {
	Before  Stats        `json:"before"`
	Results []TaskResult `json:"results"`
	After   Stats        `json:"after"`
	Deleted int64        `json:"deleted"`
	Failed  int          `json:"failed"`
}

// Config configures a Sweeper.
type Config struct {
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	// TaskTimeout is the default per-run timeout. Default: 5 minutes.
	TaskTimeout time.Duration
}

// Sweeper schedules and runs retention tasks.
type Sweeper struct {
	mu      sync.Mutex
	tasks   map[string]Task
	order   []string
	running bool

	stop chan struct{}
	wg   sync.WaitGroup

	timeout time.Duration
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// New creates a Sweeper with no tasks.
func New(cfg Config) *Sweeper {
	s := &Sweeper{
		tasks:   make(map[string]Task),
		timeout: cfg.TaskTimeout,
		logger:  cfg.Logger,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTaskTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.Instrumentation != nil {
		s.metrics = cfg.Instrumentation.Metrics()
	}
	return s
}

// Register adds tasks. Names must be unique and every task needs a Run
// func and a positive Interval. Tasks registered after Start are only
// available to RunTask and RunAll until the next Start.
func (s *Sweeper) Register(tasks ...Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tasks {
		switch {
		case t.Name == "":
			return errors.New("retention: task name is required")
		case t.Run == nil:
			return fmt.Errorf("retention: task %q has no Run func", t.Name)
		case t.Interval <= 0:
			return fmt.Errorf("retention: task %q needs a positive interval", t.Name)
		}
		if _, exists := s.tasks[t.Name]; exists {
			return fmt.Errorf("retention: task %q already registered", t.Name)
		}
		s.tasks[t.Name] = t
		s.order = append(s.order, t.Name)
	}
	return nil
}

// Tasks returns the registered task names in registration order.
func (s *Sweeper) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Start runs every registered task on its own ticker until ctx is done or
// Stop is called. Tasks first run one Interval after Start. Calling Start
// on a running sweeper does nothing; once ctx is done it may be started
// again.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	stop := make(chan struct{})
	s.stop = stop

	for _, name := range s.order {
		task := s.tasks[name]
		s.wg.Add(1)
		go s.loop(ctx, task, stop)
	}
	go s.watch(ctx, stop)

	s.logger.Info("Retention sweeper started", "tasks", len(s.order))
}

// watch marks the sweeper stopped when ctx ends before Stop is called.
func (s *Sweeper) watch(ctx context.Context, stop chan struct{}) {
	select {
	case <-stop:
	case <-ctx.Done():
		s.mu.Lock()
		if s.running && s.stop == stop {
			s.running = false
			close(stop)
		}
		s.mu.Unlock()
		s.logger.Info("Retention sweeper stopped", "reason", ctx.Err())
	}
}

// Running reports whether task loops are active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop stops all task loops and waits for in-flight runs to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, task Task, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.run(ctx, task)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunTask runs the named task once.
func (s *Sweeper) RunTask(ctx context.Context, name string) (TaskResult, error) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return TaskResult{}, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return s.run(ctx, task), nil
}

// RunAll runs every task once, in registration order, and reports the
// pending counts before and after.
func (s *Sweeper) RunAll(ctx context.Context) Report {
	s.logger.Info("Manual retention sweep triggered")

	report := Report{Before: s.Stats(ctx)}
	for _, task := range s.snapshot() {
		res := s.run(ctx, task)
		report.Results = append(report.Results, res)
		report.Deleted += res.Deleted
		if res.Error != "" {
			report.Failed++
		}
	}
	report.After = s.Stats(ctx)

	s.logger.Info("Manual retention sweep completed",
		"deleted", report.Deleted,
		"failed_tasks", report.Failed,
		"pending_after", report.After.Total)
	return report
}

// Stats counts the records each task would delete now.
func (s *Sweeper) Stats(ctx context.Context) Stats {
	stats := Stats{Pending: make(map[string]int64)}
	for _, task := range s.snapshot() {
		if task.Count == nil {
			continue
		}
		runCtx, cancel := context.WithTimeout(ctx, s.taskTimeout(task))
		n, err := task.Count(runCtx)
		cancel()
		if err != nil {
			s.logger.Error("Failed to count retention candidates", "task", task.Name, "error", err)
			continue
		}
		stats.Pending[task.Name] = n
		stats.Total += n
	}
	return stats
}

func (s *Sweeper) snapshot() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]Task, 0, len(s.order))
	for _, name := range s.order {
		tasks = append(tasks, s.tasks[name])
	}
	return tasks
}

func (s *Sweeper) taskTimeout(t Task) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return s.timeout
}

// run executes one task. A panic in the task is reported as its error.
func (s *Sweeper) run(ctx context.Context, task Task) (res TaskResult) {
	res.Task = task.Name
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, s.taskTimeout(task))
	defer cancel()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retention task panicked: %v", r)
		}
		res.Duration = time.Since(start)
		if err != nil {
			res.Error = err.Error()
			s.logger.Error("Retention task failed",
				"task", task.Name,
				"deleted", res.Deleted,
				"duration", res.Duration,
				"error", err)
		} else if res.Deleted > 0 {
			s.logger.Info("Retention task completed",
				"task", task.Name,
				"deleted", res.Deleted,
				"duration", res.Duration)
		} else {
			s.logger.Debug("Retention task found nothing to delete", "task", task.Name)
		}
		s.metrics.RecordSweep(ctx, task.Name, res.Deleted, err, float64(res.Duration.Milliseconds()))
	}()

	res.Deleted, err = task.Run(runCtx)
	return res
}
