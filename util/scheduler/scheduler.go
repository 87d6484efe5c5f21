package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xiaonanln/shieldmesh/util/logger"
)

// Task is a periodic unit of work
type Task func()

type periodicTask struct {
	name     string
	interval time.Duration
	fn       Task
}

// Scheduler runs named periodic tasks for one component.
//
// All executions of all tasks of a Scheduler are serialized: a task never runs
// concurrently with another task of the same Scheduler, which lets the tasks scan
// shared maps without additional coordination between them. A panic inside a task
// is recovered and logged; the task keeps firing on its next tick.
//
// Trigger runs a task synchronously on the calling goroutine. Tests use it to drive
// sweeps deterministically instead of waiting for wall-clock ticks.
//
// Usage Pattern:
//
//	s := scheduler.New("PeerRegistry")
//	s.Every("ping", 30*time.Second, registry.pingSweep)
//	s.Start()
//	defer s.Stop()
type Scheduler struct {
	name   string
	logger *logger.Logger

	mu      sync.Mutex
	tasks   map[string]*periodicTask
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// runMu serializes task executions
	runMu sync.Mutex
}

// New creates a Scheduler; name is used as the log prefix
func New(name string) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		name:   name,
		logger: logger.NewLogger(fmt.Sprintf("Scheduler(%s)", name)),
		tasks:  make(map[string]*periodicTask),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers a task that fires every interval once the Scheduler is started.
// Registering a task after Start starts its loop immediately.
func (s *Scheduler) Every(name string, interval time.Duration, fn Task) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive, got %v", name, interval)
	}
	if fn == nil {
		return fmt.Errorf("task %s: function cannot be nil", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler %s is stopped", s.name)
	}
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %s already registered", name)
	}

	task := &periodicTask{name: name, interval: interval, fn: fn}
	s.tasks[name] = task
	if s.started {
		s.startLoop(task)
	}
	return nil
}

// Start launches one ticker loop per registered task. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return
	}
	s.started = true
	for _, task := range s.tasks {
		s.startLoop(task)
	}
	s.logger.Debugf("Started %d periodic tasks", len(s.tasks))
}

// startLoop must be called with s.mu held
func (s *Scheduler) startLoop(task *periodicTask) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(task.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.run(task)
			}
		}
	}()
}

// Trigger runs the named task synchronously. It returns false when the task is
// unknown or the Scheduler has been stopped.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	task, exists := s.tasks[name]
	stopped := s.stopped
	s.mu.Unlock()

	if !exists || stopped {
		return false
	}
	s.run(task)
	return true
}

func (s *Scheduler) run(task *periodicTask) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	// Re-check under runMu: Stop may have completed while we were waiting
	if s.ctx.Err() != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Task %s panicked: %v", task.name, r)
		}
	}()
	task.fn()
}

// Stop cancels every task loop and waits until no task is running. No task
// executes after Stop returns. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	// Wait for an in-flight Trigger to finish
	s.runMu.Lock()
	s.runMu.Unlock()

	s.logger.Debugf("Stopped")
}

// IsStopped reports whether Stop has been called
func (s *Scheduler) IsStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
