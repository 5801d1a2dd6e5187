package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"git.home.luguber.info/inful/packflow/internal/logfields"
	"git.home.luguber.info/inful/packflow/internal/model"
)

// Scheduler runs tasks on a bounded worker pool and owns the cancel function
// of every running task. Pause and cancel both go through Stop; the engine
// reads the persisted task status afterwards to tell them apart.
type Scheduler struct {
	engine  *Engine
	workers int

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	wg      sync.WaitGroup
	slots   chan struct{}

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewScheduler returns a scheduler executing at most workers tasks at once.
func NewScheduler(engine *Engine, workers int) *Scheduler {
	if workers <= 0 {
		workers = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine:     engine,
		workers:    workers,
		running:    make(map[int64]context.CancelFunc),
		slots:      make(chan struct{}, workers),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// Submit queues a task for execution. Submitting a task that is already
// running is a no-op; the caller gets no error because the desired state
// already holds.
func (s *Scheduler) Submit(taskID int64) {
	s.mu.Lock()
	if _, ok := s.running[taskID]; ok {
		s.mu.Unlock()
		slog.Warn("Task already running, submit ignored", logfields.TaskID(taskID))
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.running[taskID] = cancel
	s.mu.Unlock()

	s.engine.deps.Metrics.SetRunningTasks(s.runningCount())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(taskID)

		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		case <-ctx.Done():
			// stopped while queued; the task keeps its persisted status
			return
		}

		if err := s.engine.Run(ctx, taskID); err != nil {
			slog.Error("Task run ended with error", logfields.TaskID(taskID), logfields.Error(err))
		}
	}()
}

// Stop cancels the context of a running task. The engine observes the
// cancellation within a second and settles state from the persisted status.
func (s *Scheduler) Stop(taskID int64) bool {
	s.mu.Lock()
	cancel, ok := s.running[taskID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// IsRunning reports whether the scheduler currently holds the task.
func (s *Scheduler) IsRunning(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

// Recover resubmits tasks the daemon left running when it last stopped.
// Completed steps are skipped on re-execution, so a task resumes at the
// step it was interrupted in.
func (s *Scheduler) Recover() error {
	tasks, err := s.engine.deps.Store.TasksByStatus(model.TaskRunning)
	if err != nil {
		return fmt.Errorf("load interrupted tasks: %w", err)
	}
	for _, task := range tasks {
		slog.Info("Recovering interrupted task", logfields.TaskID(task.ID), logfields.Project(task.ProjectName))
		s.Submit(task.ID)
	}
	return nil
}

// Shutdown cancels every running task and waits for the workers to drain.
// Interrupted tasks keep their running status on disk for the next Recover.
func (s *Scheduler) Shutdown() {
	s.cancelBase()
	s.wg.Wait()
}

func (s *Scheduler) release(taskID int64) {
	s.mu.Lock()
	if cancel, ok := s.running[taskID]; ok {
		cancel()
		delete(s.running, taskID)
	}
	s.mu.Unlock()
	s.engine.deps.Metrics.SetRunningTasks(s.runningCount())
}

func (s *Scheduler) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}
