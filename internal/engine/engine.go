package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/packflow/internal/events"
	"git.home.luguber.info/inful/packflow/internal/logfields"
	"git.home.luguber.info/inful/packflow/internal/metrics"
	"git.home.luguber.info/inful/packflow/internal/model"
)

// Engine runs one task at a time per call. It holds no per-task state; every
// effect goes through the store so a crash mid-task resumes cleanly.
type Engine struct {
	deps Deps
}

// New returns an engine over deps.
func New(deps Deps) *Engine {
	deps.withDefaults()
	return &Engine{deps: deps}
}

// handlerFunc executes one step and returns its log text. A returned error
// wrapping errSkip marks the step skipped instead of failed.
type handlerFunc func(ctx context.Context, r *run) (string, error)

// run is the per-execution context handed to step handlers.
type run struct {
	task    model.Task
	project model.Project
	cfg     model.GlobalConfig
	step    model.Step

	review ReviewForge
	mirror MirrorForge
}

func (r *run) clonePath() string { return r.project.ClonePath }

// proxy returns the outbound proxy for public-forge traffic. Internal-forge
// traffic never goes through it.
func (r *run) proxy() string {
	if r.project.HasReviewForge() {
		return r.cfg.ProxyURL
	}
	return ""
}

// handlersFor returns the ordered handler table for a mode, aligned with the
// step catalog the task was materialized from.
func (e *Engine) handlersFor(mode model.TaskMode) ([]handlerFunc, bool) {
	switch mode {
	case model.ModeNormal:
		return []handlerFunc{
			e.stepCheckEnvironment,
			e.stepPullLatest,
			e.stepGenerateChangelog,
			e.stepCommit,
			e.stepPush,
			e.stepCreateReview,
			e.stepMonitorReview,
			e.stepWaitMirrorSync,
			e.stepDispatchBuild,
			e.stepMonitorBuild,
		}, true
	case model.ModeChangelogOnly:
		return []handlerFunc{
			e.stepCheckEnvironment,
			e.stepPullLatest,
			e.stepGenerateChangelog,
			e.stepCommit,
			e.stepPush,
			e.stepCreateReview,
			e.stepMonitorReview,
		}, true
	case model.ModeCRPOnly:
		return []handlerFunc{
			e.stepCheckEnvironmentCRP,
			e.stepDispatchBuild,
			e.stepMonitorBuild,
		}, true
	default:
		return nil, false
	}
}

// Run executes the task until it reaches a terminal state, the context is
// cancelled, or a step fails.
func (e *Engine) Run(ctx context.Context, taskID int64) error {
	task, err := e.deps.Store.Task(taskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	project, err := e.deps.Store.Project(task.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %d: %w", task.ProjectID, err)
	}
	cfg, err := e.deps.Store.GlobalConfig()
	if err != nil {
		return fmt.Errorf("load global config: %w", err)
	}
	handlers, ok := e.handlersFor(task.Mode)
	if !ok {
		return e.failTask(task, "", fmt.Errorf("unknown task mode %q", task.Mode))
	}
	steps, err := e.deps.Store.Steps(taskID)
	if err != nil {
		return fmt.Errorf("load steps of task %d: %w", taskID, err)
	}
	if len(steps) != len(handlers) {
		return e.failTask(task, "", fmt.Errorf("task has %d steps, catalog has %d", len(steps), len(handlers)))
	}

	r := &run{task: task, project: project, cfg: cfg}
	if project.HasReviewForge() && e.deps.NewReviewForge != nil {
		if r.review, err = e.deps.NewReviewForge(cfg); err != nil {
			return e.failTask(task, "", fmt.Errorf("build review-forge client: %w", err))
		}
	}
	if cfg.MirrorForgeBase != "" && e.deps.NewMirrorForge != nil {
		if r.mirror, err = e.deps.NewMirrorForge(ctx, cfg); err != nil {
			return e.failTask(task, "", fmt.Errorf("build mirror-forge client: %w", err))
		}
	}

	if err := e.deps.Store.MarkTaskRunning(taskID); err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	e.deps.Events.PublishTask(events.TaskEvent{
		TaskID: taskID, Project: task.ProjectName, Mode: string(task.Mode), Status: string(model.TaskRunning),
	})
	started := time.Now()
	slog.Info("Task started", logfields.TaskID(taskID), logfields.Project(task.ProjectName), logfields.Mode(string(task.Mode)))

	for i, step := range steps {
		if step.Status.Done() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return e.handleInterrupt(taskID, nil)
		}

		if err := e.deps.Store.StartStep(step.ID, taskID, step.Order); err != nil {
			return fmt.Errorf("start step %q: %w", step.Name, err)
		}
		r.step = step
		slog.Info("Step started", logfields.TaskID(taskID), logfields.Step(step.Name))

		stepStart := time.Now()
		logText, err := handlers[i](ctx, r)
		e.deps.Metrics.ObserveStepDuration(step.Name, time.Since(stepStart))

		switch {
		case err == nil:
			e.deps.Metrics.IncStepResult(step.Name, metrics.ResultSuccess)
			if err := e.deps.Store.FinishStep(step.ID, model.StepCompleted, logText, ""); err != nil {
				return fmt.Errorf("finish step %q: %w", step.Name, err)
			}
			slog.Info("Step completed", logfields.TaskID(taskID), logfields.Step(step.Name))

		case errors.Is(err, errSkip):
			e.deps.Metrics.IncStepResult(step.Name, metrics.ResultSkipped)
			if err := e.deps.Store.FinishStep(step.ID, model.StepSkipped, logText, ""); err != nil {
				return fmt.Errorf("finish step %q: %w", step.Name, err)
			}
			slog.Info("Step skipped", logfields.TaskID(taskID), logfields.Step(step.Name))

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return e.handleInterrupt(taskID, &step)

		default:
			e.deps.Metrics.IncStepResult(step.Name, metrics.ResultFailed)
			_ = e.deps.Store.FinishStep(step.ID, model.StepFailed, logText, err.Error())
			slog.Error("Step failed", logfields.TaskID(taskID), logfields.Step(step.Name), logfields.Error(err))
			return e.failTask(task, step.Name, fmt.Errorf("%s: %w", step.Name, err))
		}

		// reload: handlers persist progress fields mid-step
		if r.task, err = e.deps.Store.Task(taskID); err != nil {
			return fmt.Errorf("reload task %d: %w", taskID, err)
		}
	}

	final, err := e.deps.Store.Steps(taskID)
	if err != nil {
		return fmt.Errorf("reload steps of task %d: %w", taskID, err)
	}
	for _, step := range final {
		if !step.Status.Done() {
			return e.failTask(task, step.Name, fmt.Errorf("step %q ended %s", step.Name, step.Status))
		}
	}

	if err := e.deps.Store.FinishTask(taskID, model.TaskSuccess, ""); err != nil {
		return fmt.Errorf("finish task %d: %w", taskID, err)
	}
	e.deps.Metrics.ObserveTaskDuration(string(task.Mode), time.Since(started))
	e.deps.Metrics.IncTaskOutcome(string(model.TaskSuccess))
	e.deps.Events.PublishTask(events.TaskEvent{
		TaskID: taskID, Project: task.ProjectName, Mode: string(task.Mode), Status: string(model.TaskSuccess),
	})
	slog.Info("Task completed", logfields.TaskID(taskID), logfields.Project(task.ProjectName))
	return nil
}

// handleInterrupt sorts out why the context fell: a pause puts the live step
// back to pending so resume re-runs it, a cancel leaves the statuses the
// cancel mutation already wrote, and a daemon shutdown leaves the task
// running for startup recovery.
func (e *Engine) handleInterrupt(taskID int64, step *model.Step) error {
	task, err := e.deps.Store.Task(taskID)
	if err != nil {
		return fmt.Errorf("reload task %d after interrupt: %w", taskID, err)
	}
	var stepName string
	if step != nil {
		stepName = step.Name
	}
	switch task.Status {
	case model.TaskPaused:
		if step != nil {
			_ = e.deps.Store.ResetStep(step.ID)
		}
		slog.Info("Task paused", logfields.TaskID(taskID))
		e.deps.Events.PublishTask(events.TaskEvent{
			TaskID: taskID, Project: task.ProjectName, Mode: string(task.Mode),
			Status: string(model.TaskPaused), Step: stepName,
		})
	case model.TaskCancelled:
		e.deps.Metrics.IncTaskOutcome(string(model.TaskCancelled))
		slog.Info("Task cancelled", logfields.TaskID(taskID))
		e.deps.Events.PublishTask(events.TaskEvent{
			TaskID: taskID, Project: task.ProjectName, Mode: string(task.Mode),
			Status: string(model.TaskCancelled), Step: stepName,
		})
	default:
		// shutdown: leave running state on disk, recovery resumes it
		slog.Info("Task interrupted by shutdown", logfields.TaskID(taskID))
	}
	return nil
}

func (e *Engine) failTask(task model.Task, stepName string, cause error) error {
	if err := e.deps.Store.FinishTask(task.ID, model.TaskFailed, cause.Error()); err != nil {
		return fmt.Errorf("record task failure: %w", err)
	}
	e.deps.Metrics.IncTaskOutcome(string(model.TaskFailed))
	e.deps.Events.PublishTask(events.TaskEvent{
		TaskID: task.ID, Project: task.ProjectName, Mode: string(task.Mode),
		Status: string(model.TaskFailed), Step: stepName, Error: cause.Error(),
	})
	slog.Error("Task failed", logfields.TaskID(task.ID), logfields.Error(cause))
	return cause
}
