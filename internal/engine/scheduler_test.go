package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/packflow/internal/forge"
	"git.home.luguber.info/inful/packflow/internal/model"
)

func waitForStatus(t *testing.T, f *fixture, taskID int64, want model.TaskStatus) model.Task {
	t.Helper()
	var got model.Task
	require.Eventually(t, func() bool {
		task, err := f.store.Task(taskID)
		if err != nil {
			return false
		}
		got = task
		return task.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestSchedulerRunsSubmittedTask(t *testing.T) {
	f := newFixture(t)
	p := f.dualForgeProject(t)
	task := f.createTask(t, p.ID, model.ModeNormal)

	sched := NewScheduler(f.engine, 2)
	defer sched.Shutdown()

	sched.Submit(task.ID)
	waitForStatus(t, f, task.ID, model.TaskSuccess)
	require.Eventually(t, func() bool { return !sched.IsRunning(task.ID) },
		time.Second, 10*time.Millisecond)
}

func TestSchedulerIgnoresDuplicateSubmit(t *testing.T) {
	f := newFixture(t)
	f.review.polls = []forge.Review{{Number: 42, State: "open"}}
	p := f.dualForgeProject(t)
	task := f.createTask(t, p.ID, model.ModeNormal)

	started := make(chan struct{}, 4)
	f.engine.deps.Sleep = func(ctx context.Context, d time.Duration) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}

	sched := NewScheduler(f.engine, 2)
	defer sched.Shutdown()

	sched.Submit(task.ID)
	<-started
	sched.Submit(task.ID)

	assert.Never(t, func() bool { return len(started) > 0 },
		200*time.Millisecond, 20*time.Millisecond)
	assert.True(t, sched.IsRunning(task.ID))
}

func TestSchedulerStopCancelsRunningTask(t *testing.T) {
	f := newFixture(t)
	f.review.polls = []forge.Review{{Number: 42, State: "open"}}
	p := f.dualForgeProject(t)
	task := f.createTask(t, p.ID, model.ModeNormal)

	started := make(chan struct{}, 1)
	f.engine.deps.Sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}

	sched := NewScheduler(f.engine, 2)
	defer sched.Shutdown()

	sched.Submit(task.ID)
	<-started
	require.NoError(t, f.store.CancelTask(task.ID))
	assert.True(t, sched.Stop(task.ID))

	waitForStatus(t, f, task.ID, model.TaskCancelled)
	require.Eventually(t, func() bool { return !sched.IsRunning(task.ID) },
		time.Second, 10*time.Millisecond)
}

func TestSchedulerStopUnknownTask(t *testing.T) {
	f := newFixture(t)
	sched := NewScheduler(f.engine, 2)
	defer sched.Shutdown()
	assert.False(t, sched.Stop(12345))
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	f := newFixture(t)
	f.review.polls = []forge.Review{{Number: 42, State: "open"}}
	p := f.dualForgeProject(t)
	first := f.createTask(t, p.ID, model.ModeNormal)
	second := f.createTask(t, p.ID, model.ModeNormal)

	started := make(chan struct{}, 4)
	f.engine.deps.Sleep = func(ctx context.Context, d time.Duration) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}

	sched := NewScheduler(f.engine, 1)
	defer sched.Shutdown()

	sched.Submit(first.ID)
	<-started
	sched.Submit(second.ID)

	// the single worker slot is held by the first task
	assert.Never(t, func() bool { return len(started) > 0 },
		200*time.Millisecond, 20*time.Millisecond)
}

func TestSchedulerRecoverResubmitsRunningTasks(t *testing.T) {
	f := newFixture(t)
	p := f.dualForgeProject(t)
	task := f.createTask(t, p.ID, model.ModeNormal)
	// simulate a daemon that died mid-task
	require.NoError(t, f.store.MarkTaskRunning(task.ID))

	sched := NewScheduler(f.engine, 2)
	defer sched.Shutdown()

	require.NoError(t, sched.Recover())
	waitForStatus(t, f, task.ID, model.TaskSuccess)
}

func TestSchedulerShutdownLeavesTaskRunningForRecovery(t *testing.T) {
	f := newFixture(t)
	f.review.polls = []forge.Review{{Number: 42, State: "open"}}
	p := f.dualForgeProject(t)
	task := f.createTask(t, p.ID, model.ModeNormal)

	started := make(chan struct{}, 1)
	f.engine.deps.Sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}

	sched := NewScheduler(f.engine, 2)
	sched.Submit(task.ID)
	<-started
	sched.Shutdown()

	got, err := f.store.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, got.Status)
}
