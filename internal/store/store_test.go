package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/packflow/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestProject(t *testing.T, s *Store) model.Project {
	t.Helper()
	p := model.Project{
		Name:              "deepin-editor",
		ReviewForgeURL:    "https://github.com/linuxdeepin/deepin-editor",
		ReviewForgeBranch: "master",
	}
	require.NoError(t, s.CreateProject(&p))
	return p
}

func TestCreateProjectDefaultsToPending(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	assert.NotZero(t, p.ID)
	got, err := s.Project(p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClonePending, got.CloneState)
	assert.Empty(t, got.ClonePath)
}

func TestProjectNameIsUnique(t *testing.T) {
	s := newTestStore(t)
	newTestProject(t, s)

	dup := model.Project{Name: "deepin-editor"}
	assert.Error(t, s.CreateProject(&dup))
}

func TestSetCloneStatePreservesPath(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	require.NoError(t, s.SetCloneState(p.ID, model.CloneReady, "/repos/deepin-editor", ""))
	require.NoError(t, s.SetCloneState(p.ID, model.CloneError, "", "fetch timed out"))

	got, err := s.Project(p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CloneError, got.CloneState)
	assert.Equal(t, "/repos/deepin-editor", got.ClonePath)
	assert.Equal(t, "fetch timed out", got.CloneError)
}

func TestReadyProjectsFiltersByState(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)
	q := model.Project{Name: "dde-daemon", MirrorForgeURL: "https://gerrit.internal/dde-daemon"}
	require.NoError(t, s.CreateProject(&q))
	require.NoError(t, s.SetCloneState(q.ID, model.CloneReady, "/repos/dde-daemon", ""))

	ready, err := s.ReadyProjects()
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, q.ID, ready[0].ID)
	assert.NotEqual(t, p.ID, ready[0].ID)
}

func TestGlobalConfigCreatedLazily(t *testing.T) {
	s := newTestStore(t)

	cfg, err := s.GlobalConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(1), cfg.ID)
	assert.Equal(t, "test", cfg.CRPTopicType)

	cfg.MaintainerName = "Ops Bot"
	cfg.MaintainerEmail = "ops@example.com"
	cfg.CRPBranchID = 42
	require.NoError(t, s.UpdateGlobalConfig(cfg))

	got, err := s.GlobalConfig()
	require.NoError(t, err)
	assert.Equal(t, "Ops Bot <ops@example.com>", got.Debemail())
	assert.Equal(t, int64(42), got.CRPBranchID)
}

func createTask(t *testing.T, s *Store, mode model.TaskMode) model.Task {
	t.Helper()
	p := newTestProject(t, s)
	task, err := s.CreateTask(CreateTaskParams{
		ProjectID: p.ID,
		Mode:      mode,
		Version:   "6.0.1",
	})
	require.NoError(t, err)
	return task
}

func TestCreateTaskMaterializesSteps(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, model.ModeNormal)

	steps, err := s.Steps(task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 10)
	for i, st := range steps {
		assert.Equal(t, i, st.Order)
		assert.Equal(t, model.StepPending, st.Status)
	}
	assert.Equal(t, model.StepCheckEnvironment, steps[0].Name)
	assert.Equal(t, model.StepMonitorBuild, steps[9].Name)
	assert.Equal(t, model.TaskPending, task.Status)
	assert.Equal(t, "deepin-editor", task.ProjectName)
}

func TestCreateTaskCRPOnlyHasThreeSteps(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, model.ModeCRPOnly)

	steps, err := s.Steps(task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, model.StepDispatchBuild, steps[1].Name)
}

func TestCreateTaskRejectsUnknownMode(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	_, err := s.CreateTask(CreateTaskParams{ProjectID: p.ID, Mode: "turbo", Version: "1.0"})
	assert.Error(t, err)
}

func TestTaskLifecycleTransitions(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, model.ModeNormal)

	require.NoError(t, s.MarkTaskRunning(task.ID))
	got, err := s.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, s.PauseTask(task.ID))
	assert.ErrorIs(t, s.PauseTask(task.ID), ErrInvalidTransition)

	require.NoError(t, s.ResumeTask(task.ID))
	got, err = s.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status)
}

func TestCancelTaskCancelsLiveSteps(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, model.ModeNormal)
	steps, err := s.Steps(task.ID)
	require.NoError(t, err)

	require.NoError(t, s.MarkTaskRunning(task.ID))
	require.NoError(t, s.StartStep(steps[0].ID, task.ID, 0))
	require.NoError(t, s.FinishStep(steps[0].ID, model.StepCompleted, "ok", ""))
	require.NoError(t, s.StartStep(steps[1].ID, task.ID, 1))

	require.NoError(t, s.CancelTask(task.ID))

	got, err := s.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	steps, err = s.Steps(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepCompleted, steps[0].Status)
	assert.Equal(t, model.StepCancelled, steps[1].Status)
	for _, st := range steps[2:] {
		assert.Equal(t, model.StepCancelled, st.Status)
	}

	assert.ErrorIs(t, s.CancelTask(task.ID), ErrInvalidTransition)
}

func TestCancelTerminalTaskRefused(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, model.ModeNormal)
	require.NoError(t, s.MarkTaskRunning(task.ID))
	require.NoError(t, s.FinishTask(task.ID, model.TaskFailed, "push rejected"))

	// failed is terminal; only retry leaves it
	assert.ErrorIs(t, s.CancelTask(task.ID), ErrInvalidTransition)

	got, err := s.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
}

func TestRetryTaskFromStepResetsTail(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, model.ModeNormal)
	steps, err := s.Steps(task.ID)
	require.NoError(t, err)

	require.NoError(t, s.MarkTaskRunning(task.ID))
	for i := 0; i < 4; i++ {
		require.NoError(t, s.StartStep(steps[i].ID, task.ID, i))
		require.NoError(t, s.FinishStep(steps[i].ID, model.StepCompleted, "done", ""))
	}
	require.NoError(t, s.StartStep(steps[4].ID, task.ID, 4))
	require.NoError(t, s.FinishStep(steps[4].ID, model.StepFailed, "", "push rejected"))
	require.NoError(t, s.FinishTask(task.ID, model.TaskFailed, "push rejected"))

	require.NoError(t, s.RetryTask(task.ID, 4))

	got, err := s.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status)
	// steps 4..9 are pending again; step 3 is the last non-pending one
	assert.Equal(t, 3, got.CurrentStepIndex)
	assert.Empty(t, got.Error)

	steps, err = s.Steps(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepCompleted, steps[3].Status)
	assert.Equal(t, model.StepPending, steps[4].Status)
	assert.Equal(t, 1, steps[4].RetryCount)
	assert.Empty(t, steps[4].Error)
}

func TestRetryTaskFullResetZeroesProgress(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, model.ModeNormal)

	require.NoError(t, s.MarkTaskRunning(task.ID))
	require.NoError(t, s.SetStartHead(task.ID, "abc123"))
	require.NoError(t, s.SetReview(task.ID, 77, "https://github.com/x/y/pull/77"))
	require.NoError(t, s.SetMirrorSynced(task.ID, true))
	require.NoError(t, s.SetBuild(task.ID, "b-1", "building", "https://crp/b-1"))
	require.NoError(t, s.FinishTask(task.ID, model.TaskFailed, "boom"))

	require.NoError(t, s.RetryTask(task.ID, 0))

	got, err := s.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status)
	assert.Equal(t, 0, got.CurrentStepIndex)
	assert.Empty(t, got.StartHead)
	assert.Zero(t, got.ReviewNumber)
	assert.False(t, got.MirrorSynced)
	assert.Empty(t, got.BuildID)
	assert.Nil(t, got.StartedAt)
}

func TestRetryRunningTaskRefused(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, model.ModeNormal)
	require.NoError(t, s.MarkTaskRunning(task.ID))

	assert.ErrorIs(t, s.RetryTask(task.ID, 0), ErrInvalidTransition)
}

func TestDeleteTaskRefusesRunning(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, model.ModeNormal)
	require.NoError(t, s.MarkTaskRunning(task.ID))

	assert.ErrorIs(t, s.DeleteTask(task.ID), ErrInvalidTransition)

	require.NoError(t, s.FinishTask(task.ID, model.TaskSuccess, ""))
	require.NoError(t, s.DeleteTask(task.ID))

	_, err := s.Task(task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	steps, err := s.Steps(task.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestCleanupCompletedKeepsLiveTasks(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	mk := func() model.Task {
		task, err := s.CreateTask(CreateTaskParams{ProjectID: p.ID, Mode: model.ModeNormal, Version: "1.0"})
		require.NoError(t, err)
		return task
	}
	done := mk()
	failed := mk()
	live := mk()
	require.NoError(t, s.MarkTaskRunning(done.ID))
	require.NoError(t, s.FinishTask(done.ID, model.TaskSuccess, ""))
	require.NoError(t, s.MarkTaskRunning(failed.ID))
	require.NoError(t, s.FinishTask(failed.ID, model.TaskFailed, "err"))

	n, err := s.CleanupCompleted()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := s.Tasks("", 10, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, live.ID, remaining[0].ID)
}

func TestTasksStatusFilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	for i := 0; i < 3; i++ {
		_, err := s.CreateTask(CreateTaskParams{ProjectID: p.ID, Mode: model.ModeCRPOnly, Version: "1.0"})
		require.NoError(t, err)
	}
	all, err := s.Tasks("", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// recent-first
	assert.Greater(t, all[0].ID, all[2].ID)

	running, err := s.Tasks(model.TaskRunning, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestTaskRoundTripTolerantOfUnsetFields(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, model.ModeChangelogOnly)

	got, err := s.Task(task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Architectures)
	assert.Zero(t, got.TopicID)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, "amd64;arm64;loong64;sw64;mips64el", got.ArchesJoined())
}

func TestStepLogUpdateKeepsStatus(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, model.ModeNormal)
	steps, err := s.Steps(task.ID)
	require.NoError(t, err)

	require.NoError(t, s.StartStep(steps[0].ID, task.ID, 0))
	require.NoError(t, s.SetStepLog(steps[0].ID, "poll 3/60: review open"))

	steps, err = s.Steps(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepRunning, steps[0].Status)
	assert.Equal(t, "poll 3/60: review open", steps[0].Log)
}

func TestNotFoundErrors(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Project(99)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Task(99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, errors.Is(s.StartTask(99), ErrNotFound))
}
