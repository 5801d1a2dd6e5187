package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"git.home.luguber.info/inful/packflow/internal/model"
)

const taskCols = `id, project_id, project_name, mode, version, architectures,
	topic_id, topic_name, start_head, status, current_step_index, error,
	review_branch, review_number, review_url, review_state,
	mirror_synced, mirror_head, build_id, build_state, build_url,
	created_at, started_at, completed_at`

const stepCols = `id, task_id, step_order, name, description, status, log,
	error, started_at, completed_at, retry_count`

// CreateTaskParams carries the inputs for task creation.
type CreateTaskParams struct {
	ProjectID     int64
	Mode          model.TaskMode
	Version       string
	Architectures []string
	TopicID       int64
	TopicName     string
	StartHead     string
}

// CreateTask constructs a pending task and materializes its step list from
// the mode's catalog. Unknown modes are refused.
func (s *Store) CreateTask(p CreateTaskParams) (model.Task, error) {
	defs, ok := model.StepsForMode(p.Mode)
	if !ok {
		return model.Task{}, fmt.Errorf("unknown task mode %q", p.Mode)
	}
	if p.Version == "" {
		return model.Task{}, fmt.Errorf("version is required")
	}

	project, err := s.Project(p.ProjectID)
	if err != nil {
		return model.Task{}, fmt.Errorf("project %d: %w", p.ProjectID, err)
	}

	var taskID int64
	ts := now()
	err = s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO build_tasks
			(project_id, project_name, mode, version, architectures,
			 topic_id, topic_name, start_head, status, current_step_index,
			 created_at)
			VALUES (?,?,?,?,?,?,?,?,?,0,?)`,
			p.ProjectID, project.Name, string(p.Mode), p.Version,
			nullStr(strings.Join(p.Architectures, ";")), nullInt(p.TopicID),
			nullStr(p.TopicName), nullStr(p.StartHead),
			string(model.TaskPending), ts)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		taskID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for i, def := range defs {
			if _, err := tx.Exec(`INSERT INTO build_task_steps
				(task_id, step_order, name, description, status, retry_count)
				VALUES (?,?,?,?,?,0)`,
				taskID, i, def.Name, def.Description, string(model.StepPending)); err != nil {
				return fmt.Errorf("insert step %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	return s.Task(taskID)
}

// Task returns one task with its steps loaded, ordered by step order.
func (s *Store) Task(id int64) (model.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskCols+` FROM build_tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err != nil {
		return t, err
	}
	return t, nil
}

// Steps returns a task's steps in order.
func (s *Store) Steps(taskID int64) ([]model.Step, error) {
	rows, err := s.db.Query(`SELECT `+stepCols+` FROM build_task_steps WHERE task_id=? ORDER BY step_order`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []model.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Tasks lists tasks most-recent-first with an optional status filter.
func (s *Store) Tasks(status model.TaskStatus, limit, offset int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + taskCols + ` FROM build_tasks`
	args := []any{}
	if status != "" {
		q += ` WHERE status=?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TasksByStatus returns every task currently in the given status (used for
// startup recovery).
func (s *Store) TasksByStatus(status model.TaskStatus) ([]model.Task, error) {
	return s.Tasks(status, 10000, 0)
}

// StartTask marks a pending or paused task as ready for the scheduler.
func (s *Store) StartTask(id int64) error {
	return s.transition(id, []model.TaskStatus{model.TaskPending, model.TaskPaused},
		func(tx *sql.Tx, t model.Task) error {
			_, err := tx.Exec(`UPDATE build_tasks SET status=? WHERE id=?`,
				string(model.TaskPending), id)
			return err
		})
}

// PauseTask moves a running task to paused. The caller (scheduler) raises
// the executor's cancel separately.
func (s *Store) PauseTask(id int64) error {
	return s.transition(id, []model.TaskStatus{model.TaskRunning},
		func(tx *sql.Tx, t model.Task) error {
			_, err := tx.Exec(`UPDATE build_tasks SET status=? WHERE id=?`,
				string(model.TaskPaused), id)
			return err
		})
}

// ResumeTask moves a paused task back to pending.
func (s *Store) ResumeTask(id int64) error {
	return s.transition(id, []model.TaskStatus{model.TaskPaused},
		func(tx *sql.Tx, t model.Task) error {
			_, err := tx.Exec(`UPDATE build_tasks SET status=? WHERE id=?`,
				string(model.TaskPending), id)
			return err
		})
}

// CancelTask cancels any non-terminal task; pending and running steps become
// cancelled.
func (s *Store) CancelTask(id int64) error {
	return s.transition(id,
		[]model.TaskStatus{model.TaskPending, model.TaskRunning, model.TaskPaused},
		func(tx *sql.Tx, t model.Task) error {
			if _, err := tx.Exec(`UPDATE build_tasks SET status=?, completed_at=? WHERE id=?`,
				string(model.TaskCancelled), now(), id); err != nil {
				return err
			}
			_, err := tx.Exec(`UPDATE build_task_steps
				SET status=?, log=COALESCE(NULLIF(log,''), 'task cancelled')
				WHERE task_id=? AND status IN (?,?)`,
				string(model.StepCancelled), id,
				string(model.StepPending), string(model.StepRunning))
			return err
		})
}

// RetryTask resets a non-running task for another pass. fromStep 0 resets
// every step and zeroes the task's progress fields; a positive fromStep
// resets only steps at or after that order.
func (s *Store) RetryTask(id int64, fromStep int) error {
	return s.transition(id,
		[]model.TaskStatus{model.TaskPending, model.TaskPaused, model.TaskSuccess, model.TaskFailed, model.TaskCancelled},
		func(tx *sql.Tx, t model.Task) error {
			if fromStep <= 0 {
				if _, err := tx.Exec(`UPDATE build_tasks SET
					status=?, current_step_index=0, error=NULL,
					started_at=NULL, completed_at=NULL, start_head=NULL,
					review_branch=NULL, review_number=NULL, review_url=NULL,
					review_state=NULL, mirror_synced=0, mirror_head=NULL,
					build_id=NULL, build_state=NULL, build_url=NULL
					WHERE id=?`, string(model.TaskPending), id); err != nil {
					return err
				}
			} else {
				// steps >= fromStep go back to pending, so the last
				// non-pending step is the one just before it
				if _, err := tx.Exec(`UPDATE build_tasks SET
					status=?, current_step_index=?, error=NULL, completed_at=NULL
					WHERE id=?`, string(model.TaskPending), fromStep-1, id); err != nil {
					return err
				}
			}
			_, err := tx.Exec(`UPDATE build_task_steps SET
				status=?, log=NULL, error=NULL, started_at=NULL,
				completed_at=NULL, retry_count=retry_count+1
				WHERE task_id=? AND step_order>=?`,
				string(model.StepPending), id, max(fromStep, 0))
			return err
		})
}

// DeleteTask removes a task and its steps. Running tasks are refused.
func (s *Store) DeleteTask(id int64) error {
	return s.inTx(func(tx *sql.Tx) error {
		t, err := taskForUpdate(tx, id)
		if err != nil {
			return err
		}
		if t.Status == model.TaskRunning {
			return fmt.Errorf("%w: cannot delete a running task", ErrInvalidTransition)
		}
		if _, err := tx.Exec(`DELETE FROM build_task_steps WHERE task_id=?`, id); err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM build_tasks WHERE id=?`, id)
		return err
	})
}

// CleanupCompleted bulk-deletes every task in a terminal state. Returns the
// number of tasks removed.
func (s *Store) CleanupCompleted() (int64, error) {
	var n int64
	err := s.inTx(func(tx *sql.Tx) error {
		terminal := []any{string(model.TaskSuccess), string(model.TaskFailed), string(model.TaskCancelled)}
		if _, err := tx.Exec(`DELETE FROM build_task_steps WHERE task_id IN
			(SELECT id FROM build_tasks WHERE status IN (?,?,?))`, terminal...); err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM build_tasks WHERE status IN (?,?,?)`, terminal...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Engine-side helpers. Each runs in its own transaction so step state is
// durable before the next step begins.

// MarkTaskRunning transitions the task to running, stamping started_at on
// the first run only.
func (s *Store) MarkTaskRunning(id int64) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE build_tasks SET status=?,
			started_at=COALESCE(started_at, ?) WHERE id=?`,
			string(model.TaskRunning), now(), id)
		return err
	})
}

// FinishTask records a terminal task status. The error message is kept
// empty for success.
func (s *Store) FinishTask(id int64, status model.TaskStatus, errMsg string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE build_tasks SET status=?, error=?, completed_at=? WHERE id=?`,
			string(status), nullStr(errMsg), now(), id)
		return err
	})
}

// StartStep marks a step running and advances the task's current step index.
func (s *Store) StartStep(stepID, taskID int64, order int) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE build_task_steps SET status=?, started_at=?, error=NULL WHERE id=?`,
			string(model.StepRunning), now(), stepID); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE build_tasks SET current_step_index=? WHERE id=?`, order, taskID)
		return err
	})
}

// FinishStep records a step's terminal status together with its log and
// error text.
func (s *Store) FinishStep(stepID int64, status model.StepStatus, log, errMsg string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE build_task_steps SET status=?, log=?, error=?, completed_at=? WHERE id=?`,
			string(status), nullStr(log), nullStr(errMsg), now(), stepID)
		return err
	})
}

// ResetStep puts a step back to pending so a paused task re-runs it on
// resume.
func (s *Store) ResetStep(stepID int64) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE build_task_steps SET status=?, started_at=NULL WHERE id=?`,
			string(model.StepPending), stepID)
		return err
	})
}

// SetStepLog updates a running step's log without touching its status. Used
// by polling steps to surface progress.
func (s *Store) SetStepLog(stepID int64, log string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE build_task_steps SET log=? WHERE id=?`, nullStr(log), stepID)
		return err
	})
}

// SetStartHead records the branch tip observed by the pull step.
func (s *Store) SetStartHead(taskID int64, head string) error {
	return s.taskField(`start_head`, taskID, head)
}

// SetReviewBranch records the work branch pushed for review.
func (s *Store) SetReviewBranch(taskID int64, branch string) error {
	return s.taskField(`review_branch`, taskID, branch)
}

// SetReview persists the opened review's coordinates.
func (s *Store) SetReview(taskID int64, number int, url string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE build_tasks SET review_number=?, review_url=? WHERE id=?`,
			nullInt(int64(number)), nullStr(url), taskID)
		return err
	})
}

// SetReviewState records the last observed review state.
func (s *Store) SetReviewState(taskID int64, state string) error {
	return s.taskField(`review_state`, taskID, state)
}

// SetMirrorHead records the merge commit the mirror is expected to reach.
func (s *Store) SetMirrorHead(taskID int64, head string) error {
	return s.taskField(`mirror_head`, taskID, head)
}

// SetMirrorSynced flags the mirror as caught up.
func (s *Store) SetMirrorSynced(taskID int64, synced bool) error {
	return s.inTx(func(tx *sql.Tx) error {
		v := 0
		if synced {
			v = 1
		}
		_, err := tx.Exec(`UPDATE build_tasks SET mirror_synced=? WHERE id=?`, v, taskID)
		return err
	})
}

// SetBuild persists the dispatched package-service build.
func (s *Store) SetBuild(taskID int64, buildID, state, url string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE build_tasks SET build_id=?, build_state=?, build_url=? WHERE id=?`,
			nullStr(buildID), nullStr(state), nullStr(url), taskID)
		return err
	})
}

func (s *Store) taskField(col string, taskID int64, v string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE build_tasks SET `+col+`=? WHERE id=?`, nullStr(v), taskID)
		return err
	})
}

// transition loads the task inside a transaction, verifies the current
// status is one of from, and applies fn.
func (s *Store) transition(id int64, from []model.TaskStatus, fn func(tx *sql.Tx, t model.Task) error) error {
	return s.inTx(func(tx *sql.Tx) error {
		t, err := taskForUpdate(tx, id)
		if err != nil {
			return err
		}
		allowed := false
		for _, st := range from {
			if t.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: task %d is %s", ErrInvalidTransition, id, t.Status)
		}
		return fn(tx, t)
	})
}

func taskForUpdate(tx *sql.Tx, id int64) (model.Task, error) {
	row := tx.QueryRow(`SELECT `+taskCols+` FROM build_tasks WHERE id=?`, id)
	return scanTask(row)
}

func scanTask(row rowScanner) (model.Task, error) {
	var t model.Task
	var arches, topicName, startHead, errMsg sql.NullString
	var reviewBranch, reviewURL, reviewState, mirrorHead sql.NullString
	var buildID, buildState, buildURL sql.NullString
	var topicID, reviewNumber sql.NullInt64
	var mirrorSynced int
	var mode, status string
	var created int64
	var started, completed sql.NullInt64

	err := row.Scan(&t.ID, &t.ProjectID, &t.ProjectName, &mode, &t.Version,
		&arches, &topicID, &topicName, &startHead, &status,
		&t.CurrentStepIndex, &errMsg, &reviewBranch, &reviewNumber,
		&reviewURL, &reviewState, &mirrorSynced, &mirrorHead, &buildID,
		&buildState, &buildURL, &created, &started, &completed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("scan task: %w", err)
	}
	t.Mode = model.TaskMode(mode)
	t.Status = model.TaskStatus(status)
	if a := strOf(arches); a != "" {
		t.Architectures = strings.Split(a, ";")
	}
	t.TopicID = intOf(topicID)
	t.TopicName = strOf(topicName)
	t.StartHead = strOf(startHead)
	t.Error = strOf(errMsg)
	t.ReviewBranch = strOf(reviewBranch)
	t.ReviewNumber = int(intOf(reviewNumber))
	t.ReviewURL = strOf(reviewURL)
	t.ReviewState = strOf(reviewState)
	t.MirrorSynced = mirrorSynced != 0
	t.MirrorHead = strOf(mirrorHead)
	t.BuildID = strOf(buildID)
	t.BuildState = strOf(buildState)
	t.BuildURL = strOf(buildURL)
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.StartedAt = timeOf(started)
	t.CompletedAt = timeOf(completed)
	return t, nil
}

func scanStep(row rowScanner) (model.Step, error) {
	var st model.Step
	var desc, log, errMsg sql.NullString
	var status string
	var started, completed sql.NullInt64

	err := row.Scan(&st.ID, &st.TaskID, &st.Order, &st.Name, &desc, &status,
		&log, &errMsg, &started, &completed, &st.RetryCount)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("scan step: %w", err)
	}
	st.Description = strOf(desc)
	st.Status = model.StepStatus(status)
	st.Log = strOf(log)
	st.Error = strOf(errMsg)
	st.StartedAt = timeOf(started)
	st.CompletedAt = timeOf(completed)
	return st, nil
}
