package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"webintel/internal/logging"
	"webintel/internal/types"
)

// SubmitTask enqueues a task as pending.
func (s *Store) SubmitTask(task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = types.NewID()
	}
	task.Status = types.TaskPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	paramsJSON, err := json.Marshal(orEmptyMap(task.Params))
	if err != nil {
		return fmt.Errorf("failed to serialize task params: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO tasks (id, type, status, priority, params, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.Type, task.Status, task.Priority, string(paramsJSON), formatTime(task.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to submit task: %w", err)
	}
	logging.Tasks("submitted task %s type=%s priority=%d", task.ID, task.Type, task.Priority)
	return nil
}

// ClaimNextTask atomically moves the best pending task to running and
// returns it. Tasks are claimed highest priority first, then oldest
// first. Returns nil when the queue is empty.
func (s *Store) ClaimNextTask(taskTypes ...string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `SELECT id FROM tasks WHERE status = ?`
	args := []any{types.TaskPending}
	if len(taskTypes) > 0 {
		query += " AND type IN ("
		for i, t := range taskTypes {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, t)
		}
		query += ")"
	}
	query += " ORDER BY priority DESC, created_at ASC LIMIT 1"

	var id string
	err = tx.QueryRow(query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		types.TaskRunning, now(), id, types.TaskPending)
	if err != nil {
		return nil, err
	}
	task, err := getTaskTx(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	logging.TasksDebug("claimed task %s type=%s", task.ID, task.Type)
	return task, nil
}

// UpdateTaskProgress records fractional progress and a status line.
func (s *Store) UpdateTaskProgress(id string, progress float64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE tasks SET progress = ?, progress_msg = ? WHERE id = ?`, progress, msg, id)
	return err
}

// CompleteTask finishes a task with its result payload.
func (s *Store) CompleteTask(id string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resultJSON, err := json.Marshal(orEmptyMap(result))
	if err != nil {
		return fmt.Errorf("failed to serialize task result: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE tasks SET status = ?, result = ?, progress = 1, completed_at = ? WHERE id = ?`,
		types.TaskCompleted, string(resultJSON), now(), id)
	if err == nil {
		logging.Tasks("task %s completed", id)
	}
	return err
}

// FailTask marks a task failed with the error message.
func (s *Store) FailTask(id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		types.TaskFailed, errMsg, now(), id)
	if err == nil {
		logging.Tasks("task %s failed: %s", id, errMsg)
	}
	return err
}

// RequestCancel flags a task for cooperative cancellation. A pending
// task is cancelled outright; a running task keeps running until its
// worker observes the flag.
func (s *Store) RequestCancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		types.TaskCancelled, now(), id, types.TaskPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.Tasks("task %s cancelled while pending", id)
		return nil
	}
	_, err = s.db.Exec(`UPDATE tasks SET cancel_requested = 1 WHERE id = ? AND status = ?`,
		id, types.TaskRunning)
	return err
}

// IsCancelRequested reports whether a running task should stop.
func (s *Store) IsCancelRequested(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var flag int
	err := s.db.QueryRow(`SELECT cancel_requested FROM tasks WHERE id = ?`, id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return flag == 1, nil
}

// MarkCancelled finalizes a running task after its worker observed the
// cancel flag.
func (s *Store) MarkCancelled(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?`,
		types.TaskCancelled, now(), id)
	if err == nil {
		logging.Tasks("task %s cancelled", id)
	}
	return err
}

// GetTask returns a task by id, or nil.
func (s *Store) GetTask(id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTaskTx(s.db, id)
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getTaskTx(db queryRower, id string) (*types.Task, error) {
	var t types.Task
	var paramsJSON, resultJSON, createdAt, startedAt, completedAt string
	err := db.QueryRow(`
		SELECT id, type, status, priority, params, progress, progress_msg, result, error, created_at, started_at, completed_at
		FROM tasks WHERE id = ?`, id).Scan(
		&t.ID, &t.Type, &t.Status, &t.Priority, &paramsJSON, &t.Progress, &t.ProgressMsg,
		&resultJSON, &t.Error, &createdAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(paramsJSON), &t.Params)
	json.Unmarshal([]byte(resultJSON), &t.Result)
	t.CreatedAt = parseTime(createdAt)
	t.StartedAt = parseTime(startedAt)
	t.CompletedAt = parseTime(completedAt)
	return &t, nil
}

// ListTasks returns tasks, optionally narrowed by status, newest first.
func (s *Store) ListTasks(status types.TaskStatus, limit int) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, type, status, priority, params, progress, progress_msg, result, error, created_at, started_at, completed_at FROM tasks`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		var t types.Task
		var paramsJSON, resultJSON, createdAt, startedAt, completedAt string
		if err := rows.Scan(&t.ID, &t.Type, &t.Status, &t.Priority, &paramsJSON, &t.Progress,
			&t.ProgressMsg, &resultJSON, &t.Error, &createdAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(paramsJSON), &t.Params)
		json.Unmarshal([]byte(resultJSON), &t.Result)
		t.CreatedAt = parseTime(createdAt)
		t.StartedAt = parseTime(startedAt)
		t.CompletedAt = parseTime(completedAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RecoverRunningTasks fails every task still marked running. Called at
// startup: a running row with no live worker is a process that died.
func (s *Store) RecoverRunningTasks() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, error = ?, completed_at = ? WHERE status = ?`,
		types.TaskFailed, "restarted while running", now(), types.TaskRunning)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Tasks("recovered %d orphaned running tasks", n)
	}
	return n, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
