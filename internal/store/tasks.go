package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus enumerates durable work item states.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// ErrTaskCycle is returned when adding a dependency would close a cycle.
var ErrTaskCycle = errors.New("task dependency would create a cycle")

// Task is a durable work item, optionally scheduled and dependency-ordered.
type Task struct {
	ID           string
	Description  string
	Status       TaskStatus
	Priority     int
	CreatedBy    string
	ScheduledFor time.Time
	Payload      string
	Result       string
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateTask persists a new task; a missing id gets a fresh UUID and a missing
// status defaults to pending.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	now := s.now()
	task.CreatedAt = now
	task.UpdatedAt = now

	var scheduled sql.NullTime
	if !task.ScheduledFor.IsZero() {
		scheduled = sql.NullTime{Time: task.ScheduledFor, Valid: true}
	}
	_, err := s.exec(ctx, `
		INSERT INTO tasks (id, description, status, priority, created_by, scheduled_for, payload, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Description, string(task.Status), task.Priority, task.CreatedBy,
		scheduled, nullIfEmpty(task.Payload), nullIfEmpty(task.Result), nullIfEmpty(task.Error),
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// UpdateTaskStatus transitions a task and records result or error text.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, result, errText string) error {
	res, err := s.exec(ctx, `
		UPDATE tasks SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?
	`, string(status), nullIfEmpty(result), nullIfEmpty(errText), s.now(), id)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

// GetTask returns the task by id, or nil when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.queryRow(ctx, `
		SELECT id, description, status, priority, COALESCE(created_by, ''), scheduled_for,
		       COALESCE(payload, ''), COALESCE(result, ''), COALESCE(error, ''), created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks filtered by status ("" for all), highest priority
// first, then oldest first.
func (s *Store) ListTasks(ctx context.Context, status TaskStatus) ([]*Task, error) {
	query := `
		SELECT id, description, status, priority, COALESCE(created_by, ''), scheduled_for,
		       COALESCE(payload, ''), COALESCE(result, ''), COALESCE(error, ''), created_at, updated_at
		FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// AddTaskDependency records that taskID depends on dependsOn, rejecting edges
// that would close a cycle (the dependency graph stays a DAG by policy).
func (s *Store) AddTaskDependency(ctx context.Context, taskID, dependsOn string) error {
	if taskID == dependsOn {
		return ErrTaskCycle
	}
	reachable, err := s.dependsTransitively(ctx, dependsOn, taskID)
	if err != nil {
		return err
	}
	if reachable {
		return ErrTaskCycle
	}
	_, err = s.exec(ctx, `
		INSERT INTO task_dependencies (task_id, depends_on) VALUES (?, ?)
		ON CONFLICT (task_id, depends_on) DO NOTHING
	`, taskID, dependsOn)
	if err != nil {
		return fmt.Errorf("add task dependency: %w", err)
	}
	return nil
}

// TaskDependencies returns the ids taskID depends on.
func (s *Store) TaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.query(ctx, `SELECT depends_on FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// dependsTransitively reports whether from reaches to through dependency edges.
func (s *Store) dependsTransitively(ctx context.Context, from, to string) (bool, error) {
	visited := map[string]bool{}
	frontier := []string{from}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		if current == to {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true
		deps, err := s.TaskDependencies(ctx, current)
		if err != nil {
			return false, err
		}
		frontier = append(frontier, deps...)
	}
	return false, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var status string
	var scheduled sql.NullTime
	err := row.Scan(&task.ID, &task.Description, &status, &task.Priority, &task.CreatedBy,
		&scheduled, &task.Payload, &task.Result, &task.Error, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.Status = TaskStatus(status)
	if scheduled.Valid {
		task.ScheduledFor = scheduled.Time
	}
	return &task, nil
}
