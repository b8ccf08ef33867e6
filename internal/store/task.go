package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawdeploy/clawd/internal/id"
)

// Task statuses. pending -> processing -> completed | failed.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Task is a queued unit of lifecycle work.
type Task struct {
	ID         string
	Type       string
	Params     json.RawMessage
	UserID     string
	InstanceID *string
	Status     string
	Result     json.RawMessage
	Error      *string
	TraceID    *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const taskColumns = `id, type, params, user_id, instance_id, status, result, error, trace_id, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var params string
	var instanceID, result, errMsg, traceID sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Type, &params, &t.UserID, &instanceID, &t.Status,
		&result, &errMsg, &traceID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Params = json.RawMessage(params)
	if instanceID.Valid {
		t.InstanceID = &instanceID.String
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		t.Error = &errMsg.String
	}
	if traceID.Valid {
		t.TraceID = &traceID.String
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

// EnqueueTask inserts a pending task.
func (s *Store) EnqueueTask(taskType string, params any, userID string, instanceID *string) (*Task, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling task params: %w", err)
	}

	now := time.Now().UTC()
	t := &Task{
		ID:         id.Generate("task"),
		Type:       taskType,
		Params:     paramsJSON,
		UserID:     userID,
		InstanceID: instanceID,
		Status:     TaskPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var instID any
	if instanceID != nil {
		instID = *instanceID
	}
	_, err = s.db.Exec(`
		INSERT INTO tasks (id, type, params, user_id, instance_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Type, string(paramsJSON), t.UserID, instID, t.Status,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}
	return t, nil
}

// EnqueueCreate inserts an instance placeholder and its instance_create
// task together, mirroring how external callers submit creation work:
// the dashboard sees the placeholder immediately while the queue picks
// up the task. A failed task insert rolls the placeholder back.
func (s *Store) EnqueueCreate(inst Instance, params any) (*Instance, *Task, error) {
	created, err := s.CreateInstance(inst)
	if err != nil {
		return nil, nil, err
	}
	task, err := s.EnqueueTask("instance_create", params, inst.UserID, &created.ID)
	if err != nil {
		// Two statements, one logical insert: roll the placeholder back
		// rather than leaving a record with no task to resolve it.
		_ = s.DeleteInstance(created.ID)
		return nil, nil, err
	}
	return created, task, nil
}

// ClaimOldestPending selects the oldest pending task and atomically
// marks it processing. Returns (nil, nil) when the queue is empty.
func (s *Store) ClaimOldestPending() (*Task, error) {
	row := s.db.QueryRow(`
		SELECT ` + taskColumns + ` FROM tasks
		WHERE status = ? ORDER BY created_at ASC LIMIT 1
	`, TaskPending)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting pending task: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, TaskProcessing, time.Now().UTC().Format(time.RFC3339Nano), t.ID, TaskPending)
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Claimed by someone else between select and update. With a
		// single consumer this cannot happen, but treat it as empty.
		return nil, nil
	}
	t.Status = TaskProcessing
	return t, nil
}

// CompleteTask records a successful execution.
func (s *Store) CompleteTask(taskID string, result any, traceID string) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling task result: %w", err)
	}
	var trace any
	if traceID != "" {
		trace = traceID
	}
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, result = ?, trace_id = ?, error = NULL, updated_at = ?
		WHERE id = ?
	`, TaskCompleted, string(resultJSON), trace, time.Now().UTC().Format(time.RFC3339Nano), taskID)
	if err != nil {
		return fmt.Errorf("completing task: %w", err)
	}
	return oneRow(res)
}

// FailTask records a failed execution.
func (s *Store) FailTask(taskID, errMsg string, traceID string) error {
	var trace any
	if traceID != "" {
		trace = traceID
	}
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, error = ?, trace_id = ?, updated_at = ?
		WHERE id = ?
	`, TaskFailed, errMsg, trace, time.Now().UTC().Format(time.RFC3339Nano), taskID)
	if err != nil {
		return fmt.Errorf("failing task: %w", err)
	}
	return oneRow(res)
}

// GetTask returns a task by id.
func (s *Store) GetTask(taskID string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}
	return t, nil
}

// SweepProcessing fails any task left in processing status. Run once at
// startup: with a single consumer, a processing task at boot can only
// be an orphan from a crashed previous run.
func (s *Store) SweepProcessing(reason string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE status = ?
	`, TaskFailed, reason, time.Now().UTC().Format(time.RFC3339Nano), TaskProcessing)
	if err != nil {
		return 0, fmt.Errorf("sweeping processing tasks: %w", err)
	}
	return res.RowsAffected()
}
