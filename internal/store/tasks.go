package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recognized metadata keys (see design notes on the dynamic metadata bag).
const (
	MetaActive          = "active"
	MetaDecomposeOnBeat = "decompose_on_heartbeat"
	MetaAssessment      = "assessment"
	MetaDecomposedInto  = "decomposed_into"
	MetaRetryCount      = "retry_count"
	MetaError           = "error"
	MetaBranch          = "branch"
	MetaWorktreePath    = "worktree_path"
	MetaPRURL           = "pr_url"
)

// Task states, per the state machine in the scheduler design.
const (
	TaskPending        = "pending"
	TaskAssessing      = "assessing"
	TaskDecomposed     = "decomposed"
	TaskExecuting      = "executing"
	TaskReadyForReview = "ready_for_review"
	TaskCompleted      = "completed"
	TaskFailed         = "failed"
	TaskCancelled      = "cancelled"
)

// Task is a unit of work in the queue. ParentID, ProjectID and
// ActiveSessionID use 0 to mean "unset" rather than a pointer, matching the
// rest of this package's nullable-int convention.
type Task struct {
	ID               int64
	UUID             string
	ProjectID        int64
	ParentID         int64
	Title            string
	Description      string
	Status           string
	Priority         int
	Position         int
	Complexity       string
	RecommendedModel string
	ActiveSessionID  int64
	Metadata         map[string]interface{}
	CreatedAt        int64
	StartedAt        int64
	CompletedAt      int64
}

// IsActive reports the user-set `active` metadata gate that allows a task to
// be picked up by the execute phase.
func (t *Task) IsActive() bool {
	v, ok := t.Metadata[MetaActive]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ForceDecompose reports the manual `decompose_on_heartbeat` hint a caller
// can set ahead of the next assess-batch run.
func (t *Task) ForceDecompose() bool {
	v, ok := t.Metadata[MetaDecomposeOnBeat]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// RetryCount reads the metadata retry counter, defaulting to 0.
func (t *Task) RetryCount() int {
	v, ok := t.Metadata[MetaRetryCount]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status    string
	ProjectID int64
	ParentID  int64
	HasParent *bool
	Limit     int
}

func scanTask(row interface{ Scan(...interface{}) error }) (*Task, error) {
	t := &Task{}
	var projectID, parentID, activeSessionID sql.NullInt64
	var complexity, recommendedModel, metadata sql.NullString
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(
		&t.ID, &t.UUID, &projectID, &parentID, &t.Title, &t.Description, &t.Status,
		&t.Priority, &t.Position, &complexity, &recommendedModel, &activeSessionID,
		&metadata, &t.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ProjectID = projectID.Int64
	t.ParentID = parentID.Int64
	t.ActiveSessionID = activeSessionID.Int64
	t.Complexity = complexity.String
	t.RecommendedModel = recommendedModel.String
	t.StartedAt = startedAt.Int64
	t.CompletedAt = completedAt.Int64
	t.Metadata = unmarshalJSON(metadata.String)

	return t, nil
}

const taskColumns = `
	id, uuid, project_id, parent_id, title, description, status,
	priority, position, complexity, recommended_model, active_session_id,
	metadata, created_at, started_at, completed_at
`

// CreateTask inserts a new task, assigning its uuid and created_at if unset.
// Rejects a parent_id that does not reference an existing task, enforcing
// the tree invariant at the point of insertion.
func (s *Store) CreateTask(t *Task) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.UUID == "" {
		t.UUID = uuid.New().String()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().UnixMilli()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}

	if t.ParentID != 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT 1 FROM tasks WHERE id = ?`, t.ParentID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("parent task %d does not exist: %w", t.ParentID, err)
		}
	}

	res, err := s.db.Exec(`
		INSERT INTO tasks (
			uuid, project_id, parent_id, title, description, status,
			priority, position, complexity, recommended_model, active_session_id,
			metadata, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UUID, nullInt(t.ProjectID), nullInt(t.ParentID), t.Title, t.Description, t.Status,
		t.Priority, t.Position, sql.NullString{String: t.Complexity, Valid: t.Complexity != ""},
		sql.NullString{String: t.RecommendedModel, Valid: t.RecommendedModel != ""},
		nullInt(t.ActiveSessionID), marshalJSON(t.Metadata), t.CreatedAt,
		nullInt(t.StartedAt), nullInt(t.CompletedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read task id: %w", err)
	}
	t.ID = id
	return id, nil
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

// GetTask retrieves a task by internal id.
func (s *Store) GetTask(id int64) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT`+taskColumns+`FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus transitions a task's status. Returns an error if the
// task does not exist.
func (s *Store) UpdateTaskStatus(id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return requireRowsAffected(res, "task", id)
}

// SetAssessment records the outcome of a successful assessment. Status is
// left untouched: the caller decides the single follow-up transition
// (back to pending, or decomposed).
func (s *Store) SetAssessment(id int64, complexity, recommendedModel string, assessment map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTaskLocked(id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task not found: %d", id)
	}

	merged := mergeMetadata(t.Metadata, map[string]interface{}{MetaAssessment: assessment})

	_, err = s.db.Exec(`
		UPDATE tasks SET complexity = ?, recommended_model = ?, metadata = ?
		WHERE id = ?`,
		complexity, recommendedModel, marshalJSON(merged), id)
	if err != nil {
		return fmt.Errorf("failed to set assessment: %w", err)
	}
	return nil
}

// SetActiveSession sets active_session_id and status=executing, set when the
// execute phase spawns a session.
func (s *Store) SetActiveSession(id, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE tasks SET active_session_id = ?, status = ?, started_at = ? WHERE id = ?`,
		sessionID, TaskExecuting, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to set active session: %w", err)
	}
	return requireRowsAffected(res, "task", id)
}

// ClearActiveSession nulls active_session_id, used whenever a session
// terminates regardless of outcome.
func (s *Store) ClearActiveSession(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE tasks SET active_session_id = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to clear active session: %w", err)
	}
	return nil
}

// CompleteTask marks a task ready_for_review/completed/failed/cancelled with
// a completion timestamp.
func (s *Store) CompleteTask(id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return requireRowsAffected(res, "task", id)
}

// MergeMetadata shallow-merges patch into the task's metadata; a key mapped
// to nil in patch deletes it.
func (s *Store) MergeMetadata(id int64, patch map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTaskLocked(id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task not found: %d", id)
	}

	merged := mergeMetadata(t.Metadata, patch)
	_, err = s.db.Exec(`UPDATE tasks SET metadata = ? WHERE id = ?`, marshalJSON(merged), id)
	if err != nil {
		return fmt.Errorf("failed to merge metadata: %w", err)
	}
	return nil
}

// Reposition sets position for a task, used by the reorder API operation.
func (s *Store) Reposition(id int64, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE tasks SET position = ? WHERE id = ?`, position, id)
	if err != nil {
		return fmt.Errorf("failed to reposition task: %w", err)
	}
	return requireRowsAffected(res, "task", id)
}

// getTaskLocked reads a task without acquiring s.mu; callers must already
// hold it.
func (s *Store) getTaskLocked(id int64) (*Task, error) {
	row := s.db.QueryRow(`SELECT`+taskColumns+`FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks lists tasks matching f, ordered (position asc, priority desc, id asc).
func (s *Store) ListTasks(f TaskFilter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT` + taskColumns + `FROM tasks WHERE 1=1`
	var args []interface{}

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.ProjectID != 0 {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.ParentID != 0 {
		query += ` AND parent_id = ?`
		args = append(args, f.ParentID)
	}
	if f.HasParent != nil {
		if *f.HasParent {
			query += ` AND parent_id IS NOT NULL`
		} else {
			query += ` AND parent_id IS NULL`
		}
	}

	query += ` ORDER BY position ASC, priority DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// NextPendingUnassessed returns up to limit pending tasks that have not been
// classified yet, in scheduling order.
func (s *Store) NextPendingUnassessed(limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT`+taskColumns+`FROM tasks
		WHERE status = ? AND complexity IS NULL
		ORDER BY position ASC, priority DESC, id ASC
		LIMIT ?`, TaskPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unassessed tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// NextExecutable returns up to limit assessed, active, non-decomposed
// pending tasks in scheduling order. The active/decompose flags live in the
// metadata JSON bag, so filtering happens in Go after a bounded SQL scan.
func (s *Store) NextExecutable(limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT`+taskColumns+`FROM tasks
		WHERE status = ? AND complexity IS NOT NULL
		ORDER BY position ASC, priority DESC, id ASC`, TaskPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query executable tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if !t.IsActive() {
			continue
		}
		tasks = append(tasks, t)
		if limit > 0 && len(tasks) >= limit {
			break
		}
	}
	return tasks, rows.Err()
}

// DedupePending collapses exact (title, description, parent_id) duplicates
// among pending tasks, keeping the lowest id. Returns the ids removed.
func (s *Store) DedupePending() ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, title, description, COALESCE(parent_id, 0)
		FROM tasks WHERE status = ?
		ORDER BY id ASC`, TaskPending)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending tasks for dedupe: %w", err)
	}

	type key struct {
		title, desc string
		parent      int64
	}
	seen := map[key]int64{}
	var removed []int64

	for rows.Next() {
		var id, parent int64
		var title, desc string
		if err := rows.Scan(&id, &title, &desc, &parent); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan dedupe row: %w", err)
		}
		k := key{title, desc, parent}
		if _, ok := seen[k]; ok {
			removed = append(removed, id)
			continue
		}
		seen[k] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range removed {
		if err := s.deleteCommentsForTask(id); err != nil {
			return nil, err
		}
		if _, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to remove duplicate task %d: %w", id, err)
		}
	}

	return removed, nil
}

func requireRowsAffected(res sql.Result, kind string, id int64) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s not found: %d", kind, id)
	}
	return nil
}
