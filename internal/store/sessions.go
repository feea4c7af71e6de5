package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session states.
const (
	SessionCreated   = "created"
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// Session is one invocation of the agent CLI against a task.
type Session struct {
	ID              int64
	UUID            string
	TaskID          int64
	WorktreePath    string
	Model           string
	Status          string
	TurnCount       int
	StdoutPath      string
	StderrPath      string
	PID             int
	ExitCode        int
	ClaudeSessionID string // best-effort, unused by the state machine
	Artifacts       map[string]interface{}
	CreatedAt       int64
	StartedAt       int64
	CompletedAt     int64
	LastHeartbeatAt int64
}

const sessionColumns = `
	id, uuid, task_id, worktree_path, model, status, turn_count,
	stdout_path, stderr_path, pid, exit_code, claude_session_id, artifacts,
	created_at, started_at, completed_at, last_heartbeat_at
`

func scanSession(row interface{ Scan(...interface{}) error }) (*Session, error) {
	sess := &Session{}
	var model, stdoutPath, stderrPath, claudeSessionID, artifacts sql.NullString
	var pid, exitCode, startedAt, completedAt, lastHeartbeatAt sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.UUID, &sess.TaskID, &sess.WorktreePath, &model, &sess.Status,
		&sess.TurnCount, &stdoutPath, &stderrPath, &pid, &exitCode, &claudeSessionID,
		&artifacts, &sess.CreatedAt, &startedAt, &completedAt, &lastHeartbeatAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Model = model.String
	sess.StdoutPath = stdoutPath.String
	sess.StderrPath = stderrPath.String
	sess.ClaudeSessionID = claudeSessionID.String
	sess.PID = int(pid.Int64)
	sess.ExitCode = int(exitCode.Int64)
	sess.StartedAt = startedAt.Int64
	sess.CompletedAt = completedAt.Int64
	sess.LastHeartbeatAt = lastHeartbeatAt.Int64
	sess.Artifacts = unmarshalJSON(artifacts.String)

	return sess, nil
}

// CreateSession inserts a new session row, stdout/stderr paths must already
// be set by the caller before the process is launched.
func (s *Store) CreateSession(sess *Session) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.UUID == "" {
		sess.UUID = uuid.New().String()
	}
	if sess.CreatedAt == 0 {
		sess.CreatedAt = time.Now().UnixMilli()
	}
	if sess.Status == "" {
		sess.Status = SessionCreated
	}

	var running int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE task_id = ? AND status IN (?, ?)`,
		sess.TaskID, SessionCreated, SessionRunning,
	).Scan(&running); err != nil {
		return 0, fmt.Errorf("failed to check active sessions: %w", err)
	}
	if running > 0 {
		return 0, fmt.Errorf("task %d already has an active session", sess.TaskID)
	}

	res, err := s.db.Exec(`
		INSERT INTO sessions (
			uuid, task_id, worktree_path, model, status, turn_count,
			stdout_path, stderr_path, pid, exit_code, claude_session_id, artifacts,
			created_at, started_at, completed_at, last_heartbeat_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.UUID, sess.TaskID, sess.WorktreePath,
		sql.NullString{String: sess.Model, Valid: sess.Model != ""},
		sess.Status, sess.TurnCount,
		sql.NullString{String: sess.StdoutPath, Valid: sess.StdoutPath != ""},
		sql.NullString{String: sess.StderrPath, Valid: sess.StderrPath != ""},
		nullInt(int64(sess.PID)), nullInt(int64(sess.ExitCode)),
		sql.NullString{String: sess.ClaudeSessionID, Valid: sess.ClaudeSessionID != ""},
		marshalJSON(sess.Artifacts), sess.CreatedAt,
		nullInt(sess.StartedAt), nullInt(sess.CompletedAt), nullInt(sess.LastHeartbeatAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read session id: %w", err)
	}
	sess.ID = id
	return id, nil
}

// GetSession retrieves a session by internal id.
func (s *Store) GetSession(id int64) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT`+sessionColumns+`FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// MarkSessionStarted records the PID once the child process is launched.
func (s *Store) MarkSessionStarted(id int64, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE sessions SET status = ?, pid = ?, started_at = ? WHERE id = ?`,
		SessionRunning, pid, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark session started: %w", err)
	}
	return requireRowsAffected(res, "session", id)
}

// CompleteSession records the terminal status and exit code.
func (s *Store) CompleteSession(id int64, status string, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE sessions SET status = ?, exit_code = ?, completed_at = ? WHERE id = ?`,
		status, exitCode, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	return requireRowsAffected(res, "session", id)
}

// TouchSessionHeartbeat updates the last-heartbeat timestamp used for
// crash-recovery staleness checks.
func (s *Store) TouchSessionHeartbeat(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET last_heartbeat_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to touch session heartbeat: %w", err)
	}
	return nil
}

// ActiveSessionForTask returns the task's session with status in
// {created, running}, if any.
func (s *Store) ActiveSessionForTask(taskID int64) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT`+sessionColumns+`FROM sessions
		WHERE task_id = ? AND status IN (?, ?)
		ORDER BY id DESC LIMIT 1`, taskID, SessionCreated, SessionRunning)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return sess, nil
}

// ListRunningSessions returns every session with status in {created, running}.
func (s *Store) ListRunningSessions() ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT`+sessionColumns+`FROM sessions WHERE status IN (?, ?)`,
		SessionCreated, SessionRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list running sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CountRunningSessions returns the number of sessions with status in
// {created, running}, the quantity execute_next_tasks subtracts from
// MAX_CONCURRENT_TASKS.
func (s *Store) CountRunningSessions() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE status IN (?, ?)`,
		SessionCreated, SessionRunning).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count running sessions: %w", err)
	}
	return count, nil
}
