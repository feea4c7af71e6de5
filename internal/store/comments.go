package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Comment is a note attached to a task, either user-authored or produced by
// the assessment engine / review-comment synthesis.
type Comment struct {
	ID        int64
	UUID      string
	TaskID    int64
	Content   string
	Author    string
	CreatedAt int64
	UpdatedAt int64
}

// CreateComment inserts a comment under a task.
func (s *Store) CreateComment(c *Comment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.UUID == "" {
		c.UUID = uuid.New().String()
	}
	now := time.Now().UnixMilli()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	if c.UpdatedAt == 0 {
		c.UpdatedAt = now
	}

	res, err := s.db.Exec(`
		INSERT INTO comments (uuid, task_id, content, author, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.UUID, c.TaskID, c.Content, c.Author, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to create comment: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read comment id: %w", err)
	}
	c.ID = id
	return id, nil
}

// ListComments returns a task's comments oldest first, the order the
// session-prompt builder replays prior feedback in.
func (s *Store) ListComments(taskID int64) ([]*Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, uuid, task_id, content, author, created_at, updated_at
		FROM comments WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var comments []*Comment
	for rows.Next() {
		c := &Comment{}
		if err := rows.Scan(&c.ID, &c.UUID, &c.TaskID, &c.Content, &c.Author, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// deleteCommentsForTask removes a task's comments. Not exported: comments
// only ever disappear as a side effect of their owning task being purged
// (currently only by DedupePending), never on their own.
func (s *Store) deleteCommentsForTask(taskID int64) error {
	_, err := s.db.Exec(`DELETE FROM comments WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete comments for task %d: %w", taskID, err)
	}
	return nil
}
