package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ajfrai/agent-queue/internal/agentcli"
	"github.com/ajfrai/agent-queue/internal/store"
	"github.com/ajfrai/agent-queue/internal/vcs"
)

const defaultModel = "sonnet"

// ExecuteNextTasks fills up to maxConcurrent − running execution slots.
// A selected task flagged for decomposition (by its own assessment or a
// user's manual decompose_on_heartbeat flag) is decomposed instead of
// executed.
func (s *Scheduler) ExecuteNextTasks(ctx context.Context, maxConcurrent int) (int, error) {
	running, err := s.store.CountRunningSessions()
	if err != nil {
		return 0, fmt.Errorf("counting running sessions: %w", err)
	}

	slots := maxConcurrent - running
	if slots <= 0 {
		return 0, nil
	}

	tasks, err := s.store.NextExecutable(slots)
	if err != nil {
		return 0, fmt.Errorf("selecting executable tasks: %w", err)
	}

	acted := 0
	for _, task := range tasks {
		forceDecompose := task.ForceDecompose()
		assessmentPayload, _ := task.Metadata[store.MetaAssessment].(map[string]interface{})
		shouldDecompose := false
		var subtasks []string
		if assessmentPayload != nil {
			shouldDecompose, _ = assessmentPayload["should_decompose"].(bool)
			if raw, ok := assessmentPayload["subtasks"].([]interface{}); ok {
				for _, v := range raw {
					if str, ok := v.(string); ok {
						subtasks = append(subtasks, str)
					}
				}
			}
		}

		if (shouldDecompose || forceDecompose) && len(subtasks) > 0 {
			if err := s.decomposeTask(ctx, task, subtasks); err != nil {
				s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to decompose task")
				s.markTaskFailed(ctx, task, err.Error())
			}
			acted++
			continue
		}

		model := task.RecommendedModel
		if model == "" {
			model = defaultModel
		}
		s.executeTask(ctx, task, model)
		acted++
	}

	return acted, nil
}

// decomposeTask replaces task with subtaskTitles as children, evenly
// positioned just ahead of the rest of the queue, and marks task decomposed.
func (s *Scheduler) decomposeTask(ctx context.Context, task *store.Task, subtaskTitles []string) error {
	allTasks, err := s.store.ListTasks(store.TaskFilter{})
	if err != nil {
		return fmt.Errorf("listing tasks for positioning: %w", err)
	}
	minPosition := task.Position
	for _, t := range allTasks {
		if t.Position < minPosition {
			minPosition = t.Position
		}
	}

	var createdIDs []int64
	for i, title := range subtaskTitles {
		child := &store.Task{
			Title:       title,
			Description: fmt.Sprintf("Subtask of: %s", task.Title),
			Priority:    task.Priority,
			ParentID:    task.ID,
			Position:    minPosition - len(subtaskTitles) + i,
			Metadata:    map[string]interface{}{store.MetaActive: true},
		}
		id, err := s.store.CreateTask(child)
		if err != nil {
			return fmt.Errorf("creating subtask %q: %w", title, err)
		}
		createdIDs = append(createdIDs, id)
		s.emit("task.created", child.UUID, map[string]interface{}{
			"task_id": id, "title": title, "parent_task_id": task.ID,
		})
	}

	if err := s.store.MergeMetadata(task.ID, map[string]interface{}{
		store.MetaDecomposeOnBeat: false,
		store.MetaDecomposedInto:  createdIDs,
	}); err != nil {
		return fmt.Errorf("recording decomposition metadata: %w", err)
	}
	if err := s.store.UpdateTaskStatus(task.ID, store.TaskDecomposed); err != nil {
		return fmt.Errorf("marking task decomposed: %w", err)
	}

	s.emit("task.decomposed", task.UUID, map[string]interface{}{
		"task_id": task.ID, "subtasks": subtaskTitles, "created_task_ids": createdIDs,
	})
	return nil
}

// executeTask creates a worktree (if the task belongs to a git project),
// opens a session, and spawns the agent CLI. Any failure along the way
// rolls the task back to a requeue-or-fail outcome via markTaskFailed.
func (s *Scheduler) executeTask(ctx context.Context, task *store.Task, model string) {
	if err := s.store.UpdateTaskStatus(task.ID, store.TaskExecuting); err != nil {
		s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to mark task executing")
		return
	}
	s.emit("task.executing", task.UUID, map[string]interface{}{"task_id": task.ID})

	workingDir := s.sessionsDir
	var branch string
	project := s.projectForTask(task)

	if project != nil && project.RepoDir != "" {
		branch = vcs.BranchName(task.ID, task.Title)
		worktreePath, err := s.git.CreateWorktree(ctx, project.RepoDir, branch, project.DefaultBranch)
		if err != nil {
			s.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("failed to create worktree, falling back to repo dir")
			workingDir = project.RepoDir
		} else {
			workingDir = worktreePath
			if err := s.store.MergeMetadata(task.ID, map[string]interface{}{
				store.MetaBranch:       branch,
				store.MetaWorktreePath: worktreePath,
			}); err != nil {
				s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to record worktree metadata")
			}
		}
	}

	comments, err := s.store.ListComments(task.ID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("failed to load comment history for prompt")
	}
	prompt := buildSessionPrompt(task, comments)

	sessionUUID := uuid.New().String()
	stdoutPath, stderrPath := s.sessionLogPaths(sessionUUID)

	sess := &store.Session{
		UUID: sessionUUID, TaskID: task.ID, WorktreePath: workingDir, Model: model,
		StdoutPath: stdoutPath, StderrPath: stderrPath,
	}
	sessionID, err := s.store.CreateSession(sess)
	if err != nil {
		s.markTaskFailed(ctx, task, fmt.Sprintf("failed to create session: %v", err))
		return
	}

	if err := s.store.SetActiveSession(task.ID, sessionID); err != nil {
		s.rollbackSession(sessionID)
		s.markTaskFailed(ctx, task, fmt.Sprintf("failed to set active session: %v", err))
		return
	}

	pid, err := s.agents.Spawn(agentcli.SpawnRequest{
		SessionID:  sessionID,
		WorkingDir: workingDir,
		Prompt:     prompt,
		Model:      model,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	}, s.CompletionCallback())
	if err != nil {
		s.rollbackSession(sessionID)
		s.markTaskFailed(ctx, task, fmt.Sprintf("failed to spawn agent: %v", err))
		return
	}

	if err := s.store.MarkSessionStarted(sessionID, pid); err != nil {
		s.logger.Error().Err(err).Int64("session_id", sessionID).Msg("failed to record session start")
	}

	s.emit("session.started", task.UUID, map[string]interface{}{
		"task_id": task.ID, "session_id": sessionID, "pid": pid,
	})
	s.logger.Info().Int64("task_id", task.ID).Int64("session_id", sessionID).Msg("task executing")
}

// rollbackSession fails a session row whose process never launched, so it
// stops counting against the concurrency cap.
func (s *Scheduler) rollbackSession(sessionID int64) {
	if err := s.store.CompleteSession(sessionID, store.SessionFailed, -1); err != nil {
		s.logger.Error().Err(err).Int64("session_id", sessionID).Msg("failed to roll back unlaunched session")
	}
}
