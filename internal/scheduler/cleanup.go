package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/ajfrai/agent-queue/internal/store"
	"github.com/ajfrai/agent-queue/internal/vcs"
)

// OnSessionTerminated finalizes a session once its agent CLI process exits:
// it records the session outcome, then on a clean exit opens a PR and files
// a review comment, or on failure requeues/fails the owning task.
func (s *Scheduler) OnSessionTerminated(ctx context.Context, sessionID int64, exitCode int, stdoutPath, stderrPath string) error {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("session %d not found", sessionID)
	}

	task, err := s.store.GetTask(sess.TaskID)
	if err != nil {
		return fmt.Errorf("get task for session: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task %d not found for session %d", sess.TaskID, sessionID)
	}

	// A user cancellation already settled the task; just close out the
	// session record.
	if task.Status == store.TaskCancelled {
		if err := s.store.CompleteSession(sessionID, store.SessionCancelled, exitCode); err != nil {
			s.logger.Error().Err(err).Int64("session_id", sessionID).Msg("failed to record cancelled session")
		}
		if err := s.store.ClearActiveSession(task.ID); err != nil {
			s.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("failed to clear active session")
		}
		s.emit("session.cancelled", task.UUID, map[string]interface{}{
			"session_id": sessionID, "task_id": task.ID, "exit_code": exitCode,
		})
		return nil
	}

	sessionStatus := store.SessionCompleted
	if exitCode != 0 {
		sessionStatus = store.SessionFailed
	}
	if err := s.store.CompleteSession(sessionID, sessionStatus, exitCode); err != nil {
		s.logger.Error().Err(err).Int64("session_id", sessionID).Msg("failed to record session completion")
	}
	if s.metrics != nil && sess.StartedAt > 0 {
		elapsed := time.Since(time.UnixMilli(sess.StartedAt))
		s.metrics.RecordSession(sessionStatus, elapsed.Seconds())
	}

	if exitCode != 0 {
		s.markTaskFailed(ctx, task, fmt.Sprintf("agent session exited with code %d", exitCode))
		return nil
	}

	comment := buildReviewComment(stdoutPath, exitCode)

	worktreePath, _ := task.Metadata[store.MetaWorktreePath].(string)
	project := s.projectForTask(task)

	if worktreePath != "" && project != nil && project.RepoDir != "" {
		commitMsg := fmt.Sprintf("%s (task %d)", task.Title, task.ID)
		if _, err := s.git.CommitAndPush(ctx, worktreePath, commitMsg); err != nil {
			s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to commit and push")
			s.markTaskFailed(ctx, task, fmt.Sprintf("failed to commit/push changes: %v", err))
			return nil
		}

		owner, repo, err := vcs.ParseGitHubRemote(project.OriginURL)
		if err != nil {
			s.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("cannot open PR, origin is not a github remote")
		} else {
			prURL, err := s.git.CreatePR(ctx, worktreePath, owner, repo, task.Title, comment)
			if err != nil {
				s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to create pull request")
			} else {
				comment = comment + fmt.Sprintf("\n\n---\nPull request: %s", prURL)
				if err := s.store.MergeMetadata(task.ID, map[string]interface{}{store.MetaPRURL: prURL}); err != nil {
					s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to record pr url")
				}
			}
		}
	}

	if _, err := s.store.CreateComment(&store.Comment{TaskID: task.ID, Content: comment, Author: "agent"}); err != nil {
		s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to record completion comment")
	} else {
		s.emit("comment.created", task.UUID, map[string]interface{}{"task_id": task.ID, "author": "agent"})
	}

	if err := s.store.CompleteTask(task.ID, store.TaskReadyForReview); err != nil {
		return fmt.Errorf("marking task ready for review: %w", err)
	}
	s.emit("task.ready_for_review", task.UUID, map[string]interface{}{"task_id": task.ID})

	if worktreePath != "" && project != nil {
		if err := s.git.RemoveWorktree(ctx, project.RepoDir, worktreePath); err != nil {
			s.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("failed to remove worktree after completion")
		}
	}

	if err := s.store.ClearActiveSession(task.ID); err != nil {
		s.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("failed to clear active session")
	}

	if task.ParentID != 0 {
		if err := s.checkParentCompletion(task.ParentID); err != nil {
			s.logger.Error().Err(err).Int64("parent_task_id", task.ParentID).Msg("failed to check parent completion")
		}
	}

	return nil
}

// checkParentCompletion rolls a decomposed task's status up from its
// children once every child has reached a terminal state: any failed child
// fails the parent, else any still awaiting review puts the parent in
// review, else the parent completes.
func (s *Scheduler) checkParentCompletion(parentID int64) error {
	children, err := s.store.ListTasks(store.TaskFilter{ParentID: parentID})
	if err != nil {
		return fmt.Errorf("listing children: %w", err)
	}
	if len(children) == 0 {
		return nil
	}

	allTerminal := true
	anyFailed := false
	anyReadyForReview := false
	for _, c := range children {
		switch c.Status {
		case store.TaskCompleted, store.TaskFailed, store.TaskCancelled:
		case store.TaskReadyForReview:
			anyReadyForReview = true
		default:
			allTerminal = false
		}
		if c.Status == store.TaskFailed {
			anyFailed = true
		}
	}

	if !allTerminal {
		return nil
	}

	parent, err := s.store.GetTask(parentID)
	if err != nil || parent == nil {
		return fmt.Errorf("get parent task: %w", err)
	}

	var newStatus string
	switch {
	case anyFailed:
		newStatus = store.TaskFailed
	case anyReadyForReview:
		newStatus = store.TaskReadyForReview
	default:
		newStatus = store.TaskCompleted
	}

	if parent.Status == newStatus {
		return nil
	}
	if err := s.store.CompleteTask(parentID, newStatus); err != nil {
		return fmt.Errorf("updating parent status: %w", err)
	}
	s.emit("task."+newStatus, parent.UUID, map[string]interface{}{"task_id": parentID, "reason": "all subtasks terminal"})
	return nil
}

// CleanupStaleWorktrees sweeps every git-backed project for worktrees whose
// branch does not belong to a currently in-flight task. Best-effort: a
// single project's failure is logged and does not abort the sweep.
func (s *Scheduler) CleanupStaleWorktrees(ctx context.Context) error {
	projects, err := s.store.ListProjects()
	if err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}

	activeBranchesByProject := map[int64]map[string]bool{}
	for _, status := range []string{store.TaskPending, store.TaskAssessing, store.TaskExecuting} {
		tasks, err := s.store.ListTasks(store.TaskFilter{Status: status})
		if err != nil {
			return fmt.Errorf("listing %s tasks: %w", status, err)
		}
		for _, t := range tasks {
			branch, _ := t.Metadata[store.MetaBranch].(string)
			if branch == "" {
				continue
			}
			if activeBranchesByProject[t.ProjectID] == nil {
				activeBranchesByProject[t.ProjectID] = map[string]bool{}
			}
			activeBranchesByProject[t.ProjectID][branch] = true
		}
	}

	for _, p := range projects {
		if p.RepoDir == "" {
			continue
		}
		if err := s.git.CleanupStaleWorktrees(ctx, p.RepoDir, activeBranchesByProject[p.ID]); err != nil {
			s.logger.Warn().Err(err).Int64("project_id", p.ID).Str("repo_dir", p.RepoDir).
				Msg("failed to clean up stale worktrees")
		}
	}
	return nil
}

// ReconcileOrphanedSessions handles crash recovery: a task left `executing`
// across a restart whose session has no corresponding supervised process
// (the agent CLI child died with the old one). Any session with status in
// {created, running} that agentcli no longer supervises is failed, and its
// owning task is requeued (or terminally failed past the retry budget)
// through the same markTaskFailed path used for in-process failures.
func (s *Scheduler) ReconcileOrphanedSessions(ctx context.Context) (int, error) {
	sessions, err := s.store.ListRunningSessions()
	if err != nil {
		return 0, fmt.Errorf("listing running sessions: %w", err)
	}
	if len(sessions) == 0 {
		return 0, nil
	}

	alive := make(map[int64]bool, len(sessions))
	for _, r := range s.agents.ListRunning() {
		alive[r.SessionID] = true
	}

	reconciled := 0
	for _, sess := range sessions {
		if alive[sess.ID] {
			continue
		}

		task, err := s.store.GetTask(sess.TaskID)
		if err != nil {
			s.logger.Error().Err(err).Int64("session_id", sess.ID).Msg("failed to load task for orphaned session")
			continue
		}
		if task == nil {
			s.logger.Warn().Int64("session_id", sess.ID).Int64("task_id", sess.TaskID).
				Msg("orphaned session references a missing task")
			continue
		}

		if err := s.store.CompleteSession(sess.ID, store.SessionFailed, -1); err != nil {
			s.logger.Error().Err(err).Int64("session_id", sess.ID).Msg("failed to complete orphaned session")
		}
		s.emit("session.failed", task.UUID, map[string]interface{}{
			"session_id": sess.ID, "task_id": task.ID, "reason": "orphaned: no supervised process after restart",
		})
		s.markTaskFailed(ctx, task, "orphaned session: no supervised process found after restart")
		reconciled++
	}
	return reconciled, nil
}

// DedupeTasks removes exact-duplicate pending tasks and emits one
// task.deduped event per id removed.
func (s *Scheduler) DedupeTasks(ctx context.Context) (int, error) {
	removed, err := s.store.DedupePending()
	if err != nil {
		return 0, fmt.Errorf("deduping pending tasks: %w", err)
	}
	for _, id := range removed {
		s.emit("task.deduped", "", map[string]interface{}{"task_id": id})
	}
	return len(removed), nil
}
