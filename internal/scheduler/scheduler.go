// Package scheduler implements the task state machine: operations over
// Store that classify tasks, fill execution slots, reap finished sessions,
// and garbage-collect worktrees.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ajfrai/agent-queue/internal/agentcli"
	"github.com/ajfrai/agent-queue/internal/assessment"
	"github.com/ajfrai/agent-queue/internal/eventbus"
	"github.com/ajfrai/agent-queue/internal/metrics"
	"github.com/ajfrai/agent-queue/internal/store"
	"github.com/ajfrai/agent-queue/internal/vcs"
)

const defaultMaxRetries = 3

// Scheduler owns every task state transition. It reads and writes Store,
// invokes the assessment engine or agent+vcs adapters, and emits through
// the event bus.
type Scheduler struct {
	store    *store.Store
	bus      *eventbus.Bus
	assessor *assessment.Engine
	agents   *agentcli.Adapter
	git      *vcs.Adapter
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	sessionsDir string
	maxRetries  int
}

// Config bundles Scheduler's dependencies and tunables.
type Config struct {
	Store       *store.Store
	Bus         *eventbus.Bus
	Assessor    *assessment.Engine
	Agents      *agentcli.Adapter
	Git         *vcs.Adapter
	Metrics     *metrics.Metrics // optional; nil disables metric recording
	Logger      zerolog.Logger
	SessionsDir string
	MaxRetries  int // 0 = defaultMaxRetries
}

// New builds a Scheduler. Agent processes run asynchronously; their
// completion callback (CompletionCallback) re-enters the scheduler to
// finalize the session.
func New(cfg Config) *Scheduler {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	s := &Scheduler{
		store:       cfg.Store,
		bus:         cfg.Bus,
		assessor:    cfg.Assessor,
		agents:      cfg.Agents,
		git:         cfg.Git,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With().Str("component", "scheduler").Logger(),
		sessionsDir: cfg.SessionsDir,
		maxRetries:  maxRetries,
	}
	return s
}

// CompletionCallback returns the function to register with
// agentcli.Adapter.Spawn for a given session.
func (s *Scheduler) CompletionCallback() agentcli.CompletionFunc {
	return func(sessionID int64, exitCode int, stdoutPath, stderrPath string) {
		ctx := context.Background()
		if err := s.OnSessionTerminated(ctx, sessionID, exitCode, stdoutPath, stderrPath); err != nil {
			s.logger.Error().Err(err).Int64("session_id", sessionID).Msg("failed to finalize terminated session")
		}
	}
}

func (s *Scheduler) emit(eventType, entityID string, payload map[string]interface{}) {
	if _, err := s.bus.Publish(eventType, "task", entityID, payload); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to publish event")
	}
}

// markTaskFailed requeues a task as pending with an incremented retry
// counter, unless the retry budget is exhausted, in which case it is
// terminally failed. Any worktree/branch the task owns is cleaned up
// best-effort first.
func (s *Scheduler) markTaskFailed(ctx context.Context, task *store.Task, reason string) {
	s.cleanupTaskWorktree(ctx, task, false)

	retryCount := task.RetryCount() + 1
	if retryCount > s.maxRetries {
		if err := s.store.MergeMetadata(task.ID, map[string]interface{}{store.MetaError: reason}); err != nil {
			s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to record failure reason")
		}
		if err := s.store.CompleteTask(task.ID, store.TaskFailed); err != nil {
			s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to mark task failed")
			return
		}
		if err := s.store.ClearActiveSession(task.ID); err != nil {
			s.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("failed to clear active session")
		}
		s.emit("task.failed", task.UUID, map[string]interface{}{"task_id": task.ID, "reason": reason})
		return
	}

	patch := map[string]interface{}{
		store.MetaError:        reason,
		store.MetaRetryCount:   retryCount,
		store.MetaWorktreePath: nil,
		store.MetaBranch:       nil,
	}
	if err := s.store.MergeMetadata(task.ID, patch); err != nil {
		s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to merge retry metadata")
	}
	if err := s.store.UpdateTaskStatus(task.ID, store.TaskPending); err != nil {
		s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to requeue task")
		return
	}
	if err := s.store.ClearActiveSession(task.ID); err != nil {
		s.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("failed to clear active session on requeue")
	}

	s.emit("task.requeued", task.UUID, map[string]interface{}{
		"task_id": task.ID, "reason": reason, "retry_count": retryCount,
	})
	s.logger.Warn().Int64("task_id", task.ID).Int("retry_count", retryCount).Str("reason", reason).Msg("task requeued")
}

// cleanupTaskWorktree best-effort removes a task's worktree and, unless
// keepBranch, its branch too. Failures are logged as warnings, never
// propagated; the GC sweep reconciles anything left behind.
func (s *Scheduler) cleanupTaskWorktree(ctx context.Context, task *store.Task, keepBranch bool) {
	worktreePath, _ := task.Metadata[store.MetaWorktreePath].(string)
	branch, _ := task.Metadata[store.MetaBranch].(string)
	if worktreePath == "" {
		return
	}

	project := s.projectForTask(task)
	if project == nil {
		return
	}

	if err := s.git.RemoveWorktree(ctx, project.RepoDir, worktreePath); err != nil {
		s.logger.Warn().Err(err).Int64("task_id", task.ID).Str("path", worktreePath).
			Msg("failed to remove worktree")
	}
	if branch != "" && !keepBranch {
		if err := s.git.DeleteBranch(ctx, project.RepoDir, branch, true); err != nil {
			s.logger.Warn().Err(err).Int64("task_id", task.ID).Str("branch", branch).
				Msg("failed to delete branch")
		}
	}
}

func (s *Scheduler) projectForTask(task *store.Task) *store.Project {
	if task.ProjectID == 0 {
		return nil
	}
	project, err := s.store.GetProject(task.ProjectID)
	if err != nil || project == nil {
		return nil
	}
	return project
}

func (s *Scheduler) sessionLogPaths(sessionUUID string) (stdoutPath, stderrPath string) {
	dir := filepath.Join(s.sessionsDir, "session-"+sessionUUID)
	return filepath.Join(dir, "stdout.log"), filepath.Join(dir, "stderr.log")
}

// CancelTask cancels a task's active session (if any) and releases its
// worktree/branch, then marks the task cancelled.
func (s *Scheduler) CancelTask(ctx context.Context, taskID int64) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task %d not found", taskID)
	}

	if task.ActiveSessionID != 0 {
		if err := s.agents.Cancel(task.ActiveSessionID); err != nil {
			s.logger.Warn().Err(err).Int64("task_id", taskID).Msg("failed to cancel agent process")
		}
	}

	s.cleanupTaskWorktree(ctx, task, false)

	if err := s.store.CompleteTask(taskID, store.TaskCancelled); err != nil {
		return fmt.Errorf("complete task as cancelled: %w", err)
	}
	s.emit("task.cancelled", task.UUID, map[string]interface{}{"task_id": taskID})
	return nil
}
