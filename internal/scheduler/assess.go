package scheduler

import (
	"context"
	"fmt"

	"github.com/ajfrai/agent-queue/internal/assessment"
	"github.com/ajfrai/agent-queue/internal/store"
)

const defaultAssessBatchSize = 10

// AssessBatch selects up to batchSize unassessed pending tasks and
// classifies each via AssessmentEngine. On success it records complexity,
// recommended model, and the assessment payload; creates a comment if the
// engine returned one; and either decomposes the task (should_decompose) or
// returns it to pending. On failure the task goes back to pending with its
// retry counter bumped, and `task.assess_failed` is emitted.
func (s *Scheduler) AssessBatch(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultAssessBatchSize
	}

	tasks, err := s.store.NextPendingUnassessed(batchSize)
	if err != nil {
		return 0, fmt.Errorf("selecting unassessed tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	assessed := 0
	for _, task := range tasks {
		if err := s.store.UpdateTaskStatus(task.ID, store.TaskAssessing); err != nil {
			s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to mark task assessing")
			continue
		}

		in := assessment.Input{Title: task.Title, Description: task.Description}
		if task.ParentID != 0 {
			if parent, _ := s.store.GetTask(task.ParentID); parent != nil {
				in.ParentTitle = parent.Title
				in.ParentComplexity = parent.Complexity
			}
		}

		result, err := s.assessor.Assess(ctx, in)
		if err != nil {
			s.handleAssessFailure(task, err)
			continue
		}

		if err := s.applyAssessment(ctx, task, result); err != nil {
			s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to apply assessment")
			s.handleAssessFailure(task, err)
			continue
		}
		assessed++
	}

	return assessed, nil
}

func (s *Scheduler) handleAssessFailure(task *store.Task, cause error) {
	retryCount := task.RetryCount() + 1
	patch := map[string]interface{}{
		store.MetaRetryCount: retryCount,
		store.MetaError:      cause.Error(),
	}
	if err := s.store.MergeMetadata(task.ID, patch); err != nil {
		s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to record assess failure metadata")
	}
	if err := s.store.UpdateTaskStatus(task.ID, store.TaskPending); err != nil {
		s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to requeue unassessed task")
	}
	s.emit("task.assess_failed", task.UUID, map[string]interface{}{
		"task_id": task.ID, "error": cause.Error(), "retry_count": retryCount,
	})
}

// applyAssessment persists a successful assessment and, depending on the
// outcome, either decomposes the task or returns it to pending.
func (s *Scheduler) applyAssessment(ctx context.Context, task *store.Task, result *assessment.Result) error {
	assessmentPayload := map[string]interface{}{
		"reasoning":        result.Reasoning,
		"subtasks":         result.Subtasks,
		"should_decompose": result.ShouldDecompose,
	}

	if err := s.store.SetAssessment(task.ID, result.Complexity, result.RecommendedModel, assessmentPayload); err != nil {
		return fmt.Errorf("recording assessment: %w", err)
	}

	s.emit("task.assessed", task.UUID, map[string]interface{}{
		"task_id": task.ID, "complexity": result.Complexity, "recommended_model": result.RecommendedModel,
	})

	if result.Comment != "" {
		if _, err := s.store.CreateComment(&store.Comment{TaskID: task.ID, Content: result.Comment, Author: "system"}); err != nil {
			s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to record assessment comment")
		} else {
			s.emit("comment.created", task.UUID, map[string]interface{}{"task_id": task.ID, "author": "system"})
		}
	}

	if result.ShouldDecompose && len(result.Subtasks) > 0 {
		refreshed, err := s.store.GetTask(task.ID)
		if err != nil || refreshed == nil {
			return fmt.Errorf("reloading task before decompose: %w", err)
		}
		return s.decomposeTask(ctx, refreshed, result.Subtasks)
	}

	if err := s.store.UpdateTaskStatus(task.ID, store.TaskPending); err != nil {
		return fmt.Errorf("returning task to pending: %w", err)
	}

	return nil
}
