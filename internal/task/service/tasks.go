package service

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/activity"
	"github.com/taskflow/taskflow/internal/events"
	"github.com/taskflow/taskflow/internal/task/models"
	"github.com/taskflow/taskflow/internal/task/store"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

// maxPlanCriteria caps the acceptance criteria a planning run may set.
const maxPlanCriteria = 7

// ListTasks returns the workspace's tasks in the given scope.
func (s *Service) ListTasks(ctx context.Context, workspaceID string, scope store.Scope) ([]*v1.Task, error) {
	records, err := s.store.List(workspaceID, scope)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Task, len(records))
	for i, task := range records {
		out[i] = task.ToAPI()
	}
	return out, nil
}

// GetTask returns the API view of one task.
func (s *Service) GetTask(ctx context.Context, workspaceID, taskID string) (*v1.Task, error) {
	task, err := s.store.Get(workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	return task.ToAPI(), nil
}

// GetTaskRecord returns the persisted record for internal callers.
func (s *Service) GetTaskRecord(ctx context.Context, workspaceID, taskID string) (*models.Task, error) {
	return s.store.Get(workspaceID, taskID)
}

// PhaseTasks returns the records of one phase in order.
func (s *Service) PhaseTasks(workspaceID string, phase v1.TaskPhase) []*models.Task {
	return s.store.PhaseTasks(workspaceID, phase)
}

// CountPhase returns how many tasks occupy a phase.
func (s *Service) CountPhase(workspaceID string, phase v1.TaskPhase) int {
	return s.store.CountPhase(workspaceID, phase)
}

// CreateTask creates a task at the end of the backlog.
func (s *Service) CreateTask(ctx context.Context, workspaceID string, req *v1.CreateTaskRequest) (*v1.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}

	task, err := s.store.Create(workspaceID, &models.Task{
		Title:                title,
		Description:          req.Description,
		AcceptanceCriteria:   NormalizeCriteria(req.AcceptanceCriteria, 0),
		PreExecutionSkills:   req.PreExecutionSkills,
		PostExecutionSkills:  req.PostExecutionSkills,
		PrePlanningSkills:    req.PrePlanningSkills,
		PlanningModelConfig:  models.ModelConfigFromAPI(req.PlanningModelConfig),
		ExecutionModelConfig: models.ModelConfigFromAPI(req.ExecutionModelConfig),
	})
	if err != nil {
		return nil, err
	}

	api := task.ToAPI()
	s.publishTaskEvent(ctx, events.TaskCreated, task, nil)
	s.broadcast(workspaceID, activity.KindTaskCreated, &v1.TaskCreatedEvent{Task: api})
	s.logger.Info("task created",
		zap.String("workspace_id", workspaceID),
		zap.String("task_id", task.ID))
	return api, nil
}

// UpdateTask merges a field patch into the task. Phase never changes
// here; moves go through MoveTask.
func (s *Service) UpdateTask(ctx context.Context, workspaceID, taskID string, req *v1.UpdateTaskRequest) (*v1.Task, error) {
	task, err := s.store.Mutate(workspaceID, taskID, func(t *models.Task) error {
		if req.Title != nil {
			title := strings.TrimSpace(*req.Title)
			if title == "" {
				return fmt.Errorf("%w: title cannot be empty", ErrValidation)
			}
			t.Title = title
		}
		if req.Description != nil {
			t.Description = *req.Description
		}
		if req.AcceptanceCriteria != nil {
			t.AcceptanceCriteria = NormalizeCriteria(*req.AcceptanceCriteria, 0)
		}
		if req.PreExecutionSkills != nil {
			t.PreExecutionSkills = *req.PreExecutionSkills
		}
		if req.PostExecutionSkills != nil {
			t.PostExecutionSkills = *req.PostExecutionSkills
		}
		if req.PrePlanningSkills != nil {
			t.PrePlanningSkills = *req.PrePlanningSkills
		}
		if req.PlanningModelConfig != nil {
			t.PlanningModelConfig = models.ModelConfigFromAPI(req.PlanningModelConfig)
		}
		if req.ExecutionModelConfig != nil {
			t.ExecutionModelConfig = models.ModelConfigFromAPI(req.ExecutionModelConfig)
		}
		if req.AutomationOverride.Present {
			if req.AutomationOverride.Null {
				t.AutomationOverride = nil
			} else {
				t.AutomationOverride = models.PolicyFromAPI(&req.AutomationOverride.Value)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	api := task.ToAPI()
	s.publishTaskEvent(ctx, events.TaskUpdated, task, nil)
	s.broadcast(workspaceID, activity.KindTaskUpdated, &v1.TaskUpdatedEvent{Task: api})
	return api, nil
}

// MoveTask performs a validated phase transition.
func (s *Service) MoveTask(ctx context.Context, workspaceID, taskID string, to v1.TaskPhase, actor, reason string) (*v1.Task, error) {
	ws, err := s.store.GetWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	task, err := s.store.Get(workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	from := task.Phase

	moved, err := s.store.Move(workspaceID, taskID, to, actor, reason, s.moveCheck(ws, task))
	if err != nil {
		return nil, err
	}

	api := moved.ToAPI()
	s.publishTaskEvent(ctx, events.TaskMoved, moved, map[string]interface{}{
		"from":  string(from),
		"to":    string(to),
		"actor": actor,
	})
	s.broadcast(workspaceID, activity.KindTaskMoved, &v1.TaskMovedEvent{
		Task:  api,
		From:  from,
		To:    to,
		Actor: actor,
	})
	s.logger.Info("task moved",
		zap.String("workspace_id", workspaceID),
		zap.String("task_id", taskID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor))
	return api, nil
}

// ReorderTasks replaces the intra-phase order of one column.
func (s *Service) ReorderTasks(ctx context.Context, workspaceID string, phase v1.TaskPhase, orderedIDs []string) ([]*v1.Task, error) {
	records, err := s.store.Reorder(workspaceID, phase, orderedIDs)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Task, len(records))
	for i, task := range records {
		api := task.ToAPI()
		out[i] = api
		s.broadcast(workspaceID, activity.KindTaskUpdated, &v1.TaskUpdatedEvent{Task: api})
	}
	s.publishEvent(ctx, events.TaskReordered, map[string]interface{}{
		"workspace_id": workspaceID,
		"phase":        string(phase),
		"task_ids":     orderedIDs,
	})
	return out, nil
}

// DeleteTask removes a task permanently. Its id is never reused.
func (s *Service) DeleteTask(ctx context.Context, workspaceID, taskID string) error {
	removed, err := s.store.Delete(workspaceID, taskID)
	if err != nil {
		return err
	}
	s.publishTaskEvent(ctx, events.TaskDeleted, removed, nil)
	s.broadcast(workspaceID, activity.KindTaskDeleted, &v1.TaskDeletedEvent{TaskID: taskID})
	s.logger.Info("task deleted",
		zap.String("workspace_id", workspaceID),
		zap.String("task_id", taskID))
	return nil
}

// SetSessionFile persists the SDK resume handle on the task.
func (s *Service) SetSessionFile(ctx context.Context, workspaceID, taskID, path string) error {
	_, err := s.store.Mutate(workspaceID, taskID, func(t *models.Task) error {
		t.SessionFile = path
		return nil
	})
	return err
}

// SetPlanningStatus updates the planning state and tells subscribers.
func (s *Service) SetPlanningStatus(ctx context.Context, workspaceID, taskID string, status v1.PlanningStatus) (*v1.Task, error) {
	task, err := s.store.Mutate(workspaceID, taskID, func(t *models.Task) error {
		t.PlanningStatus = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	api := task.ToAPI()
	s.broadcast(workspaceID, activity.KindTaskUpdated, &v1.TaskUpdatedEvent{Task: api})
	return api, nil
}

// SavePlan records a planning result: the plan itself, the trimmed and
// deduplicated acceptance criteria, and planningStatus=completed.
func (s *Service) SavePlan(ctx context.Context, workspaceID, taskID string, plan *models.Plan, criteria []string) (*v1.Task, error) {
	normalized := NormalizeCriteria(criteria, maxPlanCriteria)
	task, err := s.store.Mutate(workspaceID, taskID, func(t *models.Task) error {
		t.Plan = plan
		if len(normalized) > 0 {
			t.AcceptanceCriteria = normalized
		}
		t.PlanningStatus = v1.PlanningCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}

	api := task.ToAPI()
	s.broadcast(workspaceID, activity.KindPlanGenerated, &v1.PlanGeneratedEvent{
		TaskID:             taskID,
		Plan:               api.Plan,
		AcceptanceCriteria: api.AcceptanceCriteria,
	})
	s.broadcast(workspaceID, activity.KindTaskUpdated, &v1.TaskUpdatedEvent{Task: api})
	return api, nil
}

// AccumulateUsage folds one message's token usage into the task metrics.
func (s *Service) AccumulateUsage(ctx context.Context, workspaceID, taskID, model string, inputTokens, outputTokens int64, costUSD float64) error {
	if inputTokens == 0 && outputTokens == 0 && costUSD == 0 {
		return nil
	}
	task, err := s.store.Mutate(workspaceID, taskID, func(t *models.Task) error {
		if t.UsageMetrics == nil {
			t.UsageMetrics = &models.UsageMetrics{}
		}
		m := t.UsageMetrics
		m.InputTokens += inputTokens
		m.OutputTokens += outputTokens
		m.CostUSD += costUSD
		if model != "" {
			if m.PerModel == nil {
				m.PerModel = make(map[string]models.ModelUsage)
			}
			u := m.PerModel[model]
			u.InputTokens += inputTokens
			u.OutputTokens += outputTokens
			u.CostUSD += costUSD
			m.PerModel[model] = u
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.broadcast(workspaceID, activity.KindTaskUpdated, &v1.TaskUpdatedEvent{Task: task.ToAPI()})
	return nil
}

// SetSummary records the post-execution summary.
func (s *Service) SetSummary(ctx context.Context, workspaceID, taskID, content string) (*v1.Task, error) {
	task, err := s.store.SaveSummary(workspaceID, taskID, content)
	if err != nil {
		return nil, err
	}
	api := task.ToAPI()
	s.broadcast(workspaceID, activity.KindTaskUpdated, &v1.TaskUpdatedEvent{Task: api})
	return api, nil
}

// AddAttachment stores an uploaded file on the task.
func (s *Service) AddAttachment(ctx context.Context, workspaceID, taskID, filename, mimeType string, r io.Reader) (*v1.Attachment, error) {
	att, task, err := s.store.SaveAttachment(workspaceID, taskID, filename, mimeType, r)
	if err != nil {
		return nil, err
	}
	s.publishTaskEvent(ctx, events.TaskUpdated, task, nil)
	s.broadcast(workspaceID, activity.KindTaskUpdated, &v1.TaskUpdatedEvent{Task: task.ToAPI()})
	return &v1.Attachment{
		ID:         att.ID,
		Filename:   att.Filename,
		StoredName: att.StoredName,
		MimeType:   att.MimeType,
		Size:       att.Size,
		CreatedAt:  att.CreatedAt,
	}, nil
}

// AttachmentPath resolves a stored attachment name to its file path.
func (s *Service) AttachmentPath(workspaceID, taskID, storedName string) (string, error) {
	return s.store.AttachmentPath(workspaceID, taskID, storedName)
}

// NormalizeCriteria trims entries, drops empties, and deduplicates
// case-insensitively keeping first occurrences. max > 0 caps the result.
func NormalizeCriteria(criteria []string, max int) []string {
	var out []string
	seen := make(map[string]bool, len(criteria))
	for _, c := range criteria {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		key := strings.ToLower(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}
