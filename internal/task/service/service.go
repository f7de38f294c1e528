// Package service is the business layer over the task store: request
// validation, the phase state machine with WIP limits, and event fan-out
// to the control bus and the live workspace stream.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/activity"
	"github.com/taskflow/taskflow/internal/common/logger"
	"github.com/taskflow/taskflow/internal/events/bus"
	"github.com/taskflow/taskflow/internal/task/models"
	"github.com/taskflow/taskflow/internal/task/store"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

// ErrValidation marks request errors the handlers map to 400.
var ErrValidation = errors.New("validation failed")

// Service wraps the store with validation and event publication.
type Service struct {
	store    *store.Store
	eventBus bus.EventBus
	activity *activity.Service
	defaults v1.EffectivePolicy
	logger   *logger.Logger
}

// NewService creates the task service. defaults are the server-level
// automation policy values that workspace and task overrides layer onto.
func NewService(st *store.Store, eventBus bus.EventBus, act *activity.Service, defaults v1.EffectivePolicy, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		eventBus: eventBus,
		activity: act,
		defaults: defaults,
		logger:   log.WithFields(zap.String("component", "task_service")),
	}
}

// Store exposes the underlying store for components that need read access
// to records (sessions, planning, automation).
func (s *Service) Store() *store.Store {
	return s.store
}

// CreateWorkspace validates and registers a new workspace.
func (s *Service) CreateWorkspace(ctx context.Context, req *v1.CreateWorkspaceRequest) (*v1.Workspace, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	path := filepath.Clean(strings.TrimSpace(req.Path))
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: path must be absolute", ErrValidation)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: path %s is not a directory", ErrValidation, path)
	}
	prefix := strings.ToUpper(strings.TrimSpace(req.IDPrefix))
	if prefix == "" {
		prefix = store.DefaultIDPrefix
	}

	now := time.Now().UTC()
	ws, err := s.store.CreateWorkspace(&models.Workspace{
		ID:              uuid.NewString(),
		Name:            name,
		Path:            path,
		IDPrefix:        prefix,
		SharedContext:   req.SharedContext,
		WorkflowPolicy:  models.PolicyFromAPI(req.WorkflowPolicy),
		PromptOverrides: req.PromptOverrides,
		NextTaskNum:     1,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return nil, err
	}

	s.publishWorkspaceEvent(ctx, "workspace.created", ws)
	s.logger.Info("workspace created",
		zap.String("workspace_id", ws.ID),
		zap.String("path", ws.Path))
	return ws.ToAPI(), nil
}

// GetWorkspace returns the API view of a workspace.
func (s *Service) GetWorkspace(ctx context.Context, id string) (*v1.Workspace, error) {
	ws, err := s.store.GetWorkspace(id)
	if err != nil {
		return nil, err
	}
	return ws.ToAPI(), nil
}

// GetWorkspaceRecord returns the persisted record, for internal callers
// that need the path, watermark or prompt overrides.
func (s *Service) GetWorkspaceRecord(ctx context.Context, id string) (*models.Workspace, error) {
	return s.store.GetWorkspace(id)
}

// ListWorkspaces returns all registered workspaces.
func (s *Service) ListWorkspaces(ctx context.Context) []*v1.Workspace {
	records := s.store.ListWorkspaces()
	out := make([]*v1.Workspace, len(records))
	for i, ws := range records {
		out[i] = ws.ToAPI()
	}
	return out
}

// WorkspaceRecords returns all persisted workspace records.
func (s *Service) WorkspaceRecords() []*models.Workspace {
	return s.store.ListWorkspaces()
}

// UpdateWorkspaceRecord mutates a workspace record and publishes the
// update. Used for policy patches and the queue toggle.
func (s *Service) UpdateWorkspaceRecord(ctx context.Context, id string, fn func(*models.Workspace) error) (*models.Workspace, error) {
	ws, err := s.store.UpdateWorkspace(id, fn)
	if err != nil {
		return nil, err
	}
	s.publishWorkspaceEvent(ctx, "workspace.updated", ws)
	return ws, nil
}

// DeleteWorkspace unregisters a workspace. Task records stay on disk.
func (s *Service) DeleteWorkspace(ctx context.Context, id string) error {
	ws, err := s.store.GetWorkspace(id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteWorkspace(id); err != nil {
		return err
	}
	s.publishWorkspaceEvent(ctx, "workspace.deleted", ws)
	s.logger.Info("workspace deleted", zap.String("workspace_id", id))
	return nil
}

// EffectivePolicy resolves the workflow policy for a task: server
// defaults, then the workspace override, then the task override.
// task may be nil for workspace-level resolution.
func (s *Service) EffectivePolicy(ws *models.Workspace, task *models.Task) v1.EffectivePolicy {
	layers := []*v1.WorkflowPolicy{nil, nil}
	if ws != nil {
		layers[0] = ws.WorkflowPolicy.ToAPI()
	}
	if task != nil {
		layers[1] = task.AutomationOverride.ToAPI()
	}
	return v1.ResolveWorkflowPolicy(s.defaults, layers...)
}

// moveCheck assembles the transition context for a task about to move.
func (s *Service) moveCheck(ws *models.Workspace, task *models.Task) store.MoveCheck {
	return store.MoveCheck{
		ReadyCount:     s.store.CountPhase(ws.ID, v1.PhaseReady),
		ExecutingCount: s.store.CountPhase(ws.ID, v1.PhaseExecuting),
		Policy:         s.EffectivePolicy(ws, task),
	}
}
