package store

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/taskflow/taskflow/internal/task/models"
)

// WriteLease records a live execution session in the workspace. The
// session heartbeat rewrites it periodically; a lease left behind after a
// crash is surfaced at startup.
func (s *Store) WriteLease(workspaceID string, lease *models.ExecutionLease) error {
	ws, err := s.GetWorkspace(workspaceID)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(lease)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	path := filepath.Join(metaDir(ws), leaseFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write lease: %w", err)
	}
	return nil
}

// ReadLease returns the workspace's execution lease, or nil when none
// exists.
func (s *Store) ReadLease(workspaceID string) (*models.ExecutionLease, error) {
	ws, err := s.GetWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(metaDir(ws), leaseFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var lease models.ExecutionLease
	if err := yaml.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("parse lease: %w", err)
	}
	return &lease, nil
}

// ClearLease removes the workspace's execution lease if present.
func (s *Store) ClearLease(workspaceID string) error {
	ws, err := s.GetWorkspace(workspaceID)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(metaDir(ws), leaseFileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func zapTaskFields(workspaceID, taskID string, err error) []zap.Field {
	return []zap.Field{
		zap.String("workspace_id", workspaceID),
		zap.String("task_id", taskID),
		zap.Error(err),
	}
}
