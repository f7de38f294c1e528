package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/taskflow/taskflow/internal/task/models"
)

// SaveAttachment streams an uploaded file into the task's attachments
// directory and records it on the task. The stored name is prefixed with
// the attachment id so uploads with the same filename never collide.
func (s *Store) SaveAttachment(workspaceID, taskID, filename, mimeType string, r io.Reader) (*models.Attachment, *models.Task, error) {
	ws, err := s.GetWorkspace(workspaceID)
	if err != nil {
		return nil, nil, err
	}

	attID := uuid.NewString()
	storedName := attID + "-" + sanitizeFilename(filename)
	dir := filepath.Join(taskDir(ws, taskID), attachmentsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create attachments dir: %w", err)
	}

	dest := filepath.Join(dir, storedName)
	f, err := os.Create(dest)
	if err != nil {
		return nil, nil, fmt.Errorf("create attachment file: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return nil, nil, fmt.Errorf("write attachment: %w", err)
	}

	att := models.Attachment{
		ID:         attID,
		Filename:   filename,
		StoredName: storedName,
		MimeType:   mimeType,
		Size:       size,
		CreatedAt:  nowUTC(),
	}
	task, err := s.Mutate(workspaceID, taskID, func(t *models.Task) error {
		t.Attachments = append(t.Attachments, att)
		return nil
	})
	if err != nil {
		_ = os.Remove(dest)
		return nil, nil, err
	}
	return &att, task, nil
}

// AttachmentPath resolves a stored name to its file path. Only names
// recorded on the task resolve; anything else (including traversal
// attempts) is a not-found.
func (s *Store) AttachmentPath(workspaceID, taskID, storedName string) (string, error) {
	ws, err := s.GetWorkspace(workspaceID)
	if err != nil {
		return "", err
	}
	task, err := s.Get(workspaceID, taskID)
	if err != nil {
		return "", err
	}
	for _, att := range task.Attachments {
		if att.StoredName == storedName {
			return filepath.Join(taskDir(ws, taskID), attachmentsDir, storedName), nil
		}
	}
	return "", fmt.Errorf("%w: attachment %s", ErrTaskNotFound, storedName)
}

// SaveSummary records the post-execution summary on the task and writes
// a readable copy next to it.
func (s *Store) SaveSummary(workspaceID, taskID, content string) (*models.Task, error) {
	ws, err := s.GetWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	now := nowUTC()
	task, err := s.Mutate(workspaceID, taskID, func(t *models.Task) error {
		t.Summary = &models.TaskSummary{Content: content, GeneratedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	path := filepath.Join(taskDir(ws, taskID), summaryFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		s.log.Warn("failed to write summary.md", zapTaskFields(workspaceID, taskID, err)...)
	}
	return task, nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "file"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
