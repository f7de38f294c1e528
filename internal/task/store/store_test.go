package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskflow/taskflow/internal/common/logger"
	"github.com/taskflow/taskflow/internal/task/models"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

func newTestStore(t *testing.T) (*Store, *models.Workspace) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	dataDir := t.TempDir()
	s := New(dataDir, log)
	require.NoError(t, s.Load())

	now := time.Now().UTC()
	ws, err := s.CreateWorkspace(&models.Workspace{
		ID:        uuid.NewString(),
		Name:      "test",
		Path:      t.TempDir(),
		IDPrefix:  "TF",
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)
	return s, ws
}

func createTask(t *testing.T, s *Store, wsID, title string) *models.Task {
	t.Helper()
	task, err := s.Create(wsID, &models.Task{Title: title})
	require.NoError(t, err)
	return task
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	s, ws := newTestStore(t)
	first := createTask(t, s, ws.ID, "one")
	second := createTask(t, s, ws.ID, "two")

	require.Equal(t, "TF-1", first.ID)
	require.Equal(t, "TF-2", second.ID)
	require.Equal(t, v1.PhaseBacklog, first.Phase)
	require.Equal(t, 0, first.Order)
	require.Equal(t, 1, second.Order)
}

func TestIDsNeverReusedAfterDelete(t *testing.T) {
	s, ws := newTestStore(t)
	createTask(t, s, ws.ID, "one")
	second := createTask(t, s, ws.ID, "two")

	_, err := s.Delete(ws.ID, second.ID)
	require.NoError(t, err)

	third := createTask(t, s, ws.ID, "three")
	require.Equal(t, "TF-3", third.ID)

	_, err = s.Get(ws.ID, second.ID)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestLoadRestoresWatermarkFromDisk(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	dataDir := t.TempDir()
	wsDir := t.TempDir()

	s := New(dataDir, log)
	require.NoError(t, s.Load())
	ws, err := s.CreateWorkspace(&models.Workspace{ID: uuid.NewString(), Name: "w", Path: wsDir, IDPrefix: "TF"})
	require.NoError(t, err)
	createTask(t, s, ws.ID, "one")
	createTask(t, s, ws.ID, "two")

	// A fresh store over the same data dir must continue the sequence.
	s2 := New(dataDir, log)
	require.NoError(t, s2.Load())
	task, err := s2.Create(ws.ID, &models.Task{Title: "three"})
	require.NoError(t, err)
	require.Equal(t, "TF-3", task.ID)
}

func TestMovePrependsIntoReady(t *testing.T) {
	s, ws := newTestStore(t)
	a := createTask(t, s, ws.ID, "a")
	b := createTask(t, s, ws.ID, "b")
	for _, task := range []*models.Task{a, b} {
		_, err := s.Mutate(ws.ID, task.ID, func(t *models.Task) error {
			t.AcceptanceCriteria = []string{"done"}
			return nil
		})
		require.NoError(t, err)
	}

	_, err := s.Move(ws.ID, a.ID, v1.PhaseReady, "user", "", MoveCheck{})
	require.NoError(t, err)
	moved, err := s.Move(ws.ID, b.ID, v1.PhaseReady, "user", "", MoveCheck{})
	require.NoError(t, err)
	require.Equal(t, 0, moved.Order, "later move-in lands at the top")

	ready := s.PhaseTasks(ws.ID, v1.PhaseReady)
	require.Len(t, ready, 2)
	require.Equal(t, b.ID, ready[0].ID)
	require.Equal(t, a.ID, ready[1].ID)

	// History captured the transition.
	require.Len(t, moved.History, 1)
	require.Equal(t, v1.PhaseBacklog, moved.History[0].From)
	require.Equal(t, v1.PhaseReady, moved.History[0].To)
	require.Equal(t, "user", moved.History[0].Actor)
}

func TestMoveBacklogRestoreAppends(t *testing.T) {
	s, ws := newTestStore(t)
	a := createTask(t, s, ws.ID, "a")
	b := createTask(t, s, ws.ID, "b")

	// Archive a, then restore to backlog; it should land after b.
	_, err := s.Move(ws.ID, a.ID, v1.PhaseArchived, "user", "", MoveCheck{})
	require.NoError(t, err)
	restored, err := s.Move(ws.ID, a.ID, v1.PhaseBacklog, "user", "", MoveCheck{})
	require.NoError(t, err)

	backlog := s.PhaseTasks(ws.ID, v1.PhaseBacklog)
	require.Len(t, backlog, 2)
	require.Equal(t, b.ID, backlog[0].ID)
	require.Equal(t, restored.ID, backlog[1].ID)
}

func TestMoveRejectedDoesNotMutate(t *testing.T) {
	s, ws := newTestStore(t)
	task := createTask(t, s, ws.ID, "a")

	_, err := s.Move(ws.ID, task.ID, v1.PhaseExecuting, "user", "", MoveCheck{})
	require.ErrorIs(t, err, ErrMoveNotAllowed)

	got, err := s.Get(ws.ID, task.ID)
	require.NoError(t, err)
	require.Equal(t, v1.PhaseBacklog, got.Phase)
	require.Empty(t, got.History)
}

func TestReorderRoundTrip(t *testing.T) {
	s, ws := newTestStore(t)
	a := createTask(t, s, ws.ID, "a")
	b := createTask(t, s, ws.ID, "b")
	c := createTask(t, s, ws.ID, "c")

	out, err := s.Reorder(ws.ID, v1.PhaseBacklog, []string{c.ID, a.ID, b.ID})
	require.NoError(t, err)
	require.Equal(t, []string{c.ID, a.ID, b.ID}, taskIDs(out))

	// Orders form a total order without duplicates.
	seen := map[int]bool{}
	for _, task := range out {
		require.False(t, seen[task.Order], "duplicate order %d", task.Order)
		seen[task.Order] = true
	}
}

func TestReorderRejectsForeignAndPartialSets(t *testing.T) {
	s, ws := newTestStore(t)
	a := createTask(t, s, ws.ID, "a")
	b := createTask(t, s, ws.ID, "b")

	_, err := s.Reorder(ws.ID, v1.PhaseBacklog, []string{a.ID})
	require.ErrorIs(t, err, ErrInvalidReorder)

	_, err = s.Reorder(ws.ID, v1.PhaseReady, []string{a.ID, b.ID})
	require.ErrorIs(t, err, ErrInvalidReorder)
}

func TestMutateRereadsFromDisk(t *testing.T) {
	s, ws := newTestStore(t)
	task := createTask(t, s, ws.ID, "a")

	_, err := s.Mutate(ws.ID, task.ID, func(t *models.Task) error {
		t.Description = "first"
		return nil
	})
	require.NoError(t, err)
	got, err := s.Mutate(ws.ID, task.ID, func(tk *models.Task) error {
		require.Equal(t, "first", tk.Description)
		tk.Description = "second"
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "second", got.Description)
	require.False(t, got.UpdatedAt.IsZero())
}

func TestAttachmentRoundTrip(t *testing.T) {
	s, ws := newTestStore(t)
	task := createTask(t, s, ws.ID, "a")

	att, updated, err := s.SaveAttachment(ws.ID, task.ID, "notes.txt", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(5), att.Size)
	require.Len(t, updated.Attachments, 1)
	require.True(t, strings.HasSuffix(att.StoredName, "-notes.txt"))

	path, err := s.AttachmentPath(ws.ID, task.ID, att.StoredName)
	require.NoError(t, err)
	require.Equal(t, filepath.Base(path), att.StoredName)

	_, err = s.AttachmentPath(ws.ID, task.ID, "../../../etc/passwd")
	require.Error(t, err)
}

func TestLeaseLifecycle(t *testing.T) {
	s, ws := newTestStore(t)

	lease, err := s.ReadLease(ws.ID)
	require.NoError(t, err)
	require.Nil(t, lease)

	require.NoError(t, s.WriteLease(ws.ID, &models.ExecutionLease{
		TaskID:      "TF-1",
		SessionID:   "sess-1",
		PID:         123,
		HeartbeatAt: time.Now().UTC(),
	}))

	lease, err = s.ReadLease(ws.ID)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, "TF-1", lease.TaskID)

	require.NoError(t, s.ClearLease(ws.ID))
	lease, err = s.ReadLease(ws.ID)
	require.NoError(t, err)
	require.Nil(t, lease)

	// Clearing twice is fine.
	require.NoError(t, s.ClearLease(ws.ID))
}

func TestSaveSummaryWritesMarkdown(t *testing.T) {
	s, ws := newTestStore(t)
	task := createTask(t, s, ws.ID, "a")

	updated, err := s.SaveSummary(ws.ID, task.ID, "# Done\nAll criteria hold.")
	require.NoError(t, err)
	require.NotNil(t, updated.Summary)
	require.Contains(t, updated.Summary.Content, "criteria hold")
}

func taskIDs(tasks []*models.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
