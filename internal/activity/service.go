package activity

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/common/logger"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

// defaultTimelineLimit bounds timeline reads when the caller passes no limit
const defaultTimelineLimit = 200

// Service is the workspace activity log: append-only persistence plus the
// live event stream.
type Service struct {
	store  Store
	stream *Stream
	logger *logger.Logger

	mu      sync.Mutex
	wsLocks map[string]*sync.Mutex
}

// NewService creates the activity service
func NewService(store Store, stream *Stream, log *logger.Logger) *Service {
	return &Service{
		store:   store,
		stream:  stream,
		logger:  log.WithFields(zap.String("component", "activity")),
		wsLocks: make(map[string]*sync.Mutex),
	}
}

// Append persists the entry and rebroadcasts it as a live "activity" event.
// The workspace lock is held across persist + broadcast so every subscriber
// observes entries in insertion order.
func (s *Service) Append(ctx context.Context, workspaceID string, entry *v1.ActivityEntry) (*v1.ActivityEntry, error) {
	entry.WorkspaceID = workspaceID

	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.Append(ctx, entry); err != nil {
		s.logger.Error("failed to persist activity entry",
			zap.String("workspace_id", workspaceID),
			zap.String("entry_type", entry.EntryType),
			zap.Error(err))
		return nil, err
	}

	s.stream.Broadcast(workspaceID, KindActivity, entry)
	return entry, nil
}

// AppendChatMessage appends a chat-message entry
func (s *Service) AppendChatMessage(ctx context.Context, workspaceID, taskID, role, content string, metadata map[string]interface{}) (*v1.ActivityEntry, error) {
	return s.Append(ctx, workspaceID, &v1.ActivityEntry{
		TaskID:    taskID,
		EntryType: v1.EntryChatMessage,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
	})
}

// AppendSystemEvent appends a system-event entry. The event kind goes into
// metadata under "kind"; message is the human-readable content.
func (s *Service) AppendSystemEvent(ctx context.Context, workspaceID, taskID, kind, message string, metadata map[string]interface{}) (*v1.ActivityEntry, error) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["kind"] = kind
	return s.Append(ctx, workspaceID, &v1.ActivityEntry{
		TaskID:    taskID,
		EntryType: v1.EntrySystemEvent,
		Content:   message,
		Metadata:  metadata,
	})
}

// AppendTaskSeparator appends a task-separator entry marking where a task's
// conversation begins in the workspace timeline.
func (s *Service) AppendTaskSeparator(ctx context.Context, workspaceID, taskID, title string, phase v1.TaskPhase) (*v1.ActivityEntry, error) {
	return s.Append(ctx, workspaceID, &v1.ActivityEntry{
		TaskID:    taskID,
		EntryType: v1.EntryTaskSeparator,
		Content:   title,
		Metadata: map[string]interface{}{
			"title": title,
			"phase": string(phase),
		},
	})
}

// Timeline returns the workspace timeline, newest first
func (s *Service) Timeline(ctx context.Context, workspaceID string, limit int) ([]*v1.ActivityEntry, error) {
	if limit <= 0 {
		limit = defaultTimelineLimit
	}
	return s.store.Timeline(ctx, workspaceID, limit)
}

// TaskTimeline returns one task's timeline, newest first
func (s *Service) TaskTimeline(ctx context.Context, workspaceID, taskID string, limit int) ([]*v1.ActivityEntry, error) {
	if limit <= 0 {
		limit = defaultTimelineLimit
	}
	return s.store.TaskTimeline(ctx, workspaceID, taskID, limit)
}

// Subscribe registers a live-stream handler for a workspace
func (s *Service) Subscribe(workspaceID string, handler Handler) func() {
	return s.stream.Subscribe(workspaceID, handler)
}

// Broadcast emits an ephemeral event on the workspace stream. Nothing is
// persisted; subscribers receive it in emission order.
func (s *Service) Broadcast(workspaceID, kind string, payload interface{}) {
	s.stream.Broadcast(workspaceID, kind, payload)
}

func (s *Service) workspaceLock(workspaceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.wsLocks[workspaceID]
	if !ok {
		lock = &sync.Mutex{}
		s.wsLocks[workspaceID] = lock
	}
	return lock
}
