package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskflow/taskflow/internal/common/tracing"
	"github.com/taskflow/taskflow/internal/db"
	"github.com/taskflow/taskflow/internal/db/dialect"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

// Store persists the append-only activity timeline
type Store interface {
	// Append inserts the entry and assigns its workspace-monotonic sequence
	Append(ctx context.Context, entry *v1.ActivityEntry) error
	// Timeline returns the newest entries of a workspace, newest first
	Timeline(ctx context.Context, workspaceID string, limit int) ([]*v1.ActivityEntry, error)
	// TaskTimeline returns the newest entries of one task, newest first
	TaskTimeline(ctx context.Context, workspaceID, taskID string, limit int) ([]*v1.ActivityEntry, error)
}

type sqlStore struct {
	pool   *db.Pool
	driver string
}

var _ Store = (*sqlStore)(nil)

// NewStore creates the SQL-backed activity store and initializes its schema
func NewStore(pool *db.Pool, driver string) (Store, error) {
	s := &sqlStore{pool: pool, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize activity schema: %w", err)
	}
	return s, nil
}

func (s *sqlStore) initSchema() error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(s.driver) {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS activity_entries (
		%s,
		entry_id TEXT NOT NULL UNIQUE,
		workspace_id TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		entry_type TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	`, idColumn)
	if _, err := s.pool.Writer().Exec(schema); err != nil {
		return err
	}
	if _, err := s.pool.Writer().Exec(
		`CREATE INDEX IF NOT EXISTS idx_activity_workspace ON activity_entries(workspace_id, id)`,
	); err != nil {
		return err
	}
	_, err := s.pool.Writer().Exec(
		`CREATE INDEX IF NOT EXISTS idx_activity_task ON activity_entries(workspace_id, task_id, id)`,
	)
	return err
}

func (s *sqlStore) Append(ctx context.Context, entry *v1.ActivityEntry) error {
	ctx, span := tracing.Tracer("taskflow-db").Start(ctx, "db.AppendActivity")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	metadataJSON := "{}"
	if entry.Metadata != nil {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize entry metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	seq, err := dialect.InsertReturningID(ctx, s.pool.Writer(), `
		INSERT INTO activity_entries (entry_id, workspace_id, task_id, entry_type, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.WorkspaceID, entry.TaskID, entry.EntryType, entry.Role, entry.Content, metadataJSON, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append activity entry: %w", err)
	}
	entry.Seq = seq
	return nil
}

func (s *sqlStore) Timeline(ctx context.Context, workspaceID string, limit int) ([]*v1.ActivityEntry, error) {
	ctx, span := tracing.Tracer("taskflow-db").Start(ctx, "db.Timeline")
	defer span.End()

	query := `
		SELECT id, entry_id, workspace_id, task_id, entry_type, role, content, metadata, created_at
		FROM activity_entries WHERE workspace_id = ?
		ORDER BY id DESC LIMIT ?`
	return s.query(ctx, query, workspaceID, limit)
}

func (s *sqlStore) TaskTimeline(ctx context.Context, workspaceID, taskID string, limit int) ([]*v1.ActivityEntry, error) {
	ctx, span := tracing.Tracer("taskflow-db").Start(ctx, "db.TaskTimeline")
	defer span.End()

	query := `
		SELECT id, entry_id, workspace_id, task_id, entry_type, role, content, metadata, created_at
		FROM activity_entries WHERE workspace_id = ? AND task_id = ?
		ORDER BY id DESC LIMIT ?`
	return s.query(ctx, query, workspaceID, taskID, limit)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) ([]*v1.ActivityEntry, error) {
	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*v1.ActivityEntry
	for rows.Next() {
		entry := &v1.ActivityEntry{}
		var metadataJSON string
		if err := rows.Scan(
			&entry.Seq,
			&entry.ID,
			&entry.WorkspaceID,
			&entry.TaskID,
			&entry.EntryType,
			&entry.Role,
			&entry.Content,
			&metadataJSON,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		if metadataJSON != "" && metadataJSON != "{}" {
			if err := json.Unmarshal([]byte(metadataJSON), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to deserialize entry metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
