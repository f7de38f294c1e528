// Package store persists workspaces and tasks on disk. Each workspace
// keeps its own records under <path>/.taskflow (workspace.yaml, one
// directory per task); the server keeps a registry of known workspaces
// under its data dir. An in-memory projection fronts the files and is
// re-synced from disk whenever a write fails partway.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/taskflow/taskflow/internal/common/logger"
	"github.com/taskflow/taskflow/internal/task/models"
)

const (
	metaDirName      = ".taskflow"
	workspaceFile    = "workspace.yaml"
	tasksDirName     = "tasks"
	taskFileName     = "task.yaml"
	attachmentsDir   = "attachments"
	summaryFileName  = "summary.md"
	leaseFileName    = "executing.lease"
	registryFileName = "workspaces.yaml"

	// DefaultIDPrefix seeds task ids when a workspace does not set one.
	DefaultIDPrefix = "TF"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrWorkspaceExists   = errors.New("workspace already exists")
	ErrTaskNotFound      = errors.New("task not found")
	ErrMoveNotAllowed    = errors.New("move not allowed")
	ErrInvalidReorder    = errors.New("invalid reorder")
)

// registryEntry is one line of the server-level workspace registry.
type registryEntry struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
}

type registryDoc struct {
	Workspaces []registryEntry `yaml:"workspaces"`
}

// Store owns the on-disk records and their in-memory projection.
type Store struct {
	dataDir string
	log     *logger.Logger

	mu         sync.RWMutex
	workspaces map[string]*models.Workspace
	tasks      map[string]map[string]*models.Task

	// Per-entity locks serialize disk mutations. Workspace locks cover
	// id allocation and intra-phase order rewrites; task locks cover
	// read-modify-write cycles on a single record. Paths that take both
	// always take the workspace lock first.
	lockMu  sync.Mutex
	wsLocks map[string]*sync.Mutex
	tkLocks map[string]*sync.Mutex
}

// New creates a store rooted at the server data dir. Call Load before use.
func New(dataDir string, log *logger.Logger) *Store {
	return &Store{
		dataDir:    dataDir,
		log:        log.WithFields(zap.String("component", "task_store")),
		workspaces: make(map[string]*models.Workspace),
		tasks:      make(map[string]map[string]*models.Task),
		wsLocks:    make(map[string]*sync.Mutex),
		tkLocks:    make(map[string]*sync.Mutex),
	}
}

// Load reads the workspace registry and every workspace's records into
// the projection. Unreadable workspaces are skipped with a warning so one
// bad directory does not take the server down.
func (s *Store) Load() error {
	reg, err := s.readRegistry()
	if err != nil {
		return fmt.Errorf("read workspace registry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range reg.Workspaces {
		ws, err := readWorkspaceConfig(filepath.Join(entry.Path, metaDirName, workspaceFile))
		if err != nil {
			s.log.Warn("skipping unreadable workspace",
				zap.String("workspace_id", entry.ID),
				zap.String("path", entry.Path),
				zap.Error(err))
			continue
		}
		tasks, err := s.scanTasks(ws)
		if err != nil {
			s.log.Warn("skipping workspace with unreadable tasks",
				zap.String("workspace_id", ws.ID),
				zap.Error(err))
			continue
		}
		// The watermark never goes backwards, even if workspace.yaml
		// lags behind the task directory.
		if next := maxTaskNum(ws.IDPrefix, tasks) + 1; next > ws.NextTaskNum {
			ws.NextTaskNum = next
		}
		s.workspaces[ws.ID] = ws
		s.tasks[ws.ID] = tasks
	}
	s.log.Info("task store loaded", zap.Int("workspaces", len(s.workspaces)))
	return nil
}

// CreateWorkspace registers a new workspace, creating its .taskflow
// directory and config record.
func (s *Store) CreateWorkspace(ws *models.Workspace) (*models.Workspace, error) {
	if ws.IDPrefix == "" {
		ws.IDPrefix = DefaultIDPrefix
	}
	if ws.NextTaskNum < 1 {
		ws.NextTaskNum = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.workspaces {
		if existing.Path == ws.Path {
			return nil, fmt.Errorf("%w: path %s", ErrWorkspaceExists, ws.Path)
		}
	}

	if err := os.MkdirAll(filepath.Join(ws.Path, metaDirName, tasksDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dirs: %w", err)
	}
	if err := s.writeWorkspaceConfig(ws); err != nil {
		return nil, err
	}
	s.workspaces[ws.ID] = ws
	s.tasks[ws.ID] = make(map[string]*models.Task)
	if err := s.writeRegistryLocked(); err != nil {
		delete(s.workspaces, ws.ID)
		delete(s.tasks, ws.ID)
		return nil, err
	}
	return ws.Clone(), nil
}

// GetWorkspace returns a copy of the workspace record.
func (s *Store) GetWorkspace(id string) (*models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	return ws.Clone(), nil
}

// ListWorkspaces returns copies of all registered workspaces, oldest first.
func (s *Store) ListWorkspaces() []*models.Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		out = append(out, ws.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateWorkspace applies fn to the workspace record under its lock and
// persists the result.
func (s *Store) UpdateWorkspace(id string, fn func(*models.Workspace) error) (*models.Workspace, error) {
	lock := s.workspaceLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	updated := ws.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = nowUTC()
	if err := s.writeWorkspaceConfig(updated); err != nil {
		return nil, err
	}
	s.workspaces[id] = updated
	return updated.Clone(), nil
}

// DeleteWorkspace unregisters a workspace. The on-disk .taskflow
// directory is left in place; unregistering must never destroy the
// user's task history.
func (s *Store) DeleteWorkspace(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[id]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	delete(s.workspaces, id)
	delete(s.tasks, id)
	return s.writeRegistryLocked()
}

func (s *Store) workspaceLock(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.wsLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.wsLocks[id] = lock
	}
	return lock
}

func (s *Store) taskLock(workspaceID, taskID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	key := workspaceID + "/" + taskID
	lock, ok := s.tkLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.tkLocks[key] = lock
	}
	return lock
}

// --- on-disk layout helpers ---

func (s *Store) registryPath() string {
	return filepath.Join(s.dataDir, registryFileName)
}

func metaDir(ws *models.Workspace) string {
	return filepath.Join(ws.Path, metaDirName)
}

func taskDir(ws *models.Workspace, taskID string) string {
	return filepath.Join(metaDir(ws), tasksDirName, taskID)
}

func taskFilePath(ws *models.Workspace, taskID string) string {
	return filepath.Join(taskDir(ws, taskID), taskFileName)
}

func (s *Store) readRegistry() (*registryDoc, error) {
	data, err := os.ReadFile(s.registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &registryDoc{}, nil
		}
		return nil, err
	}
	var doc registryDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", registryFileName, err)
	}
	return &doc, nil
}

// writeRegistryLocked persists the registry from the current projection.
// Caller holds s.mu.
func (s *Store) writeRegistryLocked() error {
	doc := registryDoc{}
	for _, ws := range s.workspaces {
		doc.Workspaces = append(doc.Workspaces, registryEntry{ID: ws.ID, Path: ws.Path})
	}
	sort.Slice(doc.Workspaces, func(i, j int) bool { return doc.Workspaces[i].ID < doc.Workspaces[j].ID })
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return writeYAMLAtomic(s.registryPath(), &doc)
}

func (s *Store) writeWorkspaceConfig(ws *models.Workspace) error {
	path := filepath.Join(metaDir(ws), workspaceFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create workspace meta dir: %w", err)
	}
	if err := writeYAMLAtomic(path, ws); err != nil {
		return fmt.Errorf("write workspace config: %w", err)
	}
	return nil
}

func readWorkspaceConfig(path string) (*models.Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ws models.Workspace
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &ws, nil
}

// scanTasks reads every task.yaml under the workspace's tasks dir.
func (s *Store) scanTasks(ws *models.Workspace) (map[string]*models.Task, error) {
	tasks := make(map[string]*models.Task)
	dir := filepath.Join(metaDir(ws), tasksDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return tasks, nil
		}
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		task, err := readTaskFile(filepath.Join(dir, entry.Name(), taskFileName))
		if err != nil {
			s.log.Warn("skipping unreadable task",
				zap.String("workspace_id", ws.ID),
				zap.String("task_id", entry.Name()),
				zap.Error(err))
			continue
		}
		// A session that died mid-run leaves planningStatus=running
		// behind; it can never resume, so normalize to error.
		if task.PlanningStatus == "running" {
			task.PlanningStatus = "error"
		}
		tasks[task.ID] = task
	}
	return tasks, nil
}

func readTaskFile(path string) (*models.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var task models.Task
	if err := yaml.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &task, nil
}

func (s *Store) writeTaskFile(ws *models.Workspace, task *models.Task) error {
	dir := taskDir(ws, task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	if err := writeYAMLAtomic(filepath.Join(dir, taskFileName), task); err != nil {
		return fmt.Errorf("write task %s: %w", task.ID, err)
	}
	return nil
}

// reloadTasksLocked re-syncs one workspace's task projection from disk
// after a partial write failure. Caller holds s.mu.
func (s *Store) reloadTasksLocked(ws *models.Workspace) {
	tasks, err := s.scanTasks(ws)
	if err != nil {
		s.log.Error("failed to re-sync tasks from disk", zap.String("workspace_id", ws.ID), zap.Error(err))
		return
	}
	s.tasks[ws.ID] = tasks
}

// maxTaskNum extracts the largest numeric id suffix among the tasks.
func maxTaskNum(prefix string, tasks map[string]*models.Task) int {
	max := 0
	for id := range tasks {
		n, ok := parseTaskNum(prefix, id)
		if ok && n > max {
			max = n
		}
	}
	return max
}

func parseTaskNum(prefix, id string) (int, bool) {
	rest, found := strings.CutPrefix(id, prefix+"-")
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func writeYAMLAtomic(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
