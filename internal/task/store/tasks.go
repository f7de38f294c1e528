package store

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/taskflow/taskflow/internal/task/models"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

// Scope selects which lifecycle slice List returns.
type Scope string

const (
	ScopeActive   Scope = "active"
	ScopeArchived Scope = "archived"
	ScopeAll      Scope = "all"
)

// ParseScope maps a query value to a scope, defaulting to active.
func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.TrimSpace(raw)) {
	case "", ScopeActive:
		return ScopeActive, nil
	case ScopeArchived:
		return ScopeArchived, nil
	case ScopeAll:
		return ScopeAll, nil
	}
	return "", fmt.Errorf("invalid scope %q", raw)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// List returns copies of the workspace's tasks in the given scope,
// ordered by phase then intra-phase order.
func (s *Store) List(workspaceID string, scope Scope) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.tasks[workspaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}
	out := make([]*models.Task, 0, len(byID))
	for _, task := range byID {
		archived := task.Phase == v1.PhaseArchived
		if scope == ScopeActive && archived {
			continue
		}
		if scope == ScopeArchived && !archived {
			continue
		}
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := phaseRank(out[i].Phase), phaseRank(out[j].Phase)
		if ri != rj {
			return ri < rj
		}
		return out[i].Order < out[j].Order
	})
	return out, nil
}

// Get returns a copy of one task. Deleted tasks are gone for good; their
// ids are never reused and never resurrected.
func (s *Store) Get(workspaceID, taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(workspaceID, taskID)
}

func (s *Store) getLocked(workspaceID, taskID string) (*models.Task, error) {
	byID, ok := s.tasks[workspaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}
	task, ok := byID[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.Clone(), nil
}

// PhaseTasks returns copies of the tasks in one phase, in order.
func (s *Store) PhaseTasks(workspaceID string, phase v1.TaskPhase) []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := phaseTasksLocked(s.tasks[workspaceID], phase)
	for i, task := range out {
		out[i] = task.Clone()
	}
	return out
}

// CountPhase returns how many tasks occupy a phase.
func (s *Store) CountPhase(workspaceID string, phase v1.TaskPhase) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, task := range s.tasks[workspaceID] {
		if task.Phase == phase {
			n++
		}
	}
	return n
}

// phaseTasksLocked returns the live (not cloned) tasks of a phase sorted
// by order. Caller holds s.mu.
func phaseTasksLocked(byID map[string]*models.Task, phase v1.TaskPhase) []*models.Task {
	var out []*models.Task
	for _, task := range byID {
		if task.Phase == phase {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Create mints the next task id and persists the task at the end of the
// backlog. The id watermark is persisted before the task so a crash
// between the two writes can only burn a number, never reuse one.
func (s *Store) Create(workspaceID string, seed *models.Task) (*models.Task, error) {
	wsLock := s.workspaceLock(workspaceID)
	wsLock.Lock()
	defer wsLock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}

	num := ws.NextTaskNum
	if fromDisk := maxTaskNum(ws.IDPrefix, s.tasks[workspaceID]) + 1; fromDisk > num {
		num = fromDisk
	}
	updatedWS := ws.Clone()
	updatedWS.NextTaskNum = num + 1
	updatedWS.UpdatedAt = nowUTC()
	if err := s.writeWorkspaceConfig(updatedWS); err != nil {
		return nil, err
	}
	s.workspaces[workspaceID] = updatedWS

	task := seed.Clone()
	task.ID = fmt.Sprintf("%s-%d", updatedWS.IDPrefix, num)
	task.WorkspaceID = workspaceID
	task.Phase = v1.PhaseBacklog
	task.Order = nextOrder(s.tasks[workspaceID], v1.PhaseBacklog)
	if task.PlanningStatus == "" {
		task.PlanningStatus = v1.PlanningNone
	}
	now := nowUTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := s.writeTaskFile(updatedWS, task); err != nil {
		return nil, err
	}
	s.tasks[workspaceID][task.ID] = task
	return task.Clone(), nil
}

func nextOrder(byID map[string]*models.Task, phase v1.TaskPhase) int {
	max := -1
	for _, task := range byID {
		if task.Phase == phase && task.Order > max {
			max = task.Order
		}
	}
	return max + 1
}

// Mutate re-reads the task from disk under its lock, applies fn, and
// persists the result. This is the only safe way to update a task that
// a background session may also be touching.
func (s *Store) Mutate(workspaceID, taskID string, fn func(*models.Task) error) (*models.Task, error) {
	lock := s.taskLock(workspaceID, taskID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}
	if _, ok := s.tasks[workspaceID][taskID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	task, err := readTaskFile(taskFilePath(ws, taskID))
	if err != nil {
		// Disk lost the record the projection still has; fall back to
		// the projection rather than failing a user-visible update.
		task = s.tasks[workspaceID][taskID].Clone()
	}
	if err := fn(task); err != nil {
		return nil, err
	}
	task.UpdatedAt = nowUTC()
	if err := s.writeTaskFile(ws, task); err != nil {
		return nil, err
	}
	s.tasks[workspaceID][taskID] = task
	return task.Clone(), nil
}

// Move validates and performs a phase transition, rewriting intra-phase
// orders on both sides. Move-ins land at the top of ready, executing and
// complete; backlog and archived move-ins append at the end.
func (s *Store) Move(workspaceID, taskID string, to v1.TaskPhase, actor, reason string, check MoveCheck) (*models.Task, error) {
	wsLock := s.workspaceLock(workspaceID)
	wsLock.Lock()
	defer wsLock.Unlock()
	lock := s.taskLock(workspaceID, taskID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}
	current, ok := s.tasks[workspaceID][taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	decision := CanMoveToPhase(current, to, check)
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrMoveNotAllowed, decision.Reason)
	}

	from := current.Phase
	task := current.Clone()
	task.Phase = to
	task.History = append(task.History, models.HistoryEntry{
		From:   from,
		To:     to,
		Actor:  actor,
		Reason: reason,
		At:     nowUTC(),
	})
	task.UpdatedAt = nowUTC()

	// Stage the new intra-phase orders for both columns, then persist
	// every record whose order changed.
	staged := map[string]*models.Task{taskID: task}
	stageRenumber(staged, s.tasks[workspaceID], from, taskID, nil)
	if prependOnEntry(to) {
		stageRenumber(staged, s.tasks[workspaceID], to, "", task)
	} else {
		task.Order = nextOrder(s.tasks[workspaceID], to)
	}

	if err := s.persistStaged(ws, staged); err != nil {
		s.reloadTasksLocked(ws)
		return nil, err
	}
	for id, t := range staged {
		s.tasks[workspaceID][id] = t
	}
	return task.Clone(), nil
}

// stageRenumber stages new 0..n-1 order values for one phase. skipID is
// excluded (the task leaving the phase); head, when non-nil, is placed at
// position 0 (the task entering at the top).
func stageRenumber(staged map[string]*models.Task, byID map[string]*models.Task, phase v1.TaskPhase, skipID string, head *models.Task) {
	tasks := phaseTasksLocked(byID, phase)
	next := 0
	if head != nil {
		head.Order = 0
		next = 1
	}
	for _, task := range tasks {
		if task.ID == skipID || (head != nil && task.ID == head.ID) {
			continue
		}
		if task.Order != next {
			dup, ok := staged[task.ID]
			if !ok {
				dup = task.Clone()
				staged[task.ID] = dup
			}
			dup.Order = next
		} else if dup, ok := staged[task.ID]; ok {
			dup.Order = next
		}
		next++
	}
}

func (s *Store) persistStaged(ws *models.Workspace, staged map[string]*models.Task) error {
	for _, task := range staged {
		if err := s.writeTaskFile(ws, task); err != nil {
			return err
		}
	}
	return nil
}

// Reorder replaces the order of one phase. Every id must belong to that
// phase and the set must be complete.
func (s *Store) Reorder(workspaceID string, phase v1.TaskPhase, orderedIDs []string) ([]*models.Task, error) {
	wsLock := s.workspaceLock(workspaceID)
	wsLock.Lock()
	defer wsLock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}

	current := phaseTasksLocked(s.tasks[workspaceID], phase)
	if len(current) != len(orderedIDs) {
		return nil, fmt.Errorf("%w: expected %d ids for %s, got %d", ErrInvalidReorder, len(current), phase, len(orderedIDs))
	}
	inPhase := make(map[string]*models.Task, len(current))
	for _, task := range current {
		inPhase[task.ID] = task
	}

	staged := make(map[string]*models.Task)
	seen := make(map[string]bool, len(orderedIDs))
	for i, id := range orderedIDs {
		task, ok := inPhase[id]
		if !ok {
			return nil, fmt.Errorf("%w: task %s is not in %s", ErrInvalidReorder, id, phase)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate task id %s", ErrInvalidReorder, id)
		}
		seen[id] = true
		if task.Order != i {
			dup := task.Clone()
			dup.Order = i
			dup.UpdatedAt = nowUTC()
			staged[id] = dup
		}
	}

	if err := s.persistStaged(ws, staged); err != nil {
		s.reloadTasksLocked(ws)
		return nil, err
	}
	for id, t := range staged {
		s.tasks[workspaceID][id] = t
	}

	out := phaseTasksLocked(s.tasks[workspaceID], phase)
	result := make([]*models.Task, len(out))
	for i, task := range out {
		result[i] = task.Clone()
	}
	return result, nil
}

// Delete removes the task directory and projection entry. The id is
// never reused; the workspace watermark only grows.
func (s *Store) Delete(workspaceID, taskID string) (*models.Task, error) {
	wsLock := s.workspaceLock(workspaceID)
	wsLock.Lock()
	defer wsLock.Unlock()
	lock := s.taskLock(workspaceID, taskID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}
	task, ok := s.tasks[workspaceID][taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	if err := os.RemoveAll(taskDir(ws, taskID)); err != nil {
		return nil, fmt.Errorf("remove task dir: %w", err)
	}
	removed := task.Clone()
	delete(s.tasks[workspaceID], taskID)

	staged := make(map[string]*models.Task)
	stageRenumber(staged, s.tasks[workspaceID], task.Phase, "", nil)
	if err := s.persistStaged(ws, staged); err != nil {
		s.reloadTasksLocked(ws)
		return removed, nil
	}
	for id, t := range staged {
		s.tasks[workspaceID][id] = t
	}
	return removed, nil
}
