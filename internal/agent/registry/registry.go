// Package registry routes tool callbacks from the tool bridge back to
// the session that installed them. Three single-slot maps keyed by
// task id, one per tool; installing over an occupied slot stashes the
// previous entry and the returned restore function brings it back.
package registry

import (
	"sync"

	"github.com/taskflow/taskflow/internal/agent/contract"
)

// PlanPayload is what a save_plan call delivers.
type PlanPayload struct {
	Goal               string
	Steps              []string
	Validation         []string
	Cleanup            []string
	AcceptanceCriteria []string
}

// AttachPayload is what an attach_task_file call delivers, bytes
// already base64-decoded.
type AttachPayload struct {
	Filename string
	MimeType string
	Data     []byte
}

type CompleteFunc func(summary string) error
type PlanFunc func(payload PlanPayload) error
type AttachFunc func(payload AttachPayload) error

type slot struct {
	mode  contract.Mode
	fn    interface{}
	token int
}

// Registry holds the per-task callback slots. One instance is shared
// by the session manager (installer) and the tool bridge (caller).
type Registry struct {
	mu        sync.Mutex
	nextToken int
	slots     map[string]map[string][]slot
}

func New() *Registry {
	return &Registry{slots: make(map[string]map[string][]slot)}
}

// InstallComplete binds the task_complete callback for a task. The
// returned restore removes it and uncovers any stashed predecessor;
// it is idempotent.
func (r *Registry) InstallComplete(taskID string, mode contract.Mode, fn CompleteFunc) (restore func()) {
	return r.install(contract.ToolTaskComplete, taskID, mode, fn)
}

// InstallPlan binds the save_plan callback for a task.
func (r *Registry) InstallPlan(taskID string, mode contract.Mode, fn PlanFunc) (restore func()) {
	return r.install(contract.ToolSavePlan, taskID, mode, fn)
}

// InstallAttach binds the attach_task_file callback for a task.
func (r *Registry) InstallAttach(taskID string, mode contract.Mode, fn AttachFunc) (restore func()) {
	return r.install(contract.ToolAttachTaskFile, taskID, mode, fn)
}

// Complete returns the active task_complete callback and the mode it
// was installed under.
func (r *Registry) Complete(taskID string) (CompleteFunc, contract.Mode, bool) {
	s, ok := r.top(contract.ToolTaskComplete, taskID)
	if !ok {
		return nil, "", false
	}
	return s.fn.(CompleteFunc), s.mode, true
}

// Plan returns the active save_plan callback.
func (r *Registry) Plan(taskID string) (PlanFunc, contract.Mode, bool) {
	s, ok := r.top(contract.ToolSavePlan, taskID)
	if !ok {
		return nil, "", false
	}
	return s.fn.(PlanFunc), s.mode, true
}

// Attach returns the active attach_task_file callback.
func (r *Registry) Attach(taskID string) (AttachFunc, contract.Mode, bool) {
	s, ok := r.top(contract.ToolAttachTaskFile, taskID)
	if !ok {
		return nil, "", false
	}
	return s.fn.(AttachFunc), s.mode, true
}

func (r *Registry) install(tool, taskID string, mode contract.Mode, fn interface{}) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextToken++
	token := r.nextToken

	byTask := r.slots[tool]
	if byTask == nil {
		byTask = make(map[string][]slot)
		r.slots[tool] = byTask
	}
	byTask[taskID] = append(byTask[taskID], slot{mode: mode, fn: fn, token: token})

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(tool, taskID, token) })
	}
}

func (r *Registry) remove(tool, taskID string, token int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stack := r.slots[tool][taskID]
	for i, s := range stack {
		if s.token == token {
			stack = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	if len(stack) == 0 {
		delete(r.slots[tool], taskID)
		return
	}
	r.slots[tool][taskID] = stack
}

func (r *Registry) top(tool, taskID string) (slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stack := r.slots[tool][taskID]
	if len(stack) == 0 {
		return slot{}, false
	}
	return stack[len(stack)-1], true
}
