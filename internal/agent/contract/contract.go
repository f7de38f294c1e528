// Package contract implements the state contract that prefixes every
// prompt sent to the agent: a machine-readable state block plus a
// reference table of per-mode forbidden tools. Tool callbacks consult
// IsForbidden before acting.
package contract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/taskflow/taskflow/internal/agent/sdk"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

// Mode is the conversation mode the contract advertises to the agent.
type Mode string

const (
	ModePlanning  Mode = "task_planning"
	ModeExecution Mode = "task_execution"
	ModeChat      Mode = "chat"
)

// Tool names exposed to the agent through the tool bridge.
const (
	ToolTaskComplete   = "task_complete"
	ToolSavePlan       = "save_plan"
	ToolAttachTaskFile = "attach_task_file"
)

// DeriveMode maps conversation purpose and task phase onto a mode.
// Planning conversations and backlog tasks plan; executing tasks
// execute; everything else is chat.
func DeriveMode(purpose sdk.Purpose, phase v1.TaskPhase) Mode {
	if purpose == sdk.PurposePlanning || phase == v1.PhaseBacklog {
		return ModePlanning
	}
	if phase == v1.PhaseExecuting {
		return ModeExecution
	}
	return ModeChat
}

var forbiddenByMode = map[Mode]map[string]bool{
	ModePlanning:  {ToolTaskComplete: true},
	ModeExecution: {ToolSavePlan: true},
	ModeChat:      {ToolTaskComplete: true, ToolSavePlan: true},
}

// IsForbidden reports whether a tool must be rejected in the given
// mode. attach_task_file is allowed everywhere.
func IsForbidden(mode Mode, toolName string) bool {
	return forbiddenByMode[mode][toolName]
}

// StateBlock renders the machine-readable prefix describing where the
// task currently stands.
func StateBlock(phase v1.TaskPhase, mode Mode, planningStatus v1.PlanningStatus) string {
	if planningStatus == "" {
		planningStatus = v1.PlanningNone
	}
	return fmt.Sprintf("<state>%s</state> <mode>%s</mode> <planning_status>%s</planning_status>",
		phase, mode, planningStatus)
}

// Reference enumerates the tool rules for every mode so the agent can
// see the full table regardless of which mode it is in.
const Reference = `Tool availability depends on the <mode> above:
- task_planning: save_plan and attach_task_file are available; task_complete is forbidden.
- task_execution: task_complete and attach_task_file are available; save_plan is forbidden.
- chat: attach_task_file is available; task_complete and save_plan are forbidden.
Calling a forbidden tool returns an error and has no effect.`

// echoPattern matches the state block when the agent parrots it back
// in its own output.
var echoPattern = regexp.MustCompile(`(?s)<state>[^<]*</state>\s*(?:<mode>[^<]*</mode>\s*)?(?:<planning_status>[^<]*</planning_status>\s*)?`)

// StripEcho removes contract echoes from assistant content before it
// is persisted.
func StripEcho(content string) string {
	return strings.TrimSpace(echoPattern.ReplaceAllString(content, ""))
}
