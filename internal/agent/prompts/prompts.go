// Package prompts holds the default prompt templates for agent
// conversations and renders them with task context. Workspaces may
// override any template by name through their promptOverrides map.
package prompts

import (
	"strconv"
	"strings"
)

// Name identifies a prompt template.
type Name string

const (
	Execution      Name = "execution"
	Rework         Name = "rework"
	Planning       Name = "planning"
	ResumePlanning Name = "resume_planning"
	Chat           Name = "chat"
	PlanningGrace  Name = "planning_grace"
	Summary        Name = "summary"
)

// Vars carries the substitution values for one render. List values are
// formatted by the renderer.
type Vars struct {
	StateBlock         string
	ContractReference  string
	TaskID             string
	Title              string
	Description        string
	AcceptanceCriteria []string
	SharedContext      string
	Attachments        []string
	Skills             []string
	MaxToolCalls       int
	UserMessage        string
}

// Render resolves the template, preferring a workspace override, and
// applies all placeholder substitutions.
func Render(name Name, overrides map[string]string, vars Vars) string {
	template, ok := overrides[string(name)]
	if !ok || strings.TrimSpace(template) == "" {
		template = defaults[name]
	}
	return strings.TrimSpace(vars.expand(template))
}

func (v Vars) expand(template string) string {
	r := strings.NewReplacer(
		"{{stateBlock}}", v.StateBlock,
		"{{contractReference}}", v.ContractReference,
		"{{taskId}}", v.TaskID,
		"{{title}}", v.Title,
		"{{description}}", valueOr(v.Description, "(no description)"),
		"{{acceptanceCriteria}}", bulleted(v.AcceptanceCriteria, "(none yet)"),
		"{{sharedContext}}", valueOr(v.SharedContext, "(none)"),
		"{{attachments}}", bulleted(v.Attachments, "(none)"),
		"{{skills}}", strings.Join(v.Skills, "\n\n"),
		"{{maxToolCalls}}", strconv.Itoa(v.MaxToolCalls),
		"{{userMessage}}", v.UserMessage,
	)
	return r.Replace(template)
}

func valueOr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func bulleted(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(item)
	}
	return b.String()
}

var defaults = map[Name]string{
	Execution: `{{stateBlock}}

{{contractReference}}

You are working on task {{taskId}}: {{title}}

## Description
{{description}}

## Acceptance criteria
{{acceptanceCriteria}}

## Workspace context
{{sharedContext}}

## Attachments
{{attachments}}

{{skills}}

Work until every acceptance criterion is met and verified. When done, call the task_complete tool with a concise summary of what you did. Do not end the conversation without calling task_complete.`,

	Rework: `{{stateBlock}}

{{contractReference}}

Task {{taskId}} ({{title}}) has been sent back for rework. The earlier conversation is above.

## Acceptance criteria
{{acceptanceCriteria}}

Review what was done, address the gaps, and call task_complete with a summary of the fixes once every criterion holds again.`,

	Planning: `{{stateBlock}}

{{contractReference}}

Produce an implementation plan for task {{taskId}}: {{title}}

## Description
{{description}}

## Workspace context
{{sharedContext}}

## Attachments
{{attachments}}

{{skills}}

Investigate the codebase within a budget of {{maxToolCalls}} tool calls, then call the save_plan tool exactly once with the goal, ordered steps, validation, cleanup, and up to 7 acceptance criteria. Do not implement anything yet.`,

	ResumePlanning: `{{stateBlock}}

{{contractReference}}

Planning for task {{taskId}} ({{title}}) was interrupted; the earlier conversation is above.

Pick up where it left off and call save_plan exactly once with the complete plan. Remaining investigation budget: {{maxToolCalls}} tool calls.`,

	Chat: `{{stateBlock}}

{{contractReference}}

You are assisting with task {{taskId}}: {{title}}. Answer the user's message below. Use attach_task_file if you produce a file worth keeping with the task.

{{userMessage}}`,

	PlanningGrace: `{{stateBlock}}

{{contractReference}}

The investigation budget is exhausted. Call save_plan now with the best plan you can produce from what you already know. Do not call any other tool first.`,

	Summary: `{{stateBlock}}

{{contractReference}}

The task is complete. Write a concise markdown summary of the work: what changed, where, how it was validated, and anything left for follow-up. Respond with the summary text only.`,
}

// Default returns the built-in template for a name, empty if unknown.
func Default(name Name) string {
	return defaults[name]
}
