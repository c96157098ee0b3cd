package task

import (
	"fmt"
	"strings"
)

// DefaultPromptTemplate is the instruction given to an agent when the task
// has no custom prompt.
const DefaultPromptTemplate = "Create a plan, review your plan and choose the best option, " +
	"then accomplish the following task and commit the changes: %s"

// coordinationPreamble tells the agent how to participate in the
// coordination protocol. Session name and status path are substituted in.
const coordinationPreamble = `You are agent session %[1]s working on branch %[2]s.
Before doing anything else, call the register_agent tool with your session name.
Send a heartbeat at least every minute while you work.
Call announce_file_change before editing any file and release_file_lock when done.
When the task is finished, call mark_task_completed and write the word COMPLETED
to %[3]s. If you cannot finish, write FAILED:<reason> instead.`

// ComposePrompt builds the full prompt handed to the agent CLI: the
// coordination preamble, the instruction (custom or templated), and the
// task description.
func (t *Task) ComposePrompt(session, statusPath string) string {
	var b strings.Builder

	fmt.Fprintf(&b, coordinationPreamble, session, t.Branch, statusPath)
	b.WriteString("\n\n")

	if t.Prompt != "" {
		b.WriteString(t.Prompt)
	} else {
		fmt.Fprintf(&b, DefaultPromptTemplate, t.Title)
	}

	if t.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(t.Description)
	}

	return b.String()
}
