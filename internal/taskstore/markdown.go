// Package taskstore persists the project task list as a human-editable
// markdown document and guards it against concurrent and stale writes.
//
// The format is line oriented: the file opens with "# tasks.md", each task
// is a "## Task: <title>" block, and each attribute is a "- key: value"
// bullet. Lists use "[a, b, c]", the token "null" denotes absence, and
// booleans are lowercase. Unknown keys round-trip verbatim.
package taskstore

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/splitmind/splitmind/internal/task"
)

const header = "# tasks.md"

// nullToken denotes an absent value in the file.
const nullToken = "null"

// ParseError reports a malformed line in a task file.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tasks.md line %d: %s", e.Line, e.Reason)
}

// InvalidFieldError reports a field that parsed but failed validation.
type InvalidFieldError struct {
	Task   string
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("task %q field %q: %s", e.Task, e.Field, e.Reason)
}

// Parse decodes a tasks.md document, preserving task order.
func Parse(data []byte) ([]*task.Task, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var tasks []*task.Task
	var current *task.Task
	lineNo := 0
	sawHeader := false

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), " \t")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			continue
		case !sawHeader:
			if trimmed != header {
				return nil, &ParseError{Line: lineNo, Reason: fmt.Sprintf("expected %q header, got %q", header, trimmed)}
			}
			sawHeader = true
		case strings.HasPrefix(trimmed, "## Task:"):
			title := strings.TrimSpace(strings.TrimPrefix(trimmed, "## Task:"))
			if title == "" {
				return nil, &ParseError{Line: lineNo, Reason: "task block with empty title"}
			}
			current = &task.Task{Title: title, Status: task.StatusUnclaimed}
			tasks = append(tasks, current)
		case strings.HasPrefix(trimmed, "- "):
			if current == nil {
				return nil, &ParseError{Line: lineNo, Reason: "attribute bullet outside a task block"}
			}
			key, value, ok := strings.Cut(strings.TrimPrefix(trimmed, "- "), ":")
			if !ok {
				return nil, &ParseError{Line: lineNo, Reason: "bullet is not 'key: value'"}
			}
			key = strings.TrimSpace(key)
			value = strings.TrimSpace(value)
			if err := setField(current, key, value); err != nil {
				return nil, &ParseError{Line: lineNo, Reason: err.Error()}
			}
		default:
			return nil, &ParseError{Line: lineNo, Reason: fmt.Sprintf("unrecognized line %q", trimmed)}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan tasks.md: %w", err)
	}
	if !sawHeader {
		return nil, &ParseError{Line: 1, Reason: "missing '# tasks.md' header"}
	}

	for _, t := range tasks {
		fillDerived(t)
	}
	return tasks, nil
}

// fillDerived supplies id and branch for hand-written blocks that omit them.
func fillDerived(t *task.Task) {
	if t.ID == "" {
		t.ID = task.Slugify(t.Title)
	}
	if t.Branch == "" {
		t.Branch = task.Slugify(t.Title)
	}
}

func setField(t *task.Task, key, value string) error {
	switch key {
	case "id":
		t.ID = value
	case "description":
		t.Description = stringOrEmpty(value)
	case "prompt":
		t.Prompt = stringOrEmpty(value)
	case "branch":
		t.Branch = stringOrEmpty(value)
	case "session":
		t.Session = stringOrEmpty(value)
	case "status":
		st := task.Status(value)
		if !st.IsValid() {
			return fmt.Errorf("unknown status %q", value)
		}
		t.Status = st
	case "dependencies":
		deps, err := parseList(value)
		if err != nil {
			return fmt.Errorf("dependencies: %v", err)
		}
		t.Dependencies = deps
	case "initialization_deps":
		deps, err := parseList(value)
		if err != nil {
			return fmt.Errorf("initialization_deps: %v", err)
		}
		t.InitializationDeps = deps
	case "priority":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("priority %q is not an integer", value)
		}
		t.Priority = n
	case "merge_order":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("merge_order %q is not an integer", value)
		}
		t.MergeOrder = n
	case "exclusive_files":
		files, err := parseList(value)
		if err != nil {
			return fmt.Errorf("exclusive_files: %v", err)
		}
		t.ExclusiveFiles = files
	case "shared_files":
		files, err := parseList(value)
		if err != nil {
			return fmt.Errorf("shared_files: %v", err)
		}
		t.SharedFiles = files
	case "blocked":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("blocked %q is not a boolean", value)
		}
		t.Blocked = b
	case "retry_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("retry_count %q is not an integer", value)
		}
		t.RetryCount = n
	case "created_at":
		return setTime(&t.CreatedAt, key, value)
	case "updated_at":
		return setTime(&t.UpdatedAt, key, value)
	case "completed_at":
		return setTime(&t.CompletedAt, key, value)
	case "merged_at":
		return setTime(&t.MergedAt, key, value)
	default:
		t.SetExtra(key, value)
	}
	return nil
}

func setTime(dst *time.Time, key, value string) error {
	if value == nullToken || value == "" {
		*dst = time.Time{}
		return nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return fmt.Errorf("%s %q is not RFC3339", key, value)
	}
	*dst = ts
	return nil
}

func stringOrEmpty(value string) string {
	if value == nullToken {
		return ""
	}
	return value
}

// parseList decodes "[a, b, c]". An empty list is "[]" or "null".
func parseList(value string) ([]string, error) {
	if value == nullToken || value == "" {
		return nil, nil
	}
	if !strings.HasPrefix(value, "[") || !strings.HasSuffix(value, "]") {
		return nil, fmt.Errorf("%q is not a [a, b] list", value)
	}
	inner := strings.TrimSpace(value[1 : len(value)-1])
	if inner == "" {
		return []string{}, nil
	}
	parts := strings.Split(inner, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// Serialize encodes the task list back to the tasks.md format. Output is
// deterministic so parse→serialize→parse is the identity.
func Serialize(tasks []*task.Task) []byte {
	var b strings.Builder
	b.WriteString(header + "\n")

	for _, t := range tasks {
		b.WriteString("\n## Task: " + t.Title + "\n")
		writeKV(&b, "id", t.ID)
		writeKV(&b, "description", orNull(t.Description))
		writeKV(&b, "prompt", orNull(t.Prompt))
		writeKV(&b, "branch", t.Branch)
		writeKV(&b, "session", orNull(t.Session))
		writeKV(&b, "status", string(t.Status))
		writeKV(&b, "dependencies", formatList(t.Dependencies))
		if len(t.InitializationDeps) > 0 {
			writeKV(&b, "initialization_deps", formatList(t.InitializationDeps))
		}
		writeKV(&b, "priority", strconv.Itoa(t.Priority))
		writeKV(&b, "merge_order", strconv.Itoa(t.MergeOrder))
		writeKV(&b, "exclusive_files", formatList(t.ExclusiveFiles))
		writeKV(&b, "shared_files", formatList(t.SharedFiles))
		if t.Blocked {
			writeKV(&b, "blocked", "true")
		}
		if t.RetryCount > 0 {
			writeKV(&b, "retry_count", strconv.Itoa(t.RetryCount))
		}
		writeKV(&b, "created_at", formatTime(t.CreatedAt))
		writeKV(&b, "updated_at", formatTime(t.UpdatedAt))
		writeKV(&b, "completed_at", formatTime(t.CompletedAt))
		writeKV(&b, "merged_at", formatTime(t.MergedAt))
		for _, key := range t.ExtraKeys() {
			writeKV(&b, key, t.Extra[key])
		}
	}

	return []byte(b.String())
}

func writeKV(b *strings.Builder, key, value string) {
	b.WriteString("- " + key + ": " + value + "\n")
}

func orNull(s string) string {
	if s == "" {
		return nullToken
	}
	return s
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	return "[" + strings.Join(items, ", ") + "]"
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return nullToken
	}
	return ts.UTC().Format(time.RFC3339)
}
