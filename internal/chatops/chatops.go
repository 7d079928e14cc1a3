// Package chatops parses /codex commands out of PR comment bodies.
package chatops

import (
	"strings"
)

// CommandKind is the verb of a parsed ChatOps command.
type CommandKind string

const (
	CommandRerun   CommandKind = "rerun"
	CommandStop    CommandKind = "stop"
	CommandExplain CommandKind = "explain"
	CommandPatch   CommandKind = "patch"
)

const prefix = "/codex"

// Command is one parsed directive from a comment body.
type Command struct {
	Kind      CommandKind
	FindingID string // set for explain/patch
}

// Parse extracts a command from a comment body. Returns nil when the body
// is not a well-formed single-line /codex command: anything with embedded
// newlines after trimming is rejected outright so shell-ish payloads
// smuggled under a command never reach the job producer.
func Parse(body string) *Command {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, prefix) {
		return nil
	}
	if strings.ContainsAny(trimmed, "\n\r") {
		return nil
	}

	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return nil
	}

	switch fields[1] {
	case "rerun":
		if len(fields) != 2 {
			return nil
		}
		return &Command{Kind: CommandRerun}
	case "stop":
		if len(fields) != 2 {
			return nil
		}
		return &Command{Kind: CommandStop}
	case "explain":
		if len(fields) != 3 || !validFindingID(fields[2]) {
			return nil
		}
		return &Command{Kind: CommandExplain, FindingID: fields[2]}
	case "patch":
		if len(fields) != 3 || !validFindingID(fields[2]) {
			return nil
		}
		return &Command{Kind: CommandPatch, FindingID: fields[2]}
	}
	return nil
}

func validFindingID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
