package orchestrator

import (
	"encoding/json"
	"fmt"
)

// Personas reviewed concurrently. Order is fixed so logs and thread rows
// are predictable.
var personas = []string{"correctness", "security", "maintainability"}

const rootInstructions = `You are a senior code reviewer working on a pull request checkout.
Review only the changes against the base branch. Be specific: every issue
must name a file and line range from the diff. Do not praise; only report
problems worth a human's time.`

var personaInstructions = map[string]string{
	"correctness": `Focus exclusively on correctness: logic errors, broken edge
cases, races, off-by-ones, error-handling gaps, and behavior changes the
author likely did not intend.`,
	"security": `Focus exclusively on security: injection, authz/authn gaps,
secrets in code, unsafe deserialization, SSRF, path traversal, and unsafe
defaults introduced by this change.`,
	"maintainability": `Focus exclusively on maintainability: misleading names,
dead code, needless complexity, missing invariants, and API designs that
will be hard to evolve.`,
}

func reviewPrompt(baseBranch string) string {
	return fmt.Sprintf("Review the working tree's diff against %s through your assigned lens. Think step by step through each changed hunk before concluding.", baseBranch)
}

const normalizePrompt = `Convert your review into findings matching the output
schema exactly. Emit a JSON array only, no prose. Leave the array empty if
you found nothing worth reporting.`

// findingsSchema is the structured-output schema for the normalization turn.
var findingsSchema = json.RawMessage(`{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["title", "file_path", "issue_key", "severity"],
		"properties": {
			"title": {"type": "string"},
			"file_path": {"type": "string"},
			"start_line": {"type": "integer"},
			"end_line": {"type": "integer"},
			"severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
			"confidence": {"type": "number"},
			"issue_key": {"type": "string"},
			"evidence": {"type": "string"}
		}
	}
}`)

func patchPrompt(f findingForPrompt) string {
	return fmt.Sprintf(`Produce a minimal diff that fixes the following finding and
nothing else. Modify the working tree directly; keep the change as small as
possible. Then answer with JSON matching the output schema, describing the
risks of applying your fix.

Finding: %s
File: %s lines %d-%d
Category: %s
Evidence: %s`, f.Title, f.FilePath, f.StartLine, f.EndLine, f.IssueKey, f.Evidence)
}

type findingForPrompt struct {
	Title     string
	FilePath  string
	StartLine int
	EndLine   int
	IssueKey  string
	Evidence  string
}

// riskNotesSchema is the structured-output schema for the patch turn.
var riskNotesSchema = json.RawMessage(`{
	"type": "object",
	"required": ["risk_notes"],
	"properties": {
		"risk_notes": {"type": "string"}
	}
}`)
