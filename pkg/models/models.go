package models

import (
	"time"
)

// Run lifecycle models

// RunStatus is the lifecycle state of a review run. Terminal states are
// final; no transition leaves them.
type RunStatus string

const (
	RunQueued          RunStatus = "queued"
	RunRunning         RunStatus = "running"
	RunCancelRequested RunStatus = "cancel_requested"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunCanceled        RunStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

// Active reports whether the run still counts toward the
// one-active-run-per-PR invariant.
func (s RunStatus) Active() bool {
	return s == RunQueued || s == RunRunning || s == RunCancelRequested
}

// Repo identifies one installed GitHub repository.
type Repo struct {
	ID             int64     `json:"id" db:"id"`
	Owner          string    `json:"owner" db:"owner"`
	Name           string    `json:"name" db:"name"`
	InstallationID int64     `json:"installation_id" db:"installation_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// FullName returns "owner/name".
func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

// Run represents one PR review execution attempt.
type Run struct {
	ID           string     `json:"id" db:"id"`
	RepoID       int64      `json:"repo_id" db:"repo_id"`
	PRNumber     int        `json:"pr_number" db:"pr_number"`
	HeadSHA      string     `json:"head_sha" db:"head_sha"`
	BaseBranch   string     `json:"base_branch" db:"base_branch"`
	Status       RunStatus  `json:"status" db:"status"`
	Trigger      string     `json:"trigger" db:"trigger"` // webhook | chatops | retry
	CheckRunID   *int64     `json:"check_run_id,omitempty" db:"check_run_id"`
	ErrorText    *string    `json:"error_text,omitempty" db:"error_text"`
	InputTokens  int64      `json:"input_tokens" db:"input_tokens"`
	OutputTokens int64      `json:"output_tokens" db:"output_tokens"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// RunWithRepo bundles a run with its repository for the orchestrator.
type RunWithRepo struct {
	Run  Run
	Repo Repo
}

// Thread is one conversational context inside the agent subprocess, scoped
// to a run. Role is "root", a persona name, or "patch:<findingID>". Owned
// exclusively by the run that created it.
type Thread struct {
	ID             int64     `json:"id" db:"id"`
	RunID          string    `json:"run_id" db:"run_id"`
	Role           string    `json:"role" db:"role"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	LastTurnID     string    `json:"last_turn_id" db:"last_turn_id"`
	Status         string    `json:"status" db:"status"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Finding models

// Severity is an ordered issue severity: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering weight used for severity comparisons. Unknown
// values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Finding is one normalized issue candidate surfaced by a review persona.
// After ranking it additionally carries SupportingRoles and Score.
type Finding struct {
	ID              string   `json:"id" db:"id"`
	RunID           string   `json:"run_id,omitempty" db:"run_id"`
	Role            string   `json:"role" db:"role"`
	Severity        Severity `json:"severity" db:"severity"`
	Confidence      float64  `json:"confidence" db:"confidence"`
	FilePath        string   `json:"file_path" db:"file_path"`
	StartLine       int      `json:"start_line" db:"start_line"`
	EndLine         int      `json:"end_line" db:"end_line"`
	Title           string   `json:"title" db:"title"`
	IssueKey        string   `json:"issue_key" db:"issue_key"`
	Evidence        string   `json:"evidence" db:"evidence"`
	SupportingRoles []string `json:"supporting_roles,omitempty" db:"supporting_roles"`
	Score           float64  `json:"score,omitempty" db:"score"`
}

// Patch models

// PatchStatus indicates whether a generated patch produced usable
// suggestions.
type PatchStatus string

const (
	PatchReady        PatchStatus = "ready"
	PatchNoSuggestion PatchStatus = "no_suggestion"
)

// SuggestionBlock is one inline-suggestion candidate extracted from a
// unified diff.
type SuggestionBlock struct {
	FilePath  string `json:"file_path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Body      string `json:"body"`
}

// Patch is a generated fix proposal tied to exactly one finding.
type Patch struct {
	ID          int64             `json:"id" db:"id"`
	RunID       string            `json:"run_id" db:"run_id"`
	FindingID   string            `json:"finding_id" db:"finding_id"`
	Diff        string            `json:"diff" db:"diff"`
	Suggestions []SuggestionBlock `json:"suggestions" db:"suggestions"`
	RiskNotes   string            `json:"risk_notes" db:"risk_notes"`
	Status      PatchStatus       `json:"status" db:"status"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
}

// Event is an append-only audit record tied to a run. Orchestration logic
// never reads events back; they exist for diagnostics.
type Event struct {
	ID        int64     `json:"id" db:"id"`
	RunID     string    `json:"run_id" db:"run_id"`
	Kind      string    `json:"kind" db:"kind"`
	Payload   string    `json:"payload" db:"payload"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TokenUsage is the cumulative token count the agent has reported for one
// thread.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}
