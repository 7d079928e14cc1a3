package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/revloop/internal/agent"
	"github.com/revloop/internal/checkout"
	"github.com/revloop/internal/github"
	"github.com/revloop/pkg/models"
)

// Job kinds accepted by HandleJob. Unknown kinds are ignored so newer job
// producers can roll out ahead of this consumer.
const (
	JobRunPR          = "run_pr"
	JobCancelRun      = "cancel_run"
	JobExplainFinding = "explain_finding"
	JobPatchFinding   = "patch_finding"
)

// Job is the tagged union delivered by the queue.
type Job struct {
	Kind      string `json:"kind"`
	RunID     string `json:"run_id"`
	FindingID string `json:"finding_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// RunStore is the persistence contract the orchestrator drives.
// *store.Store satisfies it.
type RunStore interface {
	GetRunWithRepo(ctx context.Context, id string) (models.RunWithRepo, error)
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, errorText string) error
	SetCheckRunID(ctx context.Context, id string, checkRunID int64) error
	RequestCancel(ctx context.Context, id, reason string) error
	IsCancellationRequested(ctx context.Context, id string) (bool, error)
	RecordTokenUsage(ctx context.Context, id string, usage models.TokenUsage) error
	InsertEvent(ctx context.Context, runID, kind, payload string) error
	InsertThread(ctx context.Context, thread models.Thread) (int64, error)
	UpdateThreadTurn(ctx context.Context, threadID int64, turnID, status string) error
	InsertFindings(ctx context.Context, runID string, findings []models.Finding) error
	GetFinding(ctx context.Context, runID, findingID string) (models.Finding, error)
	InsertPatch(ctx context.Context, patch models.Patch) error
	ListPatchesForFinding(ctx context.Context, findingID string) ([]models.Patch, error)
}

// GitHubService is the REST surface the orchestrator posts through.
// *github.Service satisfies it.
type GitHubService interface {
	GetInstallationToken(ctx context.Context, installationID int64) (string, error)
	CreateCheckRun(ctx context.Context, rc github.RepoContext, headSHA string, output github.CheckRunOutput) (int64, error)
	UpdateCheckRun(ctx context.Context, rc github.RepoContext, checkRunID int64, conclusion string, output github.CheckRunOutput) error
	CreateIssueComment(ctx context.Context, rc github.RepoContext, issueNumber int, body string) error
}

// AgentClient is the subprocess protocol surface one run owns.
// *agent.Client satisfies it.
type AgentClient interface {
	Start() error
	Initialize(ctx context.Context, clientName, clientVersion string) error
	OnNotification(fn func(agent.Notification))
	StartConversation(ctx context.Context, instructions string) (string, error)
	ForkConversation(ctx context.Context, parentID, instructions string) (string, error)
	StartReview(ctx context.Context, conversationID, baseBranch, prompt string) (agent.TurnResult, error)
	StartTurn(ctx context.Context, conversationID, prompt string, outputSchema json.RawMessage) (agent.TurnResult, error)
	ReadConversation(ctx context.Context, conversationID string) (string, error)
	WaitForTurnCompletion(ctx context.Context, threadID, turnID string, timeout time.Duration) (agent.TurnCompleted, error)
	LatestTurnDiff(turnID string) (string, bool)
	LatestTokenUsage(threadID string) (agent.TokenUsageUpdated, bool)
	Interrupt(ctx context.Context, threadID, turnID string) error
	Stop()
}

// AgentFactory builds one client per run, rooted at the run's checkout.
type AgentFactory func(workingDir string) AgentClient

// Workspace acquires and releases repository checkouts.
type Workspace interface {
	CloneAtSHA(ctx context.Context, opts checkout.Options) (string, error)
	RemoveClone(dir string) error
}

// GitWorkspace is the production Workspace on the checkout package.
type GitWorkspace struct{}

func (GitWorkspace) CloneAtSHA(ctx context.Context, opts checkout.Options) (string, error) {
	return checkout.CloneAtSHA(ctx, opts)
}

func (GitWorkspace) RemoveClone(dir string) error {
	return checkout.RemoveClone(dir)
}
