// Package orchestrator drives one review run end to end: check-run
// surface, repository checkout, multi-persona agent fan-out, finding
// ranking, patch generation, and the final report — under a cooperative
// cancellation contract.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/revloop/internal/agent"
	"github.com/revloop/internal/checkout"
	"github.com/revloop/internal/diff"
	"github.com/revloop/internal/github"
	"github.com/revloop/internal/ranking"
	"github.com/revloop/internal/render"
	"github.com/revloop/internal/store"
	"github.com/revloop/pkg/models"
)

// ErrRunCanceled is the sentinel that short-circuits a pipeline on
// user-requested cancellation. It is reserved for that single purpose:
// ordinary failures must never wrap it.
var ErrRunCanceled = errors.New("run canceled")

// Options tune one Orchestrator.
type Options struct {
	ClientName    string
	ClientVersion string
	TurnTimeout   time.Duration
	TopPatchCount int
}

// Orchestrator executes review jobs. One instance serves the whole
// process; per-run state lives in the Registry.
type Orchestrator struct {
	store     RunStore
	gh        GitHubService
	workspace Workspace
	newAgent  AgentFactory
	registry  *Registry
	opts      Options
}

// New wires an Orchestrator.
func New(st RunStore, gh GitHubService, ws Workspace, newAgent AgentFactory, registry *Registry, opts Options) *Orchestrator {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 10 * time.Minute
	}
	if opts.TopPatchCount <= 0 {
		opts.TopPatchCount = 3
	}
	if opts.ClientName == "" {
		opts.ClientName = "revloop"
	}
	return &Orchestrator{
		store:     st,
		gh:        gh,
		workspace: ws,
		newAgent:  newAgent,
		registry:  registry,
		opts:      opts,
	}
}

// HandleJob dispatches one queued job. Unknown kinds are ignored for
// forward compatibility with newer producers.
func (o *Orchestrator) HandleJob(ctx context.Context, job Job) error {
	switch job.Kind {
	case JobRunPR:
		return o.runPR(ctx, job.RunID)
	case JobCancelRun:
		return o.cancelRun(ctx, job.RunID, job.Reason)
	case JobExplainFinding:
		return o.explainFinding(ctx, job.RunID, job.FindingID)
	case JobPatchFinding:
		return o.patchFinding(ctx, job.RunID, job.FindingID)
	default:
		log.Warn().Str("kind", job.Kind).Msg("ignoring unknown job kind")
		return nil
	}
}

// runPR executes the full review pipeline for one run.
func (o *Orchestrator) runPR(ctx context.Context, runID string) error {
	rr, err := o.store.GetRunWithRepo(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info().Str("run", runID).Msg("run vanished before execution, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	run, repo := rr.Run, rr.Repo

	logger := log.With().Str("run", runID).Str("repo", repo.FullName()).Int("pr", run.PRNumber).Logger()
	logger.Info().Str("sha", run.HeadSHA).Msg("starting review run")

	if err := o.store.UpdateRunStatus(ctx, runID, models.RunRunning, ""); err != nil {
		return err
	}

	token, err := o.gh.GetInstallationToken(ctx, repo.InstallationID)
	if err != nil {
		return o.failRun(ctx, run, github.RepoContext{}, fmt.Errorf("installation token: %w", err))
	}
	rc := github.RepoContext{Owner: repo.Owner, Repo: repo.Name, Token: token}

	// Best-effort status surface; a check-run failure must not sink the run.
	if checkID, err := o.gh.CreateCheckRun(ctx, rc, run.HeadSHA, github.CheckRunOutput{
		Title:   "Review in progress",
		Summary: fmt.Sprintf("revloop run `%s` is reviewing %s.", runID, run.HeadSHA),
	}); err != nil {
		logger.Warn().Err(err).Msg("check-run creation failed, continuing without one")
	} else {
		run.CheckRunID = &checkID
		if err := o.store.SetCheckRunID(ctx, runID, checkID); err != nil {
			logger.Warn().Err(err).Msg("persisting check-run id failed")
		}
	}

	err = o.executePipeline(ctx, run, repo, rc, &logger)
	switch {
	case errors.Is(err, ErrRunCanceled):
		logger.Info().Msg("run canceled")
		_ = o.store.UpdateRunStatus(ctx, runID, models.RunCanceled, "")
		o.updateCheck(ctx, rc, run, "cancelled", "Review canceled", "This run was canceled before completion.")
		return nil
	case err != nil:
		return o.failRun(ctx, run, rc, err)
	}

	_ = o.store.UpdateRunStatus(ctx, runID, models.RunCompleted, "")
	logger.Info().Msg("run completed")
	return nil
}

// executePipeline is the cancellable middle of runPR. Cleanup of the
// registry entry, subprocess, and checkout happens here, unconditionally,
// each step swallowing its own error so none masks another.
func (o *Orchestrator) executePipeline(ctx context.Context, run models.Run, repo models.Repo, rc github.RepoContext, logger *zerolog.Logger) error {
	runID := run.ID

	if err := o.checkCanceled(ctx, runID); err != nil {
		return err
	}

	token := rc.Token
	dir, err := o.workspace.CloneAtSHA(ctx, checkout.Options{
		Owner:      repo.Owner,
		Repo:       repo.Name,
		HeadSHA:    run.HeadSHA,
		BaseBranch: run.BaseBranch,
		Token:      token,
	})
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}

	client := o.newAgent(dir)
	runCtx := &RunContext{Client: client}
	o.registry.Insert(runID, runCtx)

	defer func() {
		o.registry.Remove(runID)
		func() {
			defer func() { _ = recover() }()
			client.Stop()
		}()
		if err := o.workspace.RemoveClone(dir); err != nil {
			logger.Warn().Err(err).Str("dir", dir).Msg("checkout cleanup failed")
		}
	}()

	observedThreads := newThreadSet()
	client.OnNotification(func(n agent.Notification) {
		payload := string(n.Raw)
		if insertErr := o.store.InsertEvent(context.Background(), runID, "agent."+n.Method, payload); insertErr != nil {
			logger.Debug().Err(insertErr).Msg("audit event insert failed")
		}
	})

	if err := client.Start(); err != nil {
		return fmt.Errorf("agent start: %w", err)
	}
	defer o.recordTokens(runID, client, observedThreads)

	if err := client.Initialize(ctx, o.opts.ClientName, o.opts.ClientVersion); err != nil {
		return fmt.Errorf("agent initialize: %w", err)
	}

	rootConv, err := client.StartConversation(ctx, rootInstructions)
	if err != nil {
		return fmt.Errorf("root conversation: %w", err)
	}
	if _, err := o.store.InsertThread(ctx, models.Thread{
		RunID: runID, Role: "root", ConversationID: rootConv, Status: "open",
	}); err != nil {
		logger.Warn().Err(err).Msg("persisting root thread failed")
	}

	// Persona fan-out: three independent forked conversations reviewed
	// concurrently, multiplexed over the one subprocess connection.
	var (
		wg          sync.WaitGroup
		personaErrs = make([]error, len(personas))
		personaOut  = make([][]models.Finding, len(personas))
	)
	for i, persona := range personas {
		wg.Add(1)
		go func(i int, persona string) {
			defer wg.Done()
			findings, err := o.runPersona(ctx, runCtx, runID, rootConv, run.BaseBranch, persona, observedThreads)
			personaErrs[i] = err
			personaOut[i] = findings
		}(i, persona)
	}
	wg.Wait()

	for i, err := range personaErrs {
		if err != nil {
			// An interrupted turn surfaces as a turn failure; if a cancel
			// was requested meanwhile, the run is canceled, not failed.
			if cancelErr := o.checkCanceled(ctx, runID); cancelErr != nil {
				return cancelErr
			}
			// One failed persona fails the run; no partial credit.
			return fmt.Errorf("%s review: %w", personas[i], err)
		}
	}

	var all []models.Finding
	for _, findings := range personaOut {
		all = append(all, findings...)
	}
	ranked := ranking.Rank(all)
	for i := range ranked {
		ranked[i].RunID = runID
	}
	logger.Info().Int("raw", len(all)).Int("ranked", len(ranked)).Msg("personas merged")

	if err := o.store.InsertFindings(ctx, runID, ranked); err != nil {
		return fmt.Errorf("persist findings: %w", err)
	}

	patches := make(map[string]models.Patch)
	top := o.opts.TopPatchCount
	if top > len(ranked) {
		top = len(ranked)
	}
	for _, finding := range ranked[:top] {
		if err := o.checkCanceled(ctx, runID); err != nil {
			return err
		}
		patch, err := o.generatePatch(ctx, runCtx, runID, rootConv, finding, observedThreads)
		if err != nil {
			if cancelErr := o.checkCanceled(ctx, runID); cancelErr != nil {
				return cancelErr
			}
			return fmt.Errorf("patch for %s: %w", finding.ID, err)
		}
		patches[finding.ID] = patch
	}

	body := render.ReviewComment(run, ranked, patches)
	if err := o.gh.CreateIssueComment(ctx, rc, run.PRNumber, body); err != nil {
		return fmt.Errorf("post report: %w", err)
	}

	o.updateCheck(ctx, rc, run, "success", "Review complete",
		fmt.Sprintf("%d finding(s) reported.", len(ranked)))
	return nil
}

// runPersona executes one persona's forked review: review turn, then a
// normalization turn whose message is parsed into findings.
func (o *Orchestrator) runPersona(ctx context.Context, runCtx *RunContext, runID, rootConv, baseBranch, persona string, threads *threadSet) ([]models.Finding, error) {
	client := runCtx.Client

	conv, err := client.ForkConversation(ctx, rootConv, personaInstructions[persona])
	if err != nil {
		return nil, fmt.Errorf("fork: %w", err)
	}
	threadRow, err := o.store.InsertThread(ctx, models.Thread{
		RunID: runID, Role: persona, ConversationID: conv, Status: "open",
	})
	if err != nil {
		log.Warn().Err(err).Str("persona", persona).Msg("persisting persona thread failed")
	}

	turn, err := client.StartReview(ctx, conv, baseBranch, reviewPrompt(baseBranch))
	if err != nil {
		return nil, fmt.Errorf("review start: %w", err)
	}
	threads.add(turn.ThreadID)
	if err := o.awaitTurn(ctx, runCtx, client, threadRow, turn); err != nil {
		return nil, err
	}

	turn, err = client.StartTurn(ctx, conv, normalizePrompt, findingsSchema)
	if err != nil {
		return nil, fmt.Errorf("normalize start: %w", err)
	}
	threads.add(turn.ThreadID)
	if err := o.awaitTurn(ctx, runCtx, client, threadRow, turn); err != nil {
		return nil, err
	}

	message, err := client.ReadConversation(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	return parseFindings(message, persona), nil
}

// generatePatch runs one patch-only conversation for a finding and always
// persists a patch record, even when the agent produced no diff.
func (o *Orchestrator) generatePatch(ctx context.Context, runCtx *RunContext, runID, rootConv string, finding models.Finding, threads *threadSet) (models.Patch, error) {
	client := runCtx.Client

	conv, err := client.ForkConversation(ctx, rootConv, "You produce minimal, surgical fixes. Change nothing beyond what the finding requires.")
	if err != nil {
		return models.Patch{}, fmt.Errorf("fork: %w", err)
	}
	threadRow, err := o.store.InsertThread(ctx, models.Thread{
		RunID: runID, Role: "patch:" + finding.ID, ConversationID: conv, Status: "open",
	})
	if err != nil {
		log.Warn().Err(err).Str("finding", finding.ID).Msg("persisting patch thread failed")
	}

	turn, err := client.StartTurn(ctx, conv, patchPrompt(findingForPrompt{
		Title:     finding.Title,
		FilePath:  finding.FilePath,
		StartLine: finding.StartLine,
		EndLine:   finding.EndLine,
		IssueKey:  finding.IssueKey,
		Evidence:  finding.Evidence,
	}), riskNotesSchema)
	if err != nil {
		return models.Patch{}, fmt.Errorf("patch turn start: %w", err)
	}
	threads.add(turn.ThreadID)
	if err := o.awaitTurn(ctx, runCtx, client, threadRow, turn); err != nil {
		return models.Patch{}, err
	}

	diffText, _ := client.LatestTurnDiff(turn.TurnID)
	suggestions := diff.ExtractSuggestions(diffText, diff.DefaultMaxSuggestions)

	message, err := client.ReadConversation(ctx, conv)
	if err != nil {
		return models.Patch{}, fmt.Errorf("read risk notes: %w", err)
	}

	patch := models.Patch{
		RunID:       runID,
		FindingID:   finding.ID,
		Diff:        diffText,
		Suggestions: suggestions,
		RiskNotes:   parseRiskNotes(message),
		Status:      models.PatchReady,
	}
	if len(suggestions) == 0 {
		patch.Status = models.PatchNoSuggestion
	}
	if err := o.store.InsertPatch(ctx, patch); err != nil {
		return models.Patch{}, fmt.Errorf("persist patch: %w", err)
	}
	return patch, nil
}

// awaitTurn blocks on one turn's completion, tracking it as the run's
// in-flight turn so a cancellation can interrupt it.
func (o *Orchestrator) awaitTurn(ctx context.Context, runCtx *RunContext, client AgentClient, threadRow int64, turn agent.TurnResult) error {
	runCtx.SetInflight(turn.ThreadID, turn.TurnID)
	defer runCtx.ClearInflight()

	_, err := client.WaitForTurnCompletion(ctx, turn.ThreadID, turn.TurnID, o.opts.TurnTimeout)
	if threadRow != 0 {
		status := "completed"
		if err != nil {
			status = "failed"
		}
		_ = o.store.UpdateThreadTurn(context.Background(), threadRow, turn.TurnID, status)
	}
	return err
}

// checkCanceled is the synchronous cancellation point-check run before
// every blocking stage.
func (o *Orchestrator) checkCanceled(ctx context.Context, runID string) error {
	requested, err := o.store.IsCancellationRequested(ctx, runID)
	if err != nil {
		// A missing run mid-pipeline counts as canceled rather than failed.
		if errors.Is(err, store.ErrNotFound) {
			return ErrRunCanceled
		}
		return err
	}
	if requested {
		return ErrRunCanceled
	}
	return nil
}

// cancelRun marks a run cancel-requested and best-effort interrupts its
// in-flight turn. Interrupt failures are swallowed: the pipeline's own
// checkpoints will observe the persisted state.
func (o *Orchestrator) cancelRun(ctx context.Context, runID, reason string) error {
	if err := o.store.RequestCancel(ctx, runID, reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	live := o.registry.Lookup(runID)
	if live == nil {
		// No in-memory context (e.g. restarted process): no checkpoint will
		// ever observe the request, so go terminal now.
		if err := o.store.UpdateRunStatus(ctx, runID, models.RunCanceled, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	}

	if ref := live.Inflight(); ref != nil {
		if err := live.Client.Interrupt(ctx, ref.ThreadID, ref.TurnID); err != nil {
			log.Warn().Err(err).Str("run", runID).Str("turn", ref.TurnID).Msg("interrupt failed, relying on checkpoint")
		}
	}
	return nil
}

// explainFinding posts a fixed-format explanation for one finding, or a
// not-found comment when the finding is missing. A missing run can only
// be logged, not answered: the run row is where the PR number to post
// the reply on lives.
func (o *Orchestrator) explainFinding(ctx context.Context, runID, findingID string) error {
	rr, err := o.store.GetRunWithRepo(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info().Str("run", runID).Msg("explain requested for missing run")
		return nil
	}
	if err != nil {
		return err
	}

	rc, err := o.repoContext(ctx, rr.Repo)
	if err != nil {
		return err
	}

	finding, err := o.store.GetFinding(ctx, runID, findingID)
	if errors.Is(err, store.ErrNotFound) {
		return o.gh.CreateIssueComment(ctx, rc, rr.Run.PRNumber, render.NotFoundComment("finding", findingID))
	}
	if err != nil {
		return err
	}
	return o.gh.CreateIssueComment(ctx, rc, rr.Run.PRNumber, render.ExplainComment(finding))
}

// patchFinding republishes the most recent persisted patch for a finding.
// It never regenerates.
func (o *Orchestrator) patchFinding(ctx context.Context, runID, findingID string) error {
	rr, err := o.store.GetRunWithRepo(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info().Str("run", runID).Msg("patch requested for missing run")
		return nil
	}
	if err != nil {
		return err
	}

	rc, err := o.repoContext(ctx, rr.Repo)
	if err != nil {
		return err
	}

	patches, err := o.store.ListPatchesForFinding(ctx, findingID)
	if err != nil {
		return err
	}
	if len(patches) == 0 {
		return o.gh.CreateIssueComment(ctx, rc, rr.Run.PRNumber, render.NoPatchComment(findingID))
	}
	return o.gh.CreateIssueComment(ctx, rc, rr.Run.PRNumber, render.PatchComment(findingID, patches[0]))
}

// failRun records a failure everywhere the human will look: run row,
// check-run conclusion, and a PR comment naming the run.
func (o *Orchestrator) failRun(ctx context.Context, run models.Run, rc github.RepoContext, runErr error) error {
	log.Error().Err(runErr).Str("run", run.ID).Msg("run failed")

	_ = o.store.UpdateRunStatus(ctx, run.ID, models.RunFailed, runErr.Error())
	_ = o.store.InsertEvent(ctx, run.ID, "run_failed", runErr.Error())

	if rc.Token != "" {
		o.updateCheck(ctx, rc, run, "failure", "Review failed", runErr.Error())
		if err := o.gh.CreateIssueComment(ctx, rc, run.PRNumber, render.FailureComment(run.ID, runErr)); err != nil {
			log.Warn().Err(err).Str("run", run.ID).Msg("posting failure comment failed")
		}
	}
	return nil
}

func (o *Orchestrator) updateCheck(ctx context.Context, rc github.RepoContext, run models.Run, conclusion, title, summary string) {
	if run.CheckRunID == nil {
		return
	}
	err := o.gh.UpdateCheckRun(ctx, rc, *run.CheckRunID, conclusion, github.CheckRunOutput{Title: title, Summary: summary})
	if err != nil {
		log.Warn().Err(err).Str("run", run.ID).Msg("check-run update failed")
	}
}

func (o *Orchestrator) repoContext(ctx context.Context, repo models.Repo) (github.RepoContext, error) {
	token, err := o.gh.GetInstallationToken(ctx, repo.InstallationID)
	if err != nil {
		return github.RepoContext{}, fmt.Errorf("installation token: %w", err)
	}
	return github.RepoContext{Owner: repo.Owner, Repo: repo.Name, Token: token}, nil
}

// recordTokens sums the client's cached per-thread totals into the run row.
func (o *Orchestrator) recordTokens(runID string, client AgentClient, threads *threadSet) {
	var total models.TokenUsage
	for _, threadID := range threads.list() {
		if usage, ok := client.LatestTokenUsage(threadID); ok {
			total.InputTokens += usage.InputTokens
			total.OutputTokens += usage.OutputTokens
		}
	}
	if total.InputTokens == 0 && total.OutputTokens == 0 {
		return
	}
	if err := o.store.RecordTokenUsage(context.Background(), runID, total); err != nil {
		log.Warn().Err(err).Str("run", runID).Msg("recording token usage failed")
	}
}

// threadSet collects protocol thread ids seen during a run.
type threadSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newThreadSet() *threadSet {
	return &threadSet{ids: make(map[string]struct{})}
}

func (t *threadSet) add(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids[id] = struct{}{}
}

func (t *threadSet) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.ids))
	for id := range t.ids {
		out = append(out, id)
	}
	return out
}
