// Package store persists runs, threads, findings, patches, and audit
// events in Postgres via pgx.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/revloop/pkg/models"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps a pgx pool with the queries the orchestrator and API need.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store on an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Repos

// UpsertRepo inserts or refreshes a repository row and returns it.
func (s *Store) UpsertRepo(ctx context.Context, owner, name string, installationID int64) (models.Repo, error) {
	var repo models.Repo
	err := s.pool.QueryRow(ctx, `
		INSERT INTO repos (owner, name, installation_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner, name) DO UPDATE SET installation_id = EXCLUDED.installation_id
		RETURNING id, owner, name, installation_id, created_at`,
		owner, name, installationID,
	).Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.InstallationID, &repo.CreatedAt)
	if err != nil {
		return models.Repo{}, fmt.Errorf("upsert repo %s/%s: %w", owner, name, err)
	}
	return repo, nil
}

// Runs

// CreateRun inserts a new queued run.
func (s *Store) CreateRun(ctx context.Context, run models.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, repo_id, pr_number, head_sha, base_branch, status, trigger)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.RepoID, run.PRNumber, run.HeadSHA, run.BaseBranch, run.Status, run.Trigger)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// GetRunWithRepo loads a run and its repository. Returns ErrNotFound for a
// missing run.
func (s *Store) GetRunWithRepo(ctx context.Context, id string) (models.RunWithRepo, error) {
	var rr models.RunWithRepo
	err := s.pool.QueryRow(ctx, `
		SELECT r.id, r.repo_id, r.pr_number, r.head_sha, r.base_branch, r.status, r.trigger,
		       r.check_run_id, r.error_text, r.input_tokens, r.output_tokens,
		       r.created_at, r.started_at, r.finished_at,
		       p.id, p.owner, p.name, p.installation_id, p.created_at
		FROM runs r JOIN repos p ON p.id = r.repo_id
		WHERE r.id = $1`, id,
	).Scan(
		&rr.Run.ID, &rr.Run.RepoID, &rr.Run.PRNumber, &rr.Run.HeadSHA, &rr.Run.BaseBranch,
		&rr.Run.Status, &rr.Run.Trigger, &rr.Run.CheckRunID, &rr.Run.ErrorText,
		&rr.Run.InputTokens, &rr.Run.OutputTokens,
		&rr.Run.CreatedAt, &rr.Run.StartedAt, &rr.Run.FinishedAt,
		&rr.Repo.ID, &rr.Repo.Owner, &rr.Repo.Name, &rr.Repo.InstallationID, &rr.Repo.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RunWithRepo{}, ErrNotFound
	}
	if err != nil {
		return models.RunWithRepo{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return rr, nil
}

// UpdateRunStatus transitions a run, recording errorText when non-empty and
// stamping started/finished times on the relevant transitions. Terminal
// states never transition away, and moving to running never clobbers a
// pending cancel request; both cases no-op so the caller's cancellation
// checkpoints decide the outcome.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, errorText string) error {
	now := time.Now().UTC()
	var started, finished *time.Time
	if status == models.RunRunning {
		started = &now
	}
	if status.Terminal() {
		finished = &now
	}
	var errText *string
	if errorText != "" {
		errText = &errorText
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2,
		    error_text = COALESCE($3, error_text),
		    started_at = COALESCE($4, started_at),
		    finished_at = COALESCE($5, finished_at)
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'canceled')
		  AND NOT (status = 'cancel_requested' AND $2 = 'running')`,
		id, status, errText, started, finished)
	if err != nil {
		return fmt.Errorf("update run %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var current models.RunStatus
		qerr := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&current)
		if errors.Is(qerr, pgx.ErrNoRows) {
			return fmt.Errorf("update run %s status to %s: %w", id, status, ErrNotFound)
		}
		if qerr != nil {
			return fmt.Errorf("update run %s status: %w", id, qerr)
		}
		return nil
	}
	return nil
}

// SetCheckRunID records the external check-run created for the run.
func (s *Store) SetCheckRunID(ctx context.Context, id string, checkRunID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET check_run_id = $2 WHERE id = $1`, id, checkRunID)
	if err != nil {
		return fmt.Errorf("set check run id for %s: %w", id, err)
	}
	return nil
}

// RequestCancel marks a non-terminal run cancel_requested and records the
// reason as an audit event. No-op on terminal runs.
func (s *Store) RequestCancel(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = 'cancel_requested'
		WHERE id = $1 AND status IN ('queued', 'running')`, id)
	if err != nil {
		return fmt.Errorf("request cancel of %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		_ = s.InsertEvent(ctx, id, "cancel_requested", reason)
	}
	return nil
}

// IsCancellationRequested reports whether the run has been asked to stop.
func (s *Store) IsCancellationRequested(ctx context.Context, id string) (bool, error) {
	var status models.RunStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check cancellation of %s: %w", id, err)
	}
	return status == models.RunCancelRequested || status == models.RunCanceled, nil
}

// LatestRunForPR returns the most recently created run for one PR.
// ChatOps commands resolve against it. Returns ErrNotFound when the PR
// has never been reviewed.
func (s *Store) LatestRunForPR(ctx context.Context, repoID int64, prNumber int) (models.Run, error) {
	var run models.Run
	err := s.pool.QueryRow(ctx, `
		SELECT id, repo_id, pr_number, head_sha, base_branch, status, trigger,
		       check_run_id, error_text, input_tokens, output_tokens,
		       created_at, started_at, finished_at
		FROM runs
		WHERE repo_id = $1 AND pr_number = $2
		ORDER BY created_at DESC
		LIMIT 1`, repoID, prNumber,
	).Scan(
		&run.ID, &run.RepoID, &run.PRNumber, &run.HeadSHA, &run.BaseBranch,
		&run.Status, &run.Trigger, &run.CheckRunID, &run.ErrorText,
		&run.InputTokens, &run.OutputTokens,
		&run.CreatedAt, &run.StartedAt, &run.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Run{}, ErrNotFound
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("latest run for pr %d: %w", prNumber, err)
	}
	return run, nil
}

// ActiveRunIDsForPR lists non-terminal runs for one PR, used to cancel
// superseded runs when a new head SHA arrives.
func (s *Store) ActiveRunIDsForPR(ctx context.Context, repoID int64, prNumber int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM runs
		WHERE repo_id = $1 AND pr_number = $2
		  AND status IN ('queued', 'running', 'cancel_requested')`, repoID, prNumber)
	if err != nil {
		return nil, fmt.Errorf("list active runs for pr %d: %w", prNumber, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordTokenUsage adds token totals onto the run's counters.
func (s *Store) RecordTokenUsage(ctx context.Context, id string, usage models.TokenUsage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs SET input_tokens = input_tokens + $2, output_tokens = output_tokens + $3
		WHERE id = $1`, id, usage.InputTokens, usage.OutputTokens)
	if err != nil {
		return fmt.Errorf("record token usage for %s: %w", id, err)
	}
	return nil
}

// Threads

// InsertThread records a conversation opened or forked for a run.
func (s *Store) InsertThread(ctx context.Context, thread models.Thread) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO threads (run_id, role, conversation_id, last_turn_id, status)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		thread.RunID, thread.Role, thread.ConversationID, thread.LastTurnID, thread.Status,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert thread for %s: %w", thread.RunID, err)
	}
	return id, nil
}

// UpdateThreadTurn stores the latest turn observed on a thread.
func (s *Store) UpdateThreadTurn(ctx context.Context, threadID int64, turnID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE threads SET last_turn_id = $2, status = $3 WHERE id = $1`,
		threadID, turnID, status)
	if err != nil {
		return fmt.Errorf("update thread %d turn: %w", threadID, err)
	}
	return nil
}

// Findings

// InsertFindings persists the ranked findings of a run in one batch.
func (s *Store) InsertFindings(ctx context.Context, runID string, findings []models.Finding) error {
	batch := &pgx.Batch{}
	for _, f := range findings {
		batch.Queue(`
			INSERT INTO findings (id, run_id, role, severity, confidence, file_path,
			                      start_line, end_line, title, issue_key, evidence,
			                      supporting_roles, score)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (run_id, id) DO NOTHING`,
			f.ID, runID, f.Role, f.Severity, f.Confidence, f.FilePath,
			f.StartLine, f.EndLine, f.Title, f.IssueKey, f.Evidence,
			f.SupportingRoles, f.Score)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range findings {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert findings for %s: %w", runID, err)
		}
	}
	return nil
}

// GetFinding loads one finding of a run. Returns ErrNotFound when missing.
func (s *Store) GetFinding(ctx context.Context, runID, findingID string) (models.Finding, error) {
	var f models.Finding
	err := s.pool.QueryRow(ctx, `
		SELECT id, run_id, role, severity, confidence, file_path, start_line, end_line,
		       title, issue_key, evidence, supporting_roles, score
		FROM findings WHERE run_id = $1 AND id = $2`, runID, findingID,
	).Scan(&f.ID, &f.RunID, &f.Role, &f.Severity, &f.Confidence, &f.FilePath,
		&f.StartLine, &f.EndLine, &f.Title, &f.IssueKey, &f.Evidence,
		&f.SupportingRoles, &f.Score)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Finding{}, ErrNotFound
	}
	if err != nil {
		return models.Finding{}, fmt.Errorf("get finding %s/%s: %w", runID, findingID, err)
	}
	return f, nil
}

// Patches

// InsertPatch persists one generated patch, suggestions as JSONB.
func (s *Store) InsertPatch(ctx context.Context, patch models.Patch) error {
	suggestions, err := json.Marshal(patch.Suggestions)
	if err != nil {
		return fmt.Errorf("marshal suggestions: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO patches (run_id, finding_id, diff, suggestions, risk_notes, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		patch.RunID, patch.FindingID, patch.Diff, suggestions, patch.RiskNotes, patch.Status)
	if err != nil {
		return fmt.Errorf("insert patch for finding %s: %w", patch.FindingID, err)
	}
	return nil
}

// ListPatchesForFinding returns patches for a finding, newest first.
func (s *Store) ListPatchesForFinding(ctx context.Context, findingID string) ([]models.Patch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, finding_id, diff, suggestions, risk_notes, status, created_at
		FROM patches WHERE finding_id = $1 ORDER BY created_at DESC`, findingID)
	if err != nil {
		return nil, fmt.Errorf("list patches for %s: %w", findingID, err)
	}
	defer rows.Close()

	var patches []models.Patch
	for rows.Next() {
		var p models.Patch
		var suggestions []byte
		if err := rows.Scan(&p.ID, &p.RunID, &p.FindingID, &p.Diff, &suggestions,
			&p.RiskNotes, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(suggestions, &p.Suggestions); err != nil {
			return nil, fmt.Errorf("decode suggestions for patch %d: %w", p.ID, err)
		}
		patches = append(patches, p)
	}
	return patches, rows.Err()
}

// Events

// InsertEvent appends one audit event. Events are diagnostics only and are
// never read back by orchestration logic.
func (s *Store) InsertEvent(ctx context.Context, runID, kind, payload string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (run_id, kind, payload) VALUES ($1, $2, $3)`,
		runID, kind, payload)
	if err != nil {
		return fmt.Errorf("insert event %s for %s: %w", kind, runID, err)
	}
	return nil
}
