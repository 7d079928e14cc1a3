package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/revloop/internal/chatops"
	"github.com/revloop/internal/store"
	"github.com/revloop/pkg/models"
)

const maxWebhookBody = 5 << 20 // GitHub caps payloads at ~25MB; PRs stay well under this

// githubEvent is the shared shape across the webhook payloads we consume.
type githubEvent struct {
	Action       string `json:"action"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	PullRequest struct {
		Number int `json:"number"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Issue struct {
		Number      int              `json:"number"`
		PullRequest *json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
}

// handleGitHubWebhook verifies the HMAC signature and dispatches the event.
// Events we do not act on are acknowledged with 200 so GitHub does not
// retry them.
func (s *Server) handleGitHubWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	if !verifySignature(s.webhookSecret, body, c.Request().Header.Get("X-Hub-Signature-256")) {
		return echo.NewHTTPError(http.StatusUnauthorized, "signature mismatch")
	}

	var event githubEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}

	ctx := c.Request().Context()
	switch c.Request().Header.Get("X-GitHub-Event") {
	case "pull_request":
		return s.handlePullRequest(c, ctx, event)
	case "issue_comment":
		return s.handleIssueComment(c, ctx, event)
	default:
		return c.NoContent(http.StatusOK)
	}
}

// handlePullRequest queues a review for code-changing PR actions. Any
// still-active run for the same PR is superseded first so at most one run
// per PR makes progress.
func (s *Server) handlePullRequest(c echo.Context, ctx context.Context, event githubEvent) error {
	switch event.Action {
	case "opened", "synchronize", "reopened":
	default:
		return c.NoContent(http.StatusOK)
	}
	if event.PullRequest.Head.SHA == "" || event.Repository.Owner.Login == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "incomplete pull_request payload")
	}

	repo, err := s.store.UpsertRepo(ctx, event.Repository.Owner.Login, event.Repository.Name, event.Installation.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	runID, err := s.startRun(ctx, repo, event.PullRequest.Number,
		event.PullRequest.Head.SHA, event.PullRequest.Base.Ref, "webhook")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID})
}

// handleIssueComment turns /codex commands on PRs into jobs. Comments on
// plain issues and non-command comments are acknowledged and dropped.
func (s *Server) handleIssueComment(c echo.Context, ctx context.Context, event githubEvent) error {
	if event.Action != "created" || event.Issue.PullRequest == nil {
		return c.NoContent(http.StatusOK)
	}
	cmd := chatops.Parse(event.Comment.Body)
	if cmd == nil {
		return c.NoContent(http.StatusOK)
	}

	repo, err := s.store.UpsertRepo(ctx, event.Repository.Owner.Login, event.Repository.Name, event.Installation.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	prNumber := event.Issue.Number

	switch cmd.Kind {
	case chatops.CommandRerun:
		latest, err := s.store.LatestRunForPR(ctx, repo.ID, prNumber)
		if errors.Is(err, store.ErrNotFound) {
			log.Info().Str("repo", repo.FullName()).Int("pr", prNumber).
				Msg("rerun requested for never-reviewed PR, ignoring")
			return c.NoContent(http.StatusOK)
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		runID, err := s.startRun(ctx, repo, prNumber, latest.HeadSHA, latest.BaseBranch, "chatops")
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID})

	case chatops.CommandStop:
		ids, err := s.store.ActiveRunIDsForPR(ctx, repo.ID, prNumber)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		for _, id := range ids {
			if err := s.queue.EnqueueCancel(ctx, id, "user stop"); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
		}
		return c.NoContent(http.StatusAccepted)

	case chatops.CommandExplain, chatops.CommandPatch:
		latest, err := s.store.LatestRunForPR(ctx, repo.ID, prNumber)
		if errors.Is(err, store.ErrNotFound) {
			return c.NoContent(http.StatusOK)
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if cmd.Kind == chatops.CommandExplain {
			err = s.queue.EnqueueExplain(ctx, latest.ID, cmd.FindingID)
		} else {
			err = s.queue.EnqueuePatch(ctx, latest.ID, cmd.FindingID)
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.NoContent(http.StatusAccepted)
	}
	return c.NoContent(http.StatusOK)
}

// startRun supersedes any active run for the PR, persists a fresh queued
// run, and enqueues it.
func (s *Server) startRun(ctx context.Context, repo models.Repo, prNumber int, headSHA, baseBranch, trigger string) (string, error) {
	active, err := s.store.ActiveRunIDsForPR(ctx, repo.ID, prNumber)
	if err != nil {
		return "", err
	}
	for _, id := range active {
		if err := s.queue.EnqueueCancel(ctx, id, "superseded"); err != nil {
			return "", err
		}
	}

	if baseBranch == "" {
		baseBranch = "main"
	}
	run := models.Run{
		ID:         uuid.NewString(),
		RepoID:     repo.ID,
		PRNumber:   prNumber,
		HeadSHA:    headSHA,
		BaseBranch: baseBranch,
		Status:     models.RunQueued,
		Trigger:    trigger,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", err
	}
	if err := s.queue.EnqueueRun(ctx, run.ID); err != nil {
		return "", err
	}

	log.Info().Str("run", run.ID).Str("repo", repo.FullName()).Int("pr", prNumber).
		Str("sha", headSHA).Str("trigger", trigger).Int("superseded", len(active)).
		Msg("review run queued")
	return run.ID, nil
}

// verifySignature checks GitHub's X-Hub-Signature-256 header in constant
// time. An empty configured secret rejects everything.
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" || len(header) < len("sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}
