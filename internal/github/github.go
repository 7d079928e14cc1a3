// Package github is the thin REST surface the orchestrator needs: check
// runs, issue comments, and GitHub App installation tokens.
package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/revloop/internal/retry"
)

// MaxBodyBytes is the byte budget applied to comment and check-run output
// bodies before transmission; GitHub rejects larger payloads.
const MaxBodyBytes = 65000

const apiBase = "https://api.github.com"

// RepoContext identifies the repository a call targets, with the token to
// authenticate it.
type RepoContext struct {
	Owner string
	Repo  string
	Token string
}

// CheckRunOutput is the title/summary pair rendered on the PR checks tab.
type CheckRunOutput struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Service talks to the GitHub REST API. One instance is shared process-wide;
// the limiter paces all calls together.
type Service struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string

	appID      int64
	signingKey *rsa.PrivateKey

	mu     sync.Mutex
	tokens map[int64]cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// New creates a Service. privateKeyPEM is the GitHub App's RSA key; leave
// it empty when only pre-issued tokens are used (tests, PAT mode).
func New(appID int64, privateKeyPEM []byte) (*Service, error) {
	s := &Service{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		baseURL:    apiBase,
		appID:      appID,
		tokens:     make(map[int64]cachedToken),
	}
	if len(privateKeyPEM) > 0 {
		key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse app private key: %w", err)
		}
		s.signingKey = key
	}
	return s, nil
}

// GetInstallationToken mints (or returns a cached) installation access
// token for installationID.
func (s *Service) GetInstallationToken(ctx context.Context, installationID int64) (string, error) {
	s.mu.Lock()
	if cached, ok := s.tokens[installationID]; ok && time.Until(cached.expiresAt) > 5*time.Minute {
		s.mu.Unlock()
		return cached.token, nil
	}
	s.mu.Unlock()

	if s.signingKey == nil {
		return "", fmt.Errorf("github: no app private key configured")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", s.appID),
	}
	appJWT, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}

	var res struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	path := fmt.Sprintf("/app/installations/%d/access_tokens", installationID)
	if err := s.do(ctx, http.MethodPost, path, "Bearer "+appJWT, nil, &res); err != nil {
		return "", fmt.Errorf("mint installation token: %w", err)
	}

	s.mu.Lock()
	s.tokens[installationID] = cachedToken{token: res.Token, expiresAt: res.ExpiresAt}
	s.mu.Unlock()
	return res.Token, nil
}

// CreateCheckRun opens an in-progress check run on headSHA and returns its
// id.
func (s *Service) CreateCheckRun(ctx context.Context, rc RepoContext, headSHA string, output CheckRunOutput) (int64, error) {
	payload := map[string]interface{}{
		"name":     "revloop review",
		"head_sha": headSHA,
		"status":   "in_progress",
		"output":   truncateOutput(output),
	}
	var res struct {
		ID int64 `json:"id"`
	}
	path := fmt.Sprintf("/repos/%s/%s/check-runs", rc.Owner, rc.Repo)
	if err := s.do(ctx, http.MethodPost, path, "token "+rc.Token, payload, &res); err != nil {
		return 0, fmt.Errorf("create check run: %w", err)
	}
	return res.ID, nil
}

// UpdateCheckRun completes a check run with conclusion success | failure |
// cancelled.
func (s *Service) UpdateCheckRun(ctx context.Context, rc RepoContext, checkRunID int64, conclusion string, output CheckRunOutput) error {
	payload := map[string]interface{}{
		"status":     "completed",
		"conclusion": conclusion,
		"output":     truncateOutput(output),
	}
	path := fmt.Sprintf("/repos/%s/%s/check-runs/%d", rc.Owner, rc.Repo, checkRunID)
	if err := s.do(ctx, http.MethodPatch, path, "token "+rc.Token, payload, nil); err != nil {
		return fmt.Errorf("update check run %d: %w", checkRunID, err)
	}
	return nil
}

// CreateIssueComment posts body on the PR conversation, truncated to the
// byte budget.
func (s *Service) CreateIssueComment(ctx context.Context, rc RepoContext, issueNumber int, body string) error {
	payload := map[string]string{"body": Truncate(body, MaxBodyBytes)}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", rc.Owner, rc.Repo, issueNumber)
	if err := s.do(ctx, http.MethodPost, path, "token "+rc.Token, payload, nil); err != nil {
		return fmt.Errorf("create comment on #%d: %w", issueNumber, err)
	}
	return nil
}

// apiError carries the HTTP status so the retry policy can classify it.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("github API error (status %d): %s", e.StatusCode, e.Body)
}

// retryable treats network errors, 429, and 5xx as transient. 4xx means
// the request itself is wrong and will not improve with repetition.
func retryable(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (s *Service) do(ctx context.Context, method, path, auth string, payload, out interface{}) error {
	return retry.Do(ctx, retry.DefaultConfig(), retryable, func() error {
		return s.doOnce(ctx, method, path, auth, payload, out)
	})
}

func (s *Service) doOnce(ctx context.Context, method, path, auth string, payload, out interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Warn().Str("path", path).Int("status", resp.StatusCode).Msg("github API error")
		return &apiError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncateOutput(output CheckRunOutput) CheckRunOutput {
	output.Summary = Truncate(output.Summary, MaxBodyBytes)
	return output
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 rune,
// appending a marker when anything was dropped. A budget too small for
// the marker returns a bare prefix; the result never exceeds max.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	const marker = "\n\n… (truncated)"
	if max <= len(marker) {
		cut := max
		for cut > 0 && (s[cut]&0xC0) == 0x80 {
			cut--
		}
		return s[:cut]
	}
	cut := max - len(marker)
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + marker
}
