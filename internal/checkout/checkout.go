// Package checkout materializes a repository working copy for the agent
// subprocess to review.
package checkout

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Options describe the checkout to produce.
type Options struct {
	Owner      string
	Repo       string
	HeadSHA    string
	BaseBranch string
	Token      string
	TargetDir  string // created if empty; a temp dir is used when blank
}

// CloneAtSHA clones the repository, checks out HeadSHA, and fetches the
// base branch so the agent can diff against it. Returns the checkout dir.
func CloneAtSHA(ctx context.Context, opts Options) (string, error) {
	dir := opts.TargetDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", fmt.Sprintf("revloop-%s-%s-", opts.Repo, shortSHA(opts.HeadSHA)))
		if err != nil {
			return "", fmt.Errorf("create checkout dir: %w", err)
		}
	}

	cloneURL := fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", opts.Token, opts.Owner, opts.Repo)

	steps := [][]string{
		{"clone", "--no-checkout", "--filter=blob:none", cloneURL, dir},
		{"-C", dir, "fetch", "origin", opts.HeadSHA},
		{"-C", dir, "checkout", "--detach", opts.HeadSHA},
		{"-C", dir, "fetch", "origin", opts.BaseBranch + ":" + opts.BaseBranch},
	}
	for _, args := range steps {
		if err := runGit(ctx, args); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
	}

	log.Debug().Str("dir", dir).Str("sha", opts.HeadSHA).Msg("checkout ready")
	return dir, nil
}

// RemoveClone deletes a checkout directory. Safe on already-removed dirs.
func RemoveClone(dir string) error {
	if dir == "" || dir == string(filepath.Separator) {
		return nil
	}
	return os.RemoveAll(dir)
}

func runGit(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, sanitize(string(out)))
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// sanitize trims git output for error messages; tokens appear in remote
// URLs, so drop anything that looks like one.
func sanitize(out string) string {
	if len(out) > 400 {
		out = out[:400]
	}
	if idx := indexToken(out); idx >= 0 {
		return out[:idx] + "…"
	}
	return out
}

func indexToken(s string) int {
	for _, marker := range []string{"x-access-token:", "ghs_", "ghp_"} {
		if idx := strings.Index(s, marker); idx >= 0 {
			return idx
		}
	}
	return -1
}
