package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/revloop/internal/agent"
	"github.com/revloop/internal/config"
	"github.com/revloop/internal/database"
	"github.com/revloop/internal/github"
	"github.com/revloop/internal/logging"
	"github.com/revloop/internal/orchestrator"
	"github.com/revloop/internal/store"
)

// ReviewCommand returns the review command: execute one queued run inline,
// without the job queue. Useful for debugging a run the workers mangled.
func ReviewCommand() *cli.Command {
	return &cli.Command{
		Name:      "review",
		Usage:     "Execute a queued review run in the foreground",
		ArgsUsage: "RUN_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("missing required argument: run id")
			}
			return runReview(c.String("config"), c.Args().Get(0))
		},
	}
}

func runReview(configPath, runID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	keyPEM, err := os.ReadFile(cfg.GitHub.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("read github private key: %w", err)
	}
	gh, err := github.New(cfg.GitHub.AppID, keyPEM)
	if err != nil {
		return err
	}

	factory := func(workingDir string) orchestrator.AgentClient {
		return agent.New(cfg.Agent.BinPath, workingDir)
	}
	orch := orchestrator.New(store.New(pool), gh, orchestrator.GitWorkspace{}, factory,
		orchestrator.NewRegistry(), orchestrator.Options{
			ClientName:    "revloop",
			ClientVersion: Version,
			TurnTimeout:   cfg.Agent.TurnTimeout,
			TopPatchCount: cfg.Agent.TopPatchCount,
		})

	return orch.HandleJob(ctx, orchestrator.Job{Kind: orchestrator.JobRunPR, RunID: runID})
}
