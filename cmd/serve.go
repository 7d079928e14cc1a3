package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/revloop/internal/agent"
	"github.com/revloop/internal/api"
	"github.com/revloop/internal/config"
	"github.com/revloop/internal/database"
	"github.com/revloop/internal/github"
	"github.com/revloop/internal/jobqueue"
	"github.com/revloop/internal/logging"
	"github.com/revloop/internal/orchestrator"
	"github.com/revloop/internal/store"
)

// ServeCommand returns the serve command: webhook server plus job workers
// in one process.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the webhook server and review workers",
		Action: func(c *cli.Context) error {
			return runServe(c.String("config"))
		},
	}
}

func runServe(configPath string) error {
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

	st := store.New(pool)

	keyPEM, err := os.ReadFile(cfg.GitHub.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("read github private key: %w", err)
	}
	gh, err := github.New(cfg.GitHub.AppID, keyPEM)
	if err != nil {
		return err
	}

	registry := orchestrator.NewRegistry()
	factory := func(workingDir string) orchestrator.AgentClient {
		return agent.New(cfg.Agent.BinPath, workingDir)
	}
	orch := orchestrator.New(st, gh, orchestrator.GitWorkspace{}, factory, registry, orchestrator.Options{
		ClientName:    "revloop",
		ClientVersion: Version,
		TurnTimeout:   cfg.Agent.TurnTimeout,
		TopPatchCount: cfg.Agent.TopPatchCount,
	})

	queue, err := jobqueue.New(pool, orch, cfg.Queue.MaxWorkers)
	if err != nil {
		return err
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	defer func() {
		if err := queue.Stop(context.Background()); err != nil {
			log.Warn().Err(err).Msg("queue shutdown incomplete")
		}
	}()

	log.Info().Str("addr", cfg.Server.Addr).Int("workers", cfg.Queue.MaxWorkers).Msg("revloop serving")
	return api.NewServer(cfg.Server.Addr, st, queue, cfg.Server.WebhookSecret).Start()
}
