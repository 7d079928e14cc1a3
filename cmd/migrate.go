package cmd

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/revloop/internal/config"
	"github.com/revloop/internal/database"
	"github.com/revloop/internal/logging"
)

// MigrateCommand returns the migrate command. River's own tables are
// managed separately with its migration tool.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database schema migrations",
		Action: func(c *cli.Context) error {
			return runMigrate(c.String("config"))
		},
	}
}

func runMigrate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	return database.Migrate(ctx, pool)
}
