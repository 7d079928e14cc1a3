package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/revloop/cmd"
)

func main() {
	app := &cli.App{
		Name:    "revloop",
		Usage:   "AI-assisted pull request review orchestrator for GitHub",
		Version: cmd.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
		},
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.MigrateCommand(),
			cmd.ReviewCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
