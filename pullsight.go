package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pullsight/cmd"
	"github.com/pullsight/internal/logging"
)

const (
	version = "0.1.0"
)

func main() {
	var closeLog func() error

	app := &cli.App{
		Name:    "pullsight",
		Usage:   "Webhook pipeline that sends GitHub and Bitbucket pull requests to an AI reviewer",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (trace, debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"PULLSIGHT_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:  "log-pretty",
				Usage: "Human readable log output",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Also write JSON logs to `FILE`",
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			closeLog, err = logging.Setup(logging.Options{
				Level:  c.String("log-level"),
				Pretty: c.Bool("log-pretty"),
				File:   c.String("log-file"),
			}, os.Stderr)
			return err
		},
		After: func(c *cli.Context) error {
			if closeLog != nil {
				return closeLog()
			}
			return nil
		},
		Commands: []*cli.Command{
			cmd.APICommand(),
			cmd.ConfigCommand(),
			cmd.MigrateCommand(),
			cmd.SweepCommand(),
			cmd.ReplayCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
