// Command autoflow runs the workflow engine and its HTTP API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dukex/autoflow/pkg/log"
	"github.com/urfave/cli/v3"
)

func main() {
	err := NewCommand().Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func NewCommand() *cli.Command {
	return &cli.Command{
		Name:                  "autoflow",
		Usage:                 "Run trigger-driven workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing connector plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
		},
		Commands: []*cli.Command{
			RunCommand(),
			ValidateCommand(),
		},
	}
}

func setupLogging(command *cli.Command) {
	log.SetupWithFormat(command.String("log-level"), command.String("log-format"))
}
