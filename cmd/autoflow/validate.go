package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dukex/autoflow/pkg/cmd"
	"github.com/dukex/autoflow/pkg/definition"
	"github.com/dukex/autoflow/pkg/graph"
	"github.com/dukex/autoflow/pkg/log"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/urfave/cli/v3"
)

var errInvalidWorkflows = errors.New("invalid workflows")

func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check workflow files without running them",
		ArgsUsage: "<file or directory>...",
		Action: func(ctx context.Context, command *cli.Command) error {
			setupLogging(command)

			logger := log.WithModule("validate")

			paths := command.Args().Slice()
			if len(paths) == 0 {
				return fmt.Errorf("at least one workflow file or directory is required")
			}

			connectors, err := cmd.NewConnectors(ctx, logger, cmd.ConnectorsConfig{
				PluginsPath: command.String("plugins-path"),
				Offline:     true,
			})
			if err != nil {
				return err
			}

			defer func() { _ = connectors.Close() }()

			out := command.Root().Writer
			failed := 0

			for _, path := range paths {
				workflows, err := loadPath(path)
				if err != nil {
					failed++

					fmt.Fprintf(out, "FAIL %s\n  %v\n", path, err)
				}

				for _, wf := range workflows {
					err := graph.Validate(wf, connectors.Registry)
					if err != nil {
						failed++

						fmt.Fprintf(out, "FAIL %s (%s)\n  %v\n", wf.ID, path, err)

						continue
					}

					fmt.Fprintf(out, "ok   %s (%d nodes)\n", wf.ID, len(wf.Nodes))
				}
			}

			if failed > 0 {
				return fmt.Errorf("%w: %d failed", errInvalidWorkflows, failed)
			}

			return nil
		},
	}
}

// loadPath loads a single file or every workflow file in a directory. For
// directories the workflows that did load are returned next to the error.
func loadPath(path string) ([]*models.Workflow, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		return definition.LoadDir(path)
	}

	wf, err := definition.Load(path)
	if err != nil {
		return nil, err
	}

	return []*models.Workflow{wf}, nil
}
