package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dukex/nurture/pkg/config"
	"github.com/urfave/cli/v3"
)

func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate a JSON or YAML bundle of trigger and automation definitions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Path to the bundle",
				Required: true,
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			defs, err := config.Load(command.String("file"))
			if err != nil {
				return err
			}

			return report(defs, command.Root().Writer)
		},
	}
}

// report prints every problem in the bundle and fails when there is one.
func report(defs *config.Definitions, out io.Writer) error {
	problems := defs.Problems()

	for _, problem := range problems {
		_, _ = fmt.Fprintln(out, problem)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %d problem(s)", config.ErrInvalidDefinitions, len(problems))
	}

	_, _ = fmt.Fprintf(out, "%d trigger(s) and %d automation(s) are valid\n", len(defs.Triggers), len(defs.Automations))

	return nil
}
