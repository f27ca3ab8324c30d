package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"storyforge/internal/definition"
	"storyforge/internal/stage"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a pipeline file and print its execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := definition.LoadFile(args[0])
			if err != nil {
				return err
			}
			defs, order, err := p.Validate()
			if err != nil {
				return err
			}
			printOrder(cmd.OutOrStdout(), p.Name, defs, order)
			return nil
		},
	}
}

func printOrder(out io.Writer, name string, defs []stage.Definition, order []string) {
	byID := make(map[string]stage.Definition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}
	if name != "" {
		fmt.Fprintf(out, "pipeline %s\n", name)
	}
	for i, id := range order {
		d := byID[id]
		fmt.Fprintf(out, "%2d. %-20s %-10s %s -> %s\n", i+1, id, d.Kind, d.Executor, d.OutputPath())
	}
}
