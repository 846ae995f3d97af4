package main

import (
	"strings"

	"github.com/spf13/cobra"
)

var refineCmd = &cobra.Command{
	Use:   "refine <project-id> <path> <instruction...>",
	Short: "Regenerate one artifact under a refinement instruction",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		outcome, err := a.pipeline.RefineArtifact(ctx, args[0], args[1], strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		return printOutcome(outcome)
	},
}

func init() {
	rootCmd.AddCommand(refineCmd)
}
