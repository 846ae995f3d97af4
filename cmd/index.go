package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the per-project context index",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild <project-id>",
	Short: "Drop and re-embed every persisted artifact for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.pipeline.RebuildIndex(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("indexed %d artifacts\n", n)
		return nil
	},
}

func init() {
	indexCmd.AddCommand(indexRebuildCmd)
	rootCmd.AddCommand(indexCmd)
}
