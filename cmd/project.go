package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/forgeworks/devloop/internal/model"
	"github.com/forgeworks/devloop/internal/tasklist"
)

var (
	projectUser  string
	projectTitle string
	projectDesc  string
	projectTasks string
	projectStack []string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a project from a checklist document",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		todo, err := os.ReadFile(projectTasks)
		if err != nil {
			return eris.Wrapf(err, "read task file %s", projectTasks)
		}

		stack := map[string]string{}
		for _, kv := range projectStack {
			k, v, _ := strings.Cut(kv, "=")
			stack[k] = v
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		p := &model.Project{
			UserID:       projectUser,
			Title:        projectTitle,
			Description:  projectDesc,
			TechStack:    stack,
			TodoMarkdown: string(todo),
		}
		if err := st.CreateProject(ctx, p); err != nil {
			return err
		}

		fmt.Println(p.ID)
		return nil
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Print a project as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		p, err := st.GetProject(ctx, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

var projectTasksCmd = &cobra.Command{
	Use:   "tasks <project-id>",
	Short: "List the currently pending tasks with their ordinals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		p, err := st.GetProject(ctx, args[0])
		if err != nil {
			return err
		}

		list := tasklist.Parse(p.TodoMarkdown)
		done, total := list.Progress()
		fmt.Printf("%s (%s) %d/%d done\n", p.Title, p.Status, done, total)
		for _, task := range list.ListPending() {
			fmt.Printf("%3d. %s\n", task.Ordinal, task.Text)
		}
		return nil
	},
}

func init() {
	projectCreateCmd.Flags().StringVar(&projectUser, "user", "", "owner user id (required)")
	projectCreateCmd.Flags().StringVar(&projectTitle, "title", "", "project title (required)")
	projectCreateCmd.Flags().StringVar(&projectDesc, "description", "", "project description")
	projectCreateCmd.Flags().StringVar(&projectTasks, "tasks", "", "path to the checklist markdown file (required)")
	projectCreateCmd.Flags().StringSliceVar(&projectStack, "stack", nil, "tech stack entries as key=value")
	_ = projectCreateCmd.MarkFlagRequired("user")
	_ = projectCreateCmd.MarkFlagRequired("title")
	_ = projectCreateCmd.MarkFlagRequired("tasks")

	projectCmd.AddCommand(projectCreateCmd, projectShowCmd, projectTasksCmd)
	rootCmd.AddCommand(projectCmd)
}
