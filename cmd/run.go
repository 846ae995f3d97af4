package main

import (
	"context"
	"encoding/json"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/forgeworks/devloop/internal/model"
	"github.com/forgeworks/devloop/internal/queue"
)

var runArchiveOut string

var runCmd = &cobra.Command{
	Use:   "run <project-id> <ordinal>",
	Short: "Execute one pending checklist task through the pipeline",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		projectID := args[0]
		ordinal, err := strconv.Atoi(args[1])
		if err != nil {
			return eris.Wrapf(err, "parse ordinal %q", args[1])
		}

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		q := queue.New(cfg.Queue.Capacity, queue.WithWorkers(cfg.Queue.Workers))
		defer q.Close()

		var outcome *model.TaskOutcome
		var runErr error
		err = q.Enqueue(queue.Job{
			Name: "submit-task",
			Run: func(ctx context.Context) error {
				outcome, runErr = a.pipeline.SubmitTask(ctx, projectID, ordinal)
				return runErr
			},
		})
		if err != nil {
			return err
		}
		q.Wait()

		if runErr != nil {
			return runErr
		}
		return printOutcome(outcome)
	},
}

func printOutcome(outcome *model.TaskOutcome) error {
	if runArchiveOut != "" && len(outcome.Archive) > 0 {
		if err := os.WriteFile(runArchiveOut, outcome.Archive, 0o644); err != nil {
			return eris.Wrapf(err, "write archive %s", runArchiveOut)
		}
	}

	view := struct {
		Status       model.OutcomeStatus `json:"status"`
		Feedback     string              `json:"feedback"`
		ArtifactPath string              `json:"artifact_path,omitempty"`
		ArchiveBytes int                 `json:"archive_bytes,omitempty"`
	}{
		Status:       outcome.Status,
		Feedback:     outcome.Feedback,
		ArtifactPath: outcome.ArtifactPath,
		ArchiveBytes: len(outcome.Archive),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func init() {
	runCmd.Flags().StringVar(&runArchiveOut, "archive-out", "", "write the project archive to this path when produced")
	rootCmd.AddCommand(runCmd)
}
