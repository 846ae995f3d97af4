// Package pipeline runs the checklist-driven implementation loop: resolve a
// pending task, generate an artifact, meter the call, verify the result, and
// advance the project state machine.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/forgeworks/devloop/internal/agent"
	"github.com/forgeworks/devloop/internal/blob"
	"github.com/forgeworks/devloop/internal/contextindex"
	"github.com/forgeworks/devloop/internal/ledger"
	"github.com/forgeworks/devloop/internal/model"
	"github.com/forgeworks/devloop/internal/notify"
	"github.com/forgeworks/devloop/internal/store"
	"github.com/forgeworks/devloop/internal/tasklist"
)

const readmePath = "README.md"

// Config tunes pipeline behavior.
type Config struct {
	// MinCreditBalance is the advisory pre-check threshold. The gate runs
	// before generation only; a call already made is never rolled back.
	MinCreditBalance float64 `yaml:"min_credit_balance" mapstructure:"min_credit_balance"`
	// ContextK is the number of index chunks retrieved per task, clamped
	// to [2, 10].
	ContextK int `yaml:"context_k" mapstructure:"context_k"`
	// Provider and Model attribute usage records for metering.
	Provider string `yaml:"provider" mapstructure:"provider"`
	Model    string `yaml:"model" mapstructure:"model"`
}

// DefaultConfig returns the standard pipeline configuration.
func DefaultConfig() Config {
	return Config{
		MinCreditBalance: 1.0,
		ContextK:         5,
		Provider:         agent.Provider,
		Model:            agent.DefaultConfig().Model,
	}
}

// Pipeline owns one task execution flow. All collaborators are passed in
// explicitly; there is no ambient project state.
type Pipeline struct {
	store     store.Store
	blobs     *blob.Store
	index     *contextindex.Index
	ledger    *ledger.CreditLedger
	generator agent.Generator
	verifier  agent.Verifier
	readme    agent.ReadmeWriter
	notifier  notify.Notifier
	cfg       Config
}

// New wires a Pipeline from its collaborators.
func New(
	st store.Store,
	blobs *blob.Store,
	index *contextindex.Index,
	lg *ledger.CreditLedger,
	generator agent.Generator,
	verifier agent.Verifier,
	readme agent.ReadmeWriter,
	notifier notify.Notifier,
	cfg Config,
) *Pipeline {
	def := DefaultConfig()
	if cfg.MinCreditBalance <= 0 {
		cfg.MinCreditBalance = def.MinCreditBalance
	}
	if cfg.ContextK <= 0 {
		cfg.ContextK = def.ContextK
	}
	if cfg.ContextK < 2 {
		cfg.ContextK = 2
	}
	if cfg.ContextK > 10 {
		cfg.ContextK = 10
	}
	if cfg.Provider == "" {
		cfg.Provider = def.Provider
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	return &Pipeline{
		store:     st,
		blobs:     blobs,
		index:     index,
		ledger:    lg,
		generator: generator,
		verifier:  verifier,
		readme:    readme,
		notifier:  notifier,
		cfg:       cfg,
	}
}

// SubmitTask executes one pending checklist task identified by its 1-based
// ordinal within the currently pending subset. Ordinals are recomputed from
// the live document on every call; they are not stable identifiers.
func (p *Pipeline) SubmitTask(ctx context.Context, projectID string, ordinal int) (*model.TaskOutcome, error) {
	log := zap.L().With(zap.String("project_id", projectID), zap.Int("ordinal", ordinal))

	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	user, err := p.store.GetUser(ctx, project.UserID)
	if err != nil {
		return nil, err
	}
	if user.CreditBalance < p.cfg.MinCreditBalance {
		return nil, eris.Wrapf(store.ErrInsufficientCredits,
			"balance %.2f below minimum %.2f", user.CreditBalance, p.cfg.MinCreditBalance)
	}

	list := tasklist.Parse(project.TodoMarkdown)
	pending := list.ListPending()
	if ordinal < 1 || ordinal > len(pending) {
		return nil, eris.Wrapf(ErrInvalidTaskIndex, "ordinal %d, %d pending", ordinal, len(pending))
	}
	task := pending[ordinal-1]

	taskContext := p.queryContext(ctx, projectID, task.Text, log)

	gen, err := p.generator.Generate(ctx, agent.GenerationRequest{
		TaskText:           task.Text,
		ProjectDescription: project.Description,
		TechStack:          project.TechStack,
		Context:            taskContext,
	})
	if err != nil {
		// Nothing was persisted and no line was marked.
		return nil, eris.Wrapf(ErrGenerationFailure, "%v", err)
	}

	log.Info("artifact generated",
		zap.String("path", gen.Path),
		zap.Int("bytes", len(gen.Content)))

	p.persistArtifact(ctx, project, gen.Path, gen.Content, log)
	p.meter(ctx, project, "task_generation", gen.Usage, log)

	if err := p.index.Upsert(ctx, projectID, gen.Path, gen.Content); err != nil {
		log.Warn("index upsert failed", zap.Error(err))
	}

	verdict, err := p.verifier.Verify(ctx, agent.VerificationRequest{
		TaskText:       task.Text,
		ProjectContext: project.Description + "\n\n" + project.TodoMarkdown,
		Content:        gen.Content,
	})
	if err != nil {
		log.Warn("verification agent failed", zap.Error(err))
		return &model.TaskOutcome{
			Status:       model.OutcomeError,
			Feedback:     fmt.Sprintf("verification failed: %v", err),
			ArtifactPath: gen.Path,
		}, nil
	}
	p.meter(ctx, project, "task_verification", verdict.Usage, log)

	switch verdict.Status {
	case agent.VerdictApproved:
		return p.approve(ctx, project, list, task, gen.Path, verdict.Feedback, log)

	case agent.VerdictRejected:
		p.setStatus(ctx, project, model.StatusAwaitingRefinement, log)
		p.notify(ctx, project.UserID, fmt.Sprintf("Task %q was rejected by review; refine and resubmit.", task.Text))
		return &model.TaskOutcome{
			Status:       model.OutcomeRejected,
			Feedback:     verdict.Feedback,
			ArtifactPath: gen.Path,
		}, nil

	case agent.VerdictError:
		return &model.TaskOutcome{
			Status:       model.OutcomeError,
			Feedback:     verdict.Feedback,
			ArtifactPath: gen.Path,
		}, nil

	default:
		return nil, eris.Errorf("unknown verdict status %q", verdict.Status)
	}
}

func (p *Pipeline) approve(
	ctx context.Context,
	project *model.Project,
	list *tasklist.List,
	task tasklist.Task,
	artifactPath, feedback string,
	log *zap.Logger,
) (*model.TaskOutcome, error) {
	updated, err := list.MarkDone(task.Line)
	if err != nil {
		return nil, err
	}
	if err := p.store.UpdateProjectTodo(ctx, project.ID, updated); err != nil {
		return nil, eris.Wrap(err, "persist task list")
	}
	project.TodoMarkdown = updated

	if remaining := tasklist.Parse(updated).ListPending(); len(remaining) > 0 {
		p.setStatus(ctx, project, model.StatusImplementing, log)
		p.notify(ctx, project.UserID,
			fmt.Sprintf("Task %q approved. %d tasks remaining.", task.Text, len(remaining)))
		return &model.TaskOutcome{
			Status:       model.OutcomeApproved,
			Feedback:     feedback,
			ArtifactPath: artifactPath,
		}, nil
	}

	outcome, err := p.finalize(ctx, project, log)
	if err != nil {
		return nil, err
	}
	outcome.ArtifactPath = artifactPath
	return outcome, nil
}

// finalize runs when the pending set empties: README generation, archive
// packaging, and the completed transition, synchronously in the same run.
func (p *Pipeline) finalize(ctx context.Context, project *model.Project, log *zap.Logger) (*model.TaskOutcome, error) {
	p.setStatus(ctx, project, model.StatusVerificationComplete, log)
	p.setStatus(ctx, project, model.StatusReadmeGeneration, log)

	paths, err := p.blobs.List(project.ID)
	if err != nil {
		return nil, eris.Wrap(err, "list artifacts")
	}

	res, err := p.readme.WriteReadme(ctx, agent.ReadmeRequest{
		Title:         project.Title,
		Description:   project.Description,
		TechStack:     project.TechStack,
		ArtifactPaths: paths,
	})
	if err != nil {
		log.Warn("readme generation failed", zap.Error(err))
		p.setStatus(ctx, project, model.StatusReadmeFailed, log)
		p.notify(ctx, project.UserID, "All tasks are done, but README generation failed.")
		return &model.TaskOutcome{
			Status:   model.OutcomeApproved,
			Feedback: "all tasks completed; README generation failed, no archive produced",
		}, nil
	}

	p.persistArtifact(ctx, project, readmePath, res.Content, log)
	p.meter(ctx, project, "readme_generation", res.Usage, log)

	archive, err := p.buildArchive(ctx, project.ID)
	if err != nil {
		return nil, eris.Wrap(err, "build archive")
	}

	p.setStatus(ctx, project, model.StatusCompleted, log)
	p.notify(ctx, project.UserID, fmt.Sprintf("Project %q is complete.", project.Title))
	return &model.TaskOutcome{
		Status:   model.OutcomeApproved,
		Feedback: "all tasks completed; project archive ready",
		Archive:  archive,
	}, nil
}

// RefineArtifact regenerates one persisted artifact under a user instruction
// and returns the project to implementing. The task list is not touched.
func (p *Pipeline) RefineArtifact(ctx context.Context, projectID, path, instruction string) (*model.TaskOutcome, error) {
	log := zap.L().With(zap.String("project_id", projectID), zap.String("path", path))

	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !project.Status.Editable() {
		return nil, eris.Wrapf(ErrProjectNotEditable, "status %s", project.Status)
	}

	artifact, err := p.store.GetArtifact(ctx, projectID, path)
	if err != nil {
		return nil, err
	}

	taskContext := p.queryContext(ctx, projectID, instruction, log)

	gen, err := p.generator.Generate(ctx, agent.GenerationRequest{
		TaskText:           fmt.Sprintf("Revise the file %s:\n%s", path, artifact.Content),
		ProjectDescription: project.Description,
		TechStack:          project.TechStack,
		Context:            taskContext,
		Feedback:           instruction,
	})
	if err != nil {
		return nil, eris.Wrapf(ErrGenerationFailure, "%v", err)
	}

	p.persistArtifact(ctx, project, path, gen.Content, log)
	p.meter(ctx, project, "task_refinement", gen.Usage, log)

	if err := p.index.Upsert(ctx, projectID, path, gen.Content); err != nil {
		log.Warn("index upsert failed", zap.Error(err))
	}

	p.setStatus(ctx, project, model.StatusImplementing, log)
	return &model.TaskOutcome{
		Status:       model.OutcomeApproved,
		Feedback:     "artifact refined",
		ArtifactPath: path,
	}, nil
}

// RebuildIndex drops a project's vector index and re-indexes every persisted
// artifact from the relational store.
func (p *Pipeline) RebuildIndex(ctx context.Context, projectID string) (int, error) {
	artifacts, err := p.store.ListArtifacts(ctx, projectID)
	if err != nil {
		return 0, err
	}

	p.index.Rebuild(projectID)
	for _, a := range artifacts {
		if err := p.index.Upsert(ctx, projectID, a.Path, a.Content); err != nil {
			return 0, eris.Wrapf(err, "index %s", a.Path)
		}
	}
	return len(artifacts), nil
}

func (p *Pipeline) queryContext(ctx context.Context, projectID, text string, log *zap.Logger) []string {
	results, err := p.index.Query(ctx, projectID, text, p.cfg.ContextK)
	if err != nil {
		// Retrieval degrades to no context rather than aborting the task.
		log.Warn("context query failed", zap.Error(err))
		return nil
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, fmt.Sprintf("// %s (chunk %d/%d)\n%s", r.Path, r.ChunkIndex+1, r.TotalChunks, r.Text))
	}
	return out
}

// persistArtifact writes to blob and relational storage. Failures are logged
// and the run continues; the generated content still flows to verification.
func (p *Pipeline) persistArtifact(ctx context.Context, project *model.Project, path, content string, log *zap.Logger) {
	if err := p.blobs.Put(project.ID, path, []byte(content)); err != nil {
		log.Warn("blob write failed", zap.String("path", path), zap.Error(err))
	}
	if err := p.store.UpsertArtifact(ctx, project.ID, path, content); err != nil {
		log.Warn("artifact upsert failed", zap.String("path", path), zap.Error(err))
	}
}

// meter records usage and deducts credits, best effort. A deduction failure
// after the call already happened never aborts the run.
func (p *Pipeline) meter(ctx context.Context, project *model.Project, taskType string, usage model.TokenUsage, log *zap.Logger) {
	_, err := p.ledger.MeterCall(ctx, ledger.Call{
		UserID:    project.UserID,
		ProjectID: project.ID,
		TaskType:  taskType,
		Provider:  p.cfg.Provider,
		Model:     p.cfg.Model,
		Usage:     usage,
	})
	if err != nil {
		log.Warn("metering failed",
			zap.String("task_type", taskType),
			zap.Error(err))
	}
}

func (p *Pipeline) setStatus(ctx context.Context, project *model.Project, next model.ProjectStatus, log *zap.Logger) {
	if project.Status == next {
		return
	}
	if !project.Status.CanTransition(next) {
		log.Warn("skipping invalid status transition",
			zap.String("from", string(project.Status)),
			zap.String("to", string(next)))
		return
	}
	if err := p.store.UpdateProjectStatus(ctx, project.ID, next); err != nil {
		log.Warn("status update failed", zap.String("to", string(next)), zap.Error(err))
		return
	}
	project.Status = next
}

func (p *Pipeline) notify(ctx context.Context, userID, text string) {
	if p.notifier == nil {
		return
	}
	p.notifier.Notify(ctx, userID, strings.TrimSpace(text))
}
