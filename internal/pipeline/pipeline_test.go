package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/devloop/internal/agent"
	"github.com/forgeworks/devloop/internal/blob"
	"github.com/forgeworks/devloop/internal/contextindex"
	"github.com/forgeworks/devloop/internal/ledger"
	"github.com/forgeworks/devloop/internal/model"
	"github.com/forgeworks/devloop/internal/store"
	"github.com/forgeworks/devloop/internal/tasklist"
)

type fixture struct {
	pipeline  *Pipeline
	store     *store.SQLiteStore
	blobs     *blob.Store
	generator *mockGenerator
	verifier  *mockVerifier
	readme    *mockReadmeWriter
	user      *model.User
	project   *model.Project
}

const threeTaskDoc = `# Build plan
- [ ] Create the data model
- [ ] Add the HTTP handlers
- [ ] Write the configuration loader
`

func newFixture(t *testing.T, todo string, balance float64) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	user := &model.User{CreditBalance: balance}
	require.NoError(t, st.CreateUser(ctx, user))

	project := &model.Project{
		UserID:       user.ID,
		Title:        "todo api",
		Description:  "a small REST API for todo items",
		Status:       model.StatusImplementing,
		TechStack:    map[string]string{"language": "go"},
		TodoMarkdown: todo,
	}
	require.NoError(t, st.CreateProject(ctx, project))
	require.NoError(t, st.UpdateProjectStatus(ctx, project.ID, model.StatusImplementing))
	project.Status = model.StatusImplementing

	require.NoError(t, st.UpsertPricing(ctx, model.ModelPricing{
		Provider:      agent.Provider,
		Model:         "claude-sonnet-4-5",
		InputPerMTok:  3.0,
		OutputPerMTok: 15.0,
		Active:        true,
	}))

	f := &fixture{
		store:     st,
		blobs:     blob.NewMemory(),
		generator: new(mockGenerator),
		verifier:  new(mockVerifier),
		readme:    new(mockReadmeWriter),
		user:      user,
		project:   project,
	}
	index := contextindex.New(contextindex.NewMemoryRegistry(), hashEmbedder{})
	lg := ledger.New(st, ledger.Config{CreditValueUSD: 0.01, Markup: 1.0})
	f.pipeline = New(st, f.blobs, index, lg, f.generator, f.verifier, f.readme, nil, Config{
		MinCreditBalance: 1.0,
		Model:            "claude-sonnet-4-5",
	})
	return f
}

func genResult(path, content string) *agent.GenerationResult {
	return &agent.GenerationResult{
		Path:    path,
		Content: content,
		Usage:   model.TokenUsage{InputTokens: 1000, OutputTokens: 500},
	}
}

func approvedVerdict() agent.Verdict {
	return agent.Verdict{
		Status:   agent.VerdictApproved,
		Feedback: "APPROVED",
		Usage:    model.TokenUsage{InputTokens: 800, OutputTokens: 100},
	}
}

func (f *fixture) reload(t *testing.T) *model.Project {
	t.Helper()
	p, err := f.store.GetProject(context.Background(), f.project.ID)
	require.NoError(t, err)
	return p
}

func TestSubmitTask_ProjectNotFound(t *testing.T) {
	f := newFixture(t, threeTaskDoc, 100)

	_, err := f.pipeline.SubmitTask(context.Background(), "no-such-project", 1)
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrNotFound))
}

func TestSubmitTask_BalanceBelowThreshold(t *testing.T) {
	f := newFixture(t, threeTaskDoc, 0.5)

	_, err := f.pipeline.SubmitTask(context.Background(), f.project.ID, 1)
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrInsufficientCredits))
}

func TestSubmitTask_InvalidOrdinal(t *testing.T) {
	f := newFixture(t, threeTaskDoc, 100)

	for _, ordinal := range []int{0, -1, 4} {
		_, err := f.pipeline.SubmitTask(context.Background(), f.project.ID, ordinal)
		require.Error(t, err, "ordinal %d", ordinal)
		assert.True(t, eris.Is(err, ErrInvalidTaskIndex))
	}
}

func TestSubmitTask_GenerationFailureMutatesNothing(t *testing.T) {
	f := newFixture(t, threeTaskDoc, 100)
	f.generator.On("Generate", mock.Anything, mock.Anything).
		Return(nil, eris.New("model unavailable"))

	_, err := f.pipeline.SubmitTask(context.Background(), f.project.ID, 1)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrGenerationFailure))

	p := f.reload(t)
	assert.Equal(t, threeTaskDoc, p.TodoMarkdown)
	assert.Equal(t, model.StatusImplementing, p.Status)

	keys, err := f.blobs.List(f.project.ID)
	require.NoError(t, err)
	assert.Empty(t, keys)

	usage, err := f.store.ListUsageByProject(context.Background(), f.project.ID)
	require.NoError(t, err)
	assert.Empty(t, usage)
}

func TestSubmitTask_ApprovalMarksTaskAndMeters(t *testing.T) {
	f := newFixture(t, threeTaskDoc, 100_000)
	ctx := context.Background()

	f.generator.On("Generate", mock.Anything, mock.MatchedBy(func(req agent.GenerationRequest) bool {
		return req.TaskText == "Create the data model"
	})).Return(genResult("internal/model/todo.go", "package model"), nil)
	f.verifier.On("Verify", mock.Anything, mock.Anything).Return(approvedVerdict(), nil)

	outcome, err := f.pipeline.SubmitTask(ctx, f.project.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, outcome.Status)
	assert.Equal(t, "internal/model/todo.go", outcome.ArtifactPath)
	assert.Nil(t, outcome.Archive)

	p := f.reload(t)
	assert.Equal(t, model.StatusImplementing, p.Status)
	assert.Len(t, tasklist.Parse(p.TodoMarkdown).ListPending(), 2)

	// One usage record for generation, one for verification, each deducted.
	usage, err := f.store.ListUsageByProject(ctx, f.project.ID)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.ElementsMatch(t,
		[]string{"task_generation", "task_verification"},
		[]string{usage[0].TaskType, usage[1].TaskType})

	entries, err := f.store.ListLedgerEntries(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	data, err := f.blobs.Get(f.project.ID, "internal/model/todo.go")
	require.NoError(t, err)
	assert.Equal(t, "package model", string(data))
}

func TestSubmitTask_RejectionLeavesListUnchanged(t *testing.T) {
	f := newFixture(t, threeTaskDoc, 100_000)

	f.generator.On("Generate", mock.Anything, mock.Anything).
		Return(genResult("handlers.go", "package api"), nil)
	f.verifier.On("Verify", mock.Anything, mock.Anything).Return(agent.Verdict{
		Status:   agent.VerdictRejected,
		Feedback: "REJECTED: no input validation",
		Usage:    model.TokenUsage{InputTokens: 500, OutputTokens: 80},
	}, nil)

	outcome, err := f.pipeline.SubmitTask(context.Background(), f.project.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejected, outcome.Status)
	assert.Contains(t, outcome.Feedback, "REJECTED")

	p := f.reload(t)
	assert.Equal(t, model.StatusAwaitingRefinement, p.Status)
	assert.Equal(t, threeTaskDoc, p.TodoMarkdown)
}

func TestSubmitTask_VerifierTransportFailureIsErrorOutcome(t *testing.T) {
	f := newFixture(t, threeTaskDoc, 100_000)

	f.generator.On("Generate", mock.Anything, mock.Anything).
		Return(genResult("a.go", "package a"), nil)
	f.verifier.On("Verify", mock.Anything, mock.Anything).
		Return(agent.Verdict{Status: agent.VerdictError}, eris.New("provider down"))

	outcome, err := f.pipeline.SubmitTask(context.Background(), f.project.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeError, outcome.Status)

	// No mutation: list and status unchanged.
	p := f.reload(t)
	assert.Equal(t, threeTaskDoc, p.TodoMarkdown)
	assert.Equal(t, model.StatusImplementing, p.Status)
}

func TestSubmitTask_SecondApprovalOfSameOrdinalShifts(t *testing.T) {
	f := newFixture(t, threeTaskDoc, 100_000)
	ctx := context.Background()

	f.generator.On("Generate", mock.Anything, mock.Anything).
		Return(genResult("one.go", "package one"), nil).Once()
	f.verifier.On("Verify", mock.Anything, mock.Anything).Return(approvedVerdict(), nil)

	_, err := f.pipeline.SubmitTask(ctx, f.project.ID, 1)
	require.NoError(t, err)

	// Ordinal 1 now addresses the next pending task, not the completed one.
	f.generator.On("Generate", mock.Anything, mock.MatchedBy(func(req agent.GenerationRequest) bool {
		return req.TaskText == "Add the HTTP handlers"
	})).Return(genResult("two.go", "package two"), nil).Once()

	_, err = f.pipeline.SubmitTask(ctx, f.project.ID, 1)
	require.NoError(t, err)

	// Ordinal 3 no longer exists once two tasks are done.
	_, err = f.pipeline.SubmitTask(ctx, f.project.ID, 3)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidTaskIndex))
}

func TestSubmitTask_FullRunProducesArchive(t *testing.T) {
	f := newFixture(t, threeTaskDoc, 100_000)
	ctx := context.Background()

	for _, path := range []string{"model.go", "handlers.go", "config.go"} {
		f.generator.On("Generate", mock.Anything, mock.Anything).
			Return(genResult(path, "package main // "+path), nil).Once()
	}
	f.verifier.On("Verify", mock.Anything, mock.Anything).Return(approvedVerdict(), nil)
	f.readme.On("WriteReadme", mock.Anything, mock.MatchedBy(func(req agent.ReadmeRequest) bool {
		return req.Title == "todo api" && len(req.ArtifactPaths) == 3
	})).Return(&agent.ReadmeResult{
		Content: "# todo api",
		Usage:   model.TokenUsage{InputTokens: 400, OutputTokens: 300},
	}, nil)

	var final *model.TaskOutcome
	for i := 0; i < 3; i++ {
		outcome, err := f.pipeline.SubmitTask(ctx, f.project.ID, 1)
		require.NoError(t, err)
		require.Equal(t, model.OutcomeApproved, outcome.Status)
		final = outcome
	}

	p := f.reload(t)
	assert.Equal(t, model.StatusCompleted, p.Status)
	require.NotNil(t, p.CompletedAt)

	done, total := tasklist.Parse(p.TodoMarkdown).Progress()
	assert.Equal(t, 3, done)
	assert.Equal(t, 3, total)

	// Archive holds the three artifacts plus the README, in path order.
	require.NotNil(t, final.Archive)
	zr, err := zip.NewReader(bytes.NewReader(final.Archive), int64(len(final.Archive)))
	require.NoError(t, err)
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	assert.Equal(t, []string{"README.md", "config.go", "handlers.go", "model.go"}, names)

	usage, err := f.store.ListUsageByProject(ctx, f.project.ID)
	require.NoError(t, err)
	// Three generations, three verifications, one README call.
	assert.Len(t, usage, 7)

	f.readme.AssertExpectations(t)
}

func TestSubmitTask_ReadmeFailureIsPartialSuccess(t *testing.T) {
	f := newFixture(t, "- [ ] Only task\n", 100_000)
	ctx := context.Background()

	f.generator.On("Generate", mock.Anything, mock.Anything).
		Return(genResult("only.go", "package only"), nil)
	f.verifier.On("Verify", mock.Anything, mock.Anything).Return(approvedVerdict(), nil)
	f.readme.On("WriteReadme", mock.Anything, mock.Anything).
		Return(nil, eris.New("provider down"))

	outcome, err := f.pipeline.SubmitTask(ctx, f.project.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, outcome.Status)
	assert.Nil(t, outcome.Archive)

	p := f.reload(t)
	assert.Equal(t, model.StatusReadmeFailed, p.Status)
}

func TestSubmitTask_MissingPricingWritesUsageWithoutLedger(t *testing.T) {
	f := newFixture(t, threeTaskDoc, 100)
	ctx := context.Background()

	// Point the pipeline at a model with no pricing row.
	f.pipeline.cfg.Model = "unpriced-model"

	f.generator.On("Generate", mock.Anything, mock.Anything).
		Return(genResult("a.go", "package a"), nil)
	f.verifier.On("Verify", mock.Anything, mock.Anything).Return(approvedVerdict(), nil)

	outcome, err := f.pipeline.SubmitTask(ctx, f.project.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, outcome.Status)

	usage, err := f.store.ListUsageByProject(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Len(t, usage, 2)
	for _, u := range usage {
		assert.Zero(t, u.CostUSD)
	}

	entries, err := f.store.ListLedgerEntries(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	u, err := f.store.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, u.CreditBalance, 1e-9)
}

func TestSubmitTask_DeductionFailureDoesNotAbort(t *testing.T) {
	// Balance passes the advisory gate but cannot cover the actual cost.
	f := newFixture(t, threeTaskDoc, 2.0)
	ctx := context.Background()

	f.generator.On("Generate", mock.Anything, mock.Anything).
		Return(&agent.GenerationResult{
			Path:    "big.go",
			Content: "package big",
			Usage:   model.TokenUsage{InputTokens: 10_000_000, OutputTokens: 1_000_000},
		}, nil)
	f.verifier.On("Verify", mock.Anything, mock.Anything).Return(approvedVerdict(), nil)

	outcome, err := f.pipeline.SubmitTask(ctx, f.project.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, outcome.Status)

	// Usage was recorded even though the deduction bounced.
	usage, err := f.store.ListUsageByProject(ctx, f.project.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, usage)

	u, err := f.store.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, u.CreditBalance, 0.0)
}

func TestRefineArtifact(t *testing.T) {
	f := newFixture(t, threeTaskDoc, 100_000)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertArtifact(ctx, f.project.ID, "api.go", "package api // v1"))
	require.NoError(t, f.store.UpdateProjectStatus(ctx, f.project.ID, model.StatusAwaitingRefinement))

	f.generator.On("Generate", mock.Anything, mock.MatchedBy(func(req agent.GenerationRequest) bool {
		return req.Feedback == "add request validation"
	})).Return(genResult("api.go", "package api // v2"), nil)

	outcome, err := f.pipeline.RefineArtifact(ctx, f.project.ID, "api.go", "add request validation")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, outcome.Status)

	a, err := f.store.GetArtifact(ctx, f.project.ID, "api.go")
	require.NoError(t, err)
	assert.Equal(t, "package api // v2", a.Content)

	p := f.reload(t)
	assert.Equal(t, model.StatusImplementing, p.Status)
}

func TestRefineArtifact_TerminalProjectRefused(t *testing.T) {
	f := newFixture(t, "- [x] done\n", 100_000)
	ctx := context.Background()

	require.NoError(t, f.store.UpdateProjectStatus(ctx, f.project.ID, model.StatusCompleted))

	_, err := f.pipeline.RefineArtifact(ctx, f.project.ID, "api.go", "tweak")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrProjectNotEditable))
}

func TestRebuildIndex(t *testing.T) {
	f := newFixture(t, threeTaskDoc, 100_000)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertArtifact(ctx, f.project.ID, "a.go", "package a"))
	require.NoError(t, f.store.UpsertArtifact(ctx, f.project.ID, "b.go", "package b"))

	n, err := f.pipeline.RebuildIndex(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
