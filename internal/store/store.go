// Package store persists projects, artifacts, pricing, usage and the
// credit ledger behind a driver-agnostic interface.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/forgeworks/devloop/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrInsufficientCredits signals that a ledger append would drive the
// user's balance below zero. It is a soft result, not a storage failure.
var ErrInsufficientCredits = eris.New("store: insufficient credits")

// Store defines the persistence interface for the orchestrator.
//
// AppendLedgerEntry is the only cross-cutting mutation under concurrent
// access: implementations must serialize the balance check-then-write per
// user (row lock or equivalent) so simultaneous deductions can never
// overdraw.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, userID string) (*model.User, error)

	// Projects
	CreateProject(ctx context.Context, project *model.Project) error
	GetProject(ctx context.Context, projectID string) (*model.Project, error)
	UpdateProjectStatus(ctx context.Context, projectID string, status model.ProjectStatus) error
	UpdateProjectTodo(ctx context.Context, projectID string, todoMarkdown string) error

	// Artifacts (overwrite by path)
	UpsertArtifact(ctx context.Context, projectID, path, content string) error
	GetArtifact(ctx context.Context, projectID, path string) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, projectID string) ([]model.Artifact, error)

	// Pricing. GetPricing returns (nil, nil) when no active row exists;
	// callers treat that as "metering skipped", not an error.
	UpsertPricing(ctx context.Context, pricing model.ModelPricing) error
	GetPricing(ctx context.Context, provider, modelName string) (*model.ModelPricing, error)

	// Usage (append-only)
	InsertUsage(ctx context.Context, rec *model.UsageRecord) error
	ListUsageByProject(ctx context.Context, projectID string) ([]model.UsageRecord, error)

	// Ledger (append-only). Returns the new balance, or
	// ErrInsufficientCredits when a negative entry would overdraw.
	AppendLedgerEntry(ctx context.Context, entry *model.LedgerEntry) (float64, error)
	ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
