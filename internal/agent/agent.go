// Package agent defines the generation, verification, and README
// collaborators and their Anthropic-backed implementations.
package agent

import (
	"context"

	"github.com/forgeworks/devloop/internal/model"
)

// GenerationRequest carries everything a generator needs for one task.
type GenerationRequest struct {
	TaskText           string
	ProjectDescription string
	TechStack          map[string]string
	Context            []string
	Feedback           string
}

// GenerationResult is a single produced artifact plus token usage.
type GenerationResult struct {
	Path    string
	Content string
	Usage   model.TokenUsage
}

// Generator produces one artifact for a checklist task.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

// VerificationRequest carries an artifact for review.
type VerificationRequest struct {
	TaskText       string
	ProjectContext string
	Content        string
}

// VerdictStatus tags the outcome of a verification.
type VerdictStatus string

const (
	VerdictApproved VerdictStatus = "approved"
	VerdictRejected VerdictStatus = "rejected"
	VerdictError    VerdictStatus = "error"
)

// Verdict is the reviewer's decision on an artifact.
type Verdict struct {
	Status   VerdictStatus
	Feedback string
	Usage    model.TokenUsage
}

// Verifier reviews a generated artifact against its task.
type Verifier interface {
	Verify(ctx context.Context, req VerificationRequest) (Verdict, error)
}

// ReadmeRequest carries the finished project for documentation.
type ReadmeRequest struct {
	Title         string
	Description   string
	TechStack     map[string]string
	ArtifactPaths []string
}

// ReadmeResult is the generated README content plus token usage.
type ReadmeResult struct {
	Content string
	Usage   model.TokenUsage
}

// ReadmeWriter produces a README for a completed project.
type ReadmeWriter interface {
	WriteReadme(ctx context.Context, req ReadmeRequest) (*ReadmeResult, error)
}
