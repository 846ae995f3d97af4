package model

import (
	"time"
)

// ProjectStatus represents the current lifecycle state of a project.
type ProjectStatus string

const (
	StatusPlanning             ProjectStatus = "planning"
	StatusImplementing         ProjectStatus = "implementing"
	StatusAwaitingRefinement   ProjectStatus = "awaiting_refinement"
	StatusVerificationComplete ProjectStatus = "verification_complete"
	StatusReadmeGeneration     ProjectStatus = "readme_generation"
	StatusCompleted            ProjectStatus = "completed"
	StatusReadmeFailed         ProjectStatus = "readme_failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ProjectStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusReadmeFailed
}

// statusRank orders statuses along the lifecycle. awaiting_refinement and
// implementing share a rank because they oscillate during the build loop.
var statusRank = map[ProjectStatus]int{
	StatusPlanning:             0,
	StatusImplementing:         1,
	StatusAwaitingRefinement:   1,
	StatusVerificationComplete: 2,
	StatusReadmeGeneration:     3,
	StatusCompleted:            4,
	StatusReadmeFailed:         4,
}

// CanTransition reports whether moving from s to next respects the
// monotonic lifecycle. Moves within the same rank are always allowed.
func (s ProjectStatus) CanTransition(next ProjectStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	if s.Terminal() {
		return false
	}
	return to >= from
}

// Editable reports whether the task-list document may be mutated in state s.
func (s ProjectStatus) Editable() bool {
	switch s {
	case StatusPlanning, StatusImplementing, StatusAwaitingRefinement:
		return true
	default:
		return false
	}
}

// Project is a user-owned software project driven by a checklist document.
type Project struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Status       ProjectStatus     `json:"status"`
	TechStack    map[string]string `json:"tech_stack,omitempty"`
	TodoMarkdown string            `json:"todo_markdown"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// User holds the account attributes the orchestrator cares about.
type User struct {
	ID            string    `json:"id"`
	CreditBalance float64   `json:"credit_balance"`
	CreatedAt     time.Time `json:"created_at"`
}

// Artifact is a generated file persisted for a project. Path is unique
// within a project; writes overwrite by path.
type Artifact struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}
