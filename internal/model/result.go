package model

// OutcomeStatus is the tri-state result of a task submission.
type OutcomeStatus string

const (
	OutcomeApproved OutcomeStatus = "approved"
	OutcomeRejected OutcomeStatus = "rejected"
	OutcomeError    OutcomeStatus = "error"
)

// TaskOutcome is what SubmitTask delivers back to the transport layer.
type TaskOutcome struct {
	Status       OutcomeStatus `json:"status"`
	Feedback     string        `json:"feedback"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
	// Archive holds the packaged project when the final task is approved
	// and README generation succeeds.
	Archive []byte `json:"archive,omitempty"`
}
