package pipeline

import "github.com/rotisserie/eris"

// Sentinel errors returned from pipeline entry points. The transport layer
// matches on these with errors.Is to shape its responses.
var (
	// ErrInvalidTaskIndex means the ordinal does not address a currently
	// pending task.
	ErrInvalidTaskIndex = eris.New("invalid task index")

	// ErrGenerationFailure means the generation agent failed before any
	// state was mutated.
	ErrGenerationFailure = eris.New("generation failed")

	// ErrProjectNotEditable means the project's status does not allow
	// task-list mutation.
	ErrProjectNotEditable = eris.New("project not editable")
)
