package pipeline

import (
	"errors"
	"fmt"
)

// State is a step of the query state machine.
type State string

const (
	StateAdmitted   State = "ADMITTED"
	StateEmbed      State = "EMBED"
	StateCacheCheck State = "CACHE_CHECK"
	StateCacheHit   State = "CACHE_HIT"
	StateRetrieve   State = "RETRIEVE"
	StateRerank     State = "RERANK"
	StateGenerate   State = "GENERATE"
	StateCacheStore State = "CACHE_STORE"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Error kinds. A *StageError matches the kind of the stage it failed in.
var (
	ErrEmbedding  = errors.New("embedding failed")
	ErrIndex      = errors.New("vector index failed")
	ErrRerank     = errors.New("rerank failed")
	ErrGeneration = errors.New("generation failed")

	// ErrNoContext is wrapped when retrieval found nothing and empty context
	// is not allowed.
	ErrNoContext = errors.New("no context retrieved")

	// ErrEmptyQuery rejects a request before any stage runs.
	ErrEmptyQuery = errors.New("query text is required")
)

// StageError is an unrecoverable failure of one collaborator.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the error kind of e's stage.
func (e *StageError) Is(target error) bool {
	switch e.Stage {
	case StateEmbed:
		return target == ErrEmbedding
	case StateCacheCheck, StateRetrieve:
		return target == ErrIndex
	case StateRerank:
		return target == ErrRerank
	case StateGenerate:
		return target == ErrGeneration
	}
	return false
}

// FailedStage returns the stage of a *StageError in err's chain, or "".
func FailedStage(err error) State {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
