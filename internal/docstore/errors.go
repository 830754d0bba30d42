package docstore

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("docstore: document not found")
	ErrNotInitialized = errors.New("docstore: store not initialized")
	ErrClosed         = errors.New("docstore: queue closed")
)

// Stage names the step of a mutation that failed.
type Stage string

const (
	StageMutator Stage = "mutator"
	StagePersist Stage = "persist"
)

// MutationError reports which stage of a mutation failed. The committed
// document is unchanged whenever a MutationError is returned.
type MutationError struct {
	Stage Stage
	Err   error
}

func (e *MutationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("docstore: %s failed: %v", e.Stage, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// FailedStage returns the stage recorded in err, if any.
func FailedStage(err error) (Stage, bool) {
	var mutationErr *MutationError
	if errors.As(err, &mutationErr) {
		return mutationErr.Stage, true
	}
	return "", false
}

// CorruptError means stored bytes exist but could not be read or parsed.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("docstore: unreadable document: %v", e.Err)
	}
	return fmt.Sprintf("docstore: unreadable document %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}
