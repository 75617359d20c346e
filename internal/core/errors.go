package core

import (
	"errors"
	"fmt"

	"storestack/pkg/domain"
)

// SaveStage names the save pipeline step that failed.
type SaveStage string

// Save pipeline stages.
const (
	StageCleanup  SaveStage = "cleanup"
	StageValidate SaveStage = "validate"
	StageMerge    SaveStage = "merge"
	StagePersist  SaveStage = "persist"
)

// SaveError wraps every failure handed to the save-error handler.
type SaveError struct {
	Label string
	Stage SaveStage
	Err   error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %s: %s: %v", e.Label, e.Stage, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// ValidationError reports blocking rule violations for a context's pending set.
type ValidationError struct {
	Label  string
	Result domain.Result
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s: %v", e.Label, domain.RuleViolationError{Result: e.Result})
}

// Unwrap exposes the underlying rule violation.
func (e *ValidationError) Unwrap() error { return domain.RuleViolationError{Result: e.Result} }

// MergeConflictError is raised under MergeError when a pushed change
// conflicts with the ancestor's state. Attribute is empty when the object
// itself was deleted or created concurrently.
type MergeConflictError struct {
	ObjectID  string
	Attribute string
	Reason    string
}

func (e *MergeConflictError) Error() string {
	if e.Attribute == "" {
		return fmt.Sprintf("merge conflict on %s: %s", e.ObjectID, e.Reason)
	}
	return fmt.Sprintf("merge conflict on %s.%s: %s", e.ObjectID, e.Attribute, e.Reason)
}

// CallbackError wraps a failed or panicking unit of work.
type CallbackError struct {
	Label string
	Err   error
	Panic any
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("unit of work %q panicked: %v", e.Label, e.Panic)
	}
	return fmt.Sprintf("unit of work %q: %v", e.Label, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// ErrClosed is returned by manager operations after Close.
var ErrClosed = errors.New("manager closed")

// ErrForeignContext is returned when a context from another manager is saved.
var ErrForeignContext = errors.New("context belongs to another manager")
