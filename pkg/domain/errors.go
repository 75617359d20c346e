package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an object ID does not resolve in a context.
var ErrNotFound = errors.New("object not found")

// ErrExists is returned when inserting an object whose ID is already visible.
var ErrExists = errors.New("object already exists")

// LoadReason classifies why a store could not be loaded.
type LoadReason string

// Load failure reasons. All of them are recovered by recreating the store.
const (
	LoadMissing        LoadReason = "missing"
	LoadCorrupt        LoadReason = "corrupt"
	LoadSchemaMismatch LoadReason = "schema_mismatch"
)

// LoadError reports a store that cannot be used as-is.
type LoadError struct {
	Reason   LoadReason
	Location string
	Err      error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("load %s: %s", e.Location, e.Reason)
	}
	return fmt.Sprintf("load %s: %s: %v", e.Location, e.Reason, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError builds a LoadError.
func NewLoadError(reason LoadReason, location string, err error) *LoadError {
	return &LoadError{Reason: reason, Location: location, Err: err}
}

// IOError reports a failed durable write.
type IOError struct {
	Op       string
	Location string
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Location, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
