package domain

import (
	"context"
	"io"
)

// Snapshot is the full durable state loaded from a backend.
type Snapshot struct {
	SchemaVersion int
	Fingerprint   string
	Objects       map[string]Object
}

// Batch is one durable write: objects to insert or replace and IDs to delete.
type Batch struct {
	Upserts []Object
	Deletes []string
}

// Empty reports whether the batch carries no mutations.
func (b Batch) Empty() bool {
	return len(b.Upserts) == 0 && len(b.Deletes) == 0
}

// Backend is the storage-engine contract the store coordinator drives. A
// backend instance is owned by exactly one coordinator and is never used
// concurrently.
//
// Open acquires any writer lock the backend needs and loads the store. It
// returns a *LoadError when the store is missing, unreadable, or written
// under a different schema; any other error is a hard failure that must not
// trigger a reset. Recreate discards whatever is at the location and creates
// an empty store for schema. Write applies a batch atomically.
type Backend interface {
	Driver() string
	Location() string
	Open(ctx context.Context, schema Schema) (Snapshot, error)
	Recreate(ctx context.Context, schema Schema) error
	Write(ctx context.Context, batch Batch) error
	Close() error
}

// RawExporter is implemented by backends that can hand out the raw bytes of
// the current store, used to quarantine a corrupt store before a reset.
type RawExporter interface {
	ExportRaw(ctx context.Context) (io.ReadCloser, error)
}
