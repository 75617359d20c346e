// Package memory provides an in-memory backend used for tests and ephemeral
// environments. State survives Close/Open on the same Store value, so a
// second manager built on the same instance behaves like a reopen.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"storestack/pkg/domain"
)

// Driver is the backend driver name.
const Driver = "memory"

var _ domain.Backend = (*Store)(nil)
var _ domain.RawExporter = (*Store)(nil)

// Store implements domain.Backend in process memory.
type Store struct {
	mu          sync.Mutex
	name        string
	created     bool
	fingerprint string
	version     int
	objects     map[string]domain.Object
	corrupt     []byte
	writeErr    error
	writes      int
	batches     []domain.Batch
}

// NewStore returns an empty, never-created store.
func NewStore() *Store {
	return &Store{name: "memory", objects: make(map[string]domain.Object)}
}

// Driver implements domain.Backend.
func (s *Store) Driver() string { return Driver }

// Location implements domain.Backend.
func (s *Store) Location() string { return s.name }

// Open implements domain.Backend.
func (s *Store) Open(_ context.Context, schema domain.Schema) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.corrupt != nil:
		return domain.Snapshot{}, domain.NewLoadError(domain.LoadCorrupt, s.name, errors.New("marked corrupt"))
	case !s.created:
		return domain.Snapshot{}, domain.NewLoadError(domain.LoadMissing, s.name, nil)
	case s.fingerprint != schema.Fingerprint():
		return domain.Snapshot{}, domain.NewLoadError(domain.LoadSchemaMismatch, s.name,
			fmt.Errorf("fingerprint %q, want %q", s.fingerprint, schema.Fingerprint()))
	}
	objects := make(map[string]domain.Object, len(s.objects))
	for id, obj := range s.objects {
		objects[id] = obj.Clone()
	}
	return domain.Snapshot{SchemaVersion: s.version, Fingerprint: s.fingerprint, Objects: objects}, nil
}

// Recreate implements domain.Backend.
func (s *Store) Recreate(_ context.Context, schema domain.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = true
	s.corrupt = nil
	s.fingerprint = schema.Fingerprint()
	s.version = schema.Version
	s.objects = make(map[string]domain.Object)
	return nil
}

// Write implements domain.Backend.
func (s *Store) Write(_ context.Context, batch domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.created {
		return errors.New("memory store not open")
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes++
	recorded := domain.Batch{Deletes: append([]string(nil), batch.Deletes...)}
	for _, obj := range batch.Upserts {
		s.objects[obj.ID] = obj.Clone()
		recorded.Upserts = append(recorded.Upserts, obj.Clone())
	}
	for _, id := range batch.Deletes {
		delete(s.objects, id)
	}
	s.batches = append(s.batches, recorded)
	return nil
}

// ExportRaw implements domain.RawExporter. Only a store marked corrupt has
// raw bytes worth archiving.
func (s *Store) ExportRaw(context.Context) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corrupt == nil {
		return nil, errors.New("memory store has no raw form")
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), s.corrupt...))), nil
}

// Close implements domain.Backend. State is retained.
func (s *Store) Close() error { return nil }

// MarkCorrupt makes the next Open fail as corrupt, exporting raw.
func (s *Store) MarkCorrupt(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if raw == nil {
		raw = []byte{}
	}
	s.corrupt = raw
}

// FailWrites makes every Write return err until cleared with nil.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Writes reports the number of successful Write calls.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Batches returns copies of every successfully written batch.
func (s *Store) Batches() []domain.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Batch(nil), s.batches...)
}

// Objects returns a copy of the durable state.
func (s *Store) Objects() map[string]domain.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Object, len(s.objects))
	for id, obj := range s.objects {
		out[id] = obj.Clone()
	}
	return out
}
