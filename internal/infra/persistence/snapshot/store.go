// Package snapshot provides a single-file JSON store. Every write rewrites
// the whole document through an atomic rename, so the file on disk is
// always either the previous or the next complete state.
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"storestack/internal/infra/filelock"
	"storestack/pkg/domain"
)

// Driver is the backend driver name.
const Driver = "snapshot"

const formatTag = "storestack.snapshot/v1"

var _ domain.Backend = (*Store)(nil)
var _ domain.RawExporter = (*Store)(nil)

type document struct {
	Format        string          `json:"format"`
	SchemaVersion int             `json:"schema_version"`
	Fingerprint   string          `json:"fingerprint"`
	Checksum      string          `json:"checksum"`
	WrittenAt     time.Time       `json:"written_at"`
	Objects       json.RawMessage `json:"objects"`
}

// Store implements domain.Backend on one JSON file.
type Store struct {
	path        string
	lockTimeout time.Duration
	lock        *filelock.Lock
	schema      domain.Schema
	objects     map[string]domain.Object
	open        bool
}

// NewStore returns an unopened snapshot store at path.
func NewStore(path string, lockTimeout time.Duration) *Store {
	if path == "" {
		path = "storestack.json"
	}
	return &Store{path: path, lockTimeout: lockTimeout}
}

// Driver implements domain.Backend.
func (s *Store) Driver() string { return Driver }

// Location implements domain.Backend.
func (s *Store) Location() string { return s.path }

// Open implements domain.Backend.
func (s *Store) Open(ctx context.Context, schema domain.Schema) (domain.Snapshot, error) {
	if err := s.acquire(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.Snapshot{}, domain.NewLoadError(domain.LoadMissing, s.path, err)
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return domain.Snapshot{}, domain.NewLoadError(domain.LoadMissing, s.path, errors.New("empty file"))
	}
	objects, doc, err := decode(raw)
	if err != nil {
		return domain.Snapshot{}, domain.NewLoadError(domain.LoadCorrupt, s.path, err)
	}
	if doc.Fingerprint != schema.Fingerprint() {
		return domain.Snapshot{}, domain.NewLoadError(domain.LoadSchemaMismatch, s.path,
			fmt.Errorf("fingerprint %q, want %q", doc.Fingerprint, schema.Fingerprint()))
	}
	s.schema = schema
	s.objects = objects
	s.open = true
	return domain.Snapshot{
		SchemaVersion: doc.SchemaVersion,
		Fingerprint:   doc.Fingerprint,
		Objects:       cloneObjects(objects),
	}, nil
}

func decode(raw []byte) (map[string]domain.Object, document, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, doc, fmt.Errorf("decode document: %w", err)
	}
	if doc.Format != formatTag {
		return nil, doc, fmt.Errorf("unknown format %q", doc.Format)
	}
	if sum := checksum(doc.Objects); sum != doc.Checksum {
		return nil, doc, fmt.Errorf("checksum mismatch: have %s, want %s", sum, doc.Checksum)
	}
	objects := make(map[string]domain.Object)
	if len(doc.Objects) > 0 {
		if err := json.Unmarshal(doc.Objects, &objects); err != nil {
			return nil, doc, fmt.Errorf("decode objects: %w", err)
		}
	}
	return objects, doc, nil
}

func checksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (s *Store) acquire(ctx context.Context) error {
	if s.lock != nil {
		return nil
	}
	lock, err := filelock.Acquire(ctx, s.path, s.lockTimeout)
	if err != nil {
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	s.lock = lock
	return nil
}

// Recreate implements domain.Backend.
func (s *Store) Recreate(ctx context.Context, schema domain.Schema) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", s.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	s.schema = schema
	if err := s.flush(map[string]domain.Object{}); err != nil {
		return err
	}
	s.objects = map[string]domain.Object{}
	s.open = true
	return nil
}

// Write implements domain.Backend.
func (s *Store) Write(_ context.Context, batch domain.Batch) error {
	if !s.open {
		return errors.New("snapshot store not open")
	}
	next := cloneObjects(s.objects)
	for _, obj := range batch.Upserts {
		next[obj.ID] = obj.Clone()
	}
	for _, id := range batch.Deletes {
		delete(next, id)
	}
	if err := s.flush(next); err != nil {
		return err
	}
	s.objects = next
	return nil
}

func (s *Store) flush(objects map[string]domain.Object) error {
	payload, err := json.Marshal(objects)
	if err != nil {
		return fmt.Errorf("encode objects: %w", err)
	}
	doc := document{
		Format:        formatTag,
		SchemaVersion: s.schema.Version,
		Fingerprint:   s.schema.Fingerprint(),
		Checksum:      checksum(payload),
		WrittenAt:     time.Now().UTC(),
		Objects:       payload,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// ExportRaw implements domain.RawExporter.
func (s *Store) ExportRaw(_ context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Close implements domain.Backend.
func (s *Store) Close() error {
	s.open = false
	err := s.lock.Release()
	s.lock = nil
	return err
}

func cloneObjects(in map[string]domain.Object) map[string]domain.Object {
	out := make(map[string]domain.Object, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}
