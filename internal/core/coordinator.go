package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"storestack/pkg/domain"
)

// StoreState is the coordinator's position in the open lifecycle.
type StoreState int32

// Coordinator states.
const (
	StateUnopened StoreState = iota
	StateOpening
	StateRecreating
	StateReady
)

func (s StoreState) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateRecreating:
		return "recreating"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Quarantiner archives the bytes of a store that is about to be discarded
// and returns the archive key. *blob.Quarantine satisfies it.
type Quarantiner interface {
	Archive(ctx context.Context, name string, r io.Reader, meta map[string]string) (string, error)
}

// Coordinator owns a backend: it loads the store, recovers unreadable
// stores by recreating them, and serializes durable writes.
type Coordinator struct {
	backend    domain.Backend
	schema     domain.Schema
	quarantine Quarantiner
	logger     Logger

	mu       sync.Mutex
	state    atomic.Int32
	reset    atomic.Bool
	snapshot domain.Snapshot
}

// NewCoordinator wraps backend. quarantine and logger may be nil.
func NewCoordinator(backend domain.Backend, schema domain.Schema, quarantine Quarantiner, logger Logger) *Coordinator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Coordinator{backend: backend, schema: schema, quarantine: quarantine, logger: logger}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() StoreState { return StoreState(c.state.Load()) }

// ResetOrCreated reports whether the initial open found the store missing,
// corrupt or written under another schema.
func (c *Coordinator) ResetOrCreated() bool { return c.reset.Load() }

// Backend returns the wrapped backend.
func (c *Coordinator) Backend() domain.Backend { return c.backend }

// Open loads the store once. Load errors are recovered by recreating the
// store; any other error leaves the coordinator unopened.
func (c *Coordinator) Open(ctx context.Context) error {
	if c.State() == StateReady {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateReady {
		return nil
	}
	c.state.Store(int32(StateOpening))
	snap, err := c.backend.Open(ctx, c.schema)
	if err == nil {
		c.snapshot = snap
		c.state.Store(int32(StateReady))
		c.logger.Debug("store opened", "driver", c.backend.Driver(), "location", c.backend.Location(), "objects", len(snap.Objects))
		return nil
	}
	var loadErr *domain.LoadError
	if !errors.As(err, &loadErr) {
		c.state.Store(int32(StateUnopened))
		return fmt.Errorf("open %s store: %w", c.backend.Driver(), err)
	}

	c.state.Store(int32(StateRecreating))
	c.logger.Warn("store unusable, recreating",
		"driver", c.backend.Driver(),
		"location", c.backend.Location(),
		"reason", string(loadErr.Reason),
		"error", loadErr,
	)
	if loadErr.Reason != domain.LoadMissing {
		c.quarantineLocked(ctx, loadErr)
	}
	if err := c.backend.Recreate(ctx, c.schema); err != nil {
		c.state.Store(int32(StateUnopened))
		return &domain.IOError{Op: "recreate", Location: c.backend.Location(), Err: err}
	}
	c.snapshot = domain.Snapshot{
		SchemaVersion: c.schema.Version,
		Fingerprint:   c.schema.Fingerprint(),
		Objects:       map[string]domain.Object{},
	}
	c.reset.Store(true)
	c.state.Store(int32(StateReady))
	return nil
}

func (c *Coordinator) quarantineLocked(ctx context.Context, loadErr *domain.LoadError) {
	if c.quarantine == nil {
		return
	}
	exporter, ok := c.backend.(domain.RawExporter)
	if !ok {
		return
	}
	rc, err := exporter.ExportRaw(ctx)
	if err != nil {
		c.logger.Warn("quarantine export failed", "location", c.backend.Location(), "error", err)
		return
	}
	defer rc.Close()
	name := filepath.Base(c.backend.Location())
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = c.backend.Driver()
	}
	key, err := c.quarantine.Archive(ctx, name, rc, map[string]string{
		"reason":   string(loadErr.Reason),
		"location": c.backend.Location(),
	})
	if err != nil {
		c.logger.Warn("quarantine archive failed", "location", c.backend.Location(), "error", err)
		return
	}
	c.logger.Info("store quarantined", "location", c.backend.Location(), "key", key)
}

// Objects returns the state loaded by Open.
func (c *Coordinator) Objects() map[string]domain.Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.Object, len(c.snapshot.Objects))
	for id, obj := range c.snapshot.Objects {
		out[id] = obj.Clone()
	}
	return out
}

// Persist writes one batch. Empty batches perform no I/O.
func (c *Coordinator) Persist(ctx context.Context, batch domain.Batch) error {
	if batch.Empty() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateReady {
		return &domain.IOError{Op: "write", Location: c.backend.Location(), Err: errors.New("store not open")}
	}
	if err := c.backend.Write(ctx, batch); err != nil {
		return &domain.IOError{Op: "write", Location: c.backend.Location(), Err: err}
	}
	return nil
}

// Restore recreates the store and writes objects as its full contents.
// It does not change the reset flag.
func (c *Coordinator) Restore(ctx context.Context, objects []domain.Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateReady {
		return &domain.IOError{Op: "restore", Location: c.backend.Location(), Err: errors.New("store not open")}
	}
	if err := c.backend.Recreate(ctx, c.schema); err != nil {
		return &domain.IOError{Op: "restore", Location: c.backend.Location(), Err: err}
	}
	if len(objects) == 0 {
		return nil
	}
	if err := c.backend.Write(ctx, domain.Batch{Upserts: objects}); err != nil {
		return &domain.IOError{Op: "restore", Location: c.backend.Location(), Err: err}
	}
	return nil
}

// Close releases the backend.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Store(int32(StateUnopened))
	return c.backend.Close()
}
