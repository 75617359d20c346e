package core

import (
	"context"
	"errors"
	"io"
	"testing"

	"storestack/internal/infra/persistence/memory"
	"storestack/pkg/domain"
)

// scriptedBackend wraps the memory backend with injectable failures.
type scriptedBackend struct {
	*memory.Store
	openErr     error
	recreateErr error
	recreates   int
}

func (b *scriptedBackend) Open(ctx context.Context, schema domain.Schema) (domain.Snapshot, error) {
	if b.openErr != nil {
		return domain.Snapshot{}, b.openErr
	}
	return b.Store.Open(ctx, schema)
}

func (b *scriptedBackend) Recreate(ctx context.Context, schema domain.Schema) error {
	b.recreates++
	if b.recreateErr != nil {
		return b.recreateErr
	}
	return b.Store.Recreate(ctx, schema)
}

// ExportRaw hides the embedded exporter so quarantine is skipped.
func (b *scriptedBackend) ExportRaw(context.Context) (io.ReadCloser, error) {
	return nil, errors.New("not exportable")
}

func TestCoordinatorStates(t *testing.T) {
	for _, tc := range []struct {
		state StoreState
		want  string
	}{
		{StateUnopened, "unopened"},
		{StateOpening, "opening"},
		{StateRecreating, "recreating"},
		{StateReady, "ready"},
		{StoreState(9), "state(9)"},
	} {
		if got := tc.state.String(); got != tc.want {
			t.Fatalf("%d: got %q want %q", tc.state, got, tc.want)
		}
	}
}

func TestCoordinatorOpenIsIdempotent(t *testing.T) {
	backend := &scriptedBackend{Store: memory.NewStore()}
	coord := NewCoordinator(backend, testSchema, nil, nil)
	ctx := context.Background()
	if err := coord.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := coord.Open(ctx); err != nil {
		t.Fatalf("second open: %v", err)
	}
	if backend.recreates != 1 || !coord.ResetOrCreated() || coord.State() != StateReady {
		t.Fatalf("expected exactly one recreate, got %d", backend.recreates)
	}
}

func TestCoordinatorHardOpenErrorDoesNotReset(t *testing.T) {
	denied := errors.New("permission denied")
	backend := &scriptedBackend{Store: memory.NewStore(), openErr: denied}
	coord := NewCoordinator(backend, testSchema, nil, nil)
	err := coord.Open(context.Background())
	if !errors.Is(err, denied) {
		t.Fatalf("expected hard error, got %v", err)
	}
	if backend.recreates != 0 || coord.ResetOrCreated() || coord.State() != StateUnopened {
		t.Fatalf("hard errors must not trigger a reset")
	}
	backend.openErr = nil
	if err := coord.Open(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestCoordinatorRecreateFailureReturnsToUnopened(t *testing.T) {
	backend := &scriptedBackend{Store: memory.NewStore(), recreateErr: errors.New("read-only filesystem")}
	coord := NewCoordinator(backend, testSchema, nil, nil)
	err := coord.Open(context.Background())
	var ioErr *domain.IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "recreate" {
		t.Fatalf("expected recreate io error, got %v", err)
	}
	if coord.State() != StateUnopened || coord.ResetOrCreated() {
		t.Fatalf("failed recreate must leave the coordinator unopened without the flag")
	}
	backend.recreateErr = nil
	if err := coord.Open(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !coord.ResetOrCreated() {
		t.Fatalf("expected flag after successful recreate")
	}
}

func TestCoordinatorPersistAndRestore(t *testing.T) {
	store := memory.NewStore()
	coord := NewCoordinator(store, testSchema, nil, nil)
	ctx := context.Background()
	obj := domain.Object{ID: "a", Entity: "note", Attributes: domain.Attributes{"title": "a"}}
	if err := coord.Persist(ctx, domain.Batch{Upserts: []domain.Object{obj}}); err == nil {
		t.Fatalf("persist before open must fail")
	}
	if err := coord.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := coord.Persist(ctx, domain.Batch{}); err != nil || store.Writes() != 0 {
		t.Fatalf("empty batch must not write")
	}
	if err := coord.Persist(ctx, domain.Batch{Upserts: []domain.Object{obj}}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	other := domain.Object{ID: "b", Entity: "note", Attributes: domain.Attributes{"title": "b"}}
	if err := coord.Restore(ctx, []domain.Object{other}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	objects := store.Objects()
	if _, ok := objects["a"]; ok || len(objects) != 1 {
		t.Fatalf("restore must replace the store contents, got %v", objects)
	}
	store.FailWrites(errors.New("disk full"))
	var ioErr *domain.IOError
	if err := coord.Restore(ctx, []domain.Object{obj}); !errors.As(err, &ioErr) || ioErr.Op != "restore" {
		t.Fatalf("expected restore io error, got %v", err)
	}
}
