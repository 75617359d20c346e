package core

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"storestack/internal/blob"
	"storestack/internal/infra/filelock"
	"storestack/internal/infra/persistence/memory"
	"storestack/internal/infra/persistence/snapshot"
	"storestack/internal/lifecycle"
	"storestack/pkg/domain"
)

func newSnapshotManager(t *testing.T, path string, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(snapshot.NewStore(path, 200*time.Millisecond), testSchema, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func insertViaUnitOfWork(t *testing.T, m *Manager, attrs domain.Attributes) domain.Object {
	t.Helper()
	var created domain.Object
	err := m.PerformUnitOfWork(context.Background(), "insert", UnitOfWorkFunc(func(ctx context.Context, wc *Context, _ string) error {
		obj, err := wc.Insert("note", attrs)
		if err != nil {
			return err
		}
		created = obj
		return m.Save(ctx, wc, false)
	}))
	if err != nil {
		t.Fatalf("unit of work: %v", err)
	}
	return created
}

func TestDurableMergeAcrossManagers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	first := newSnapshotManager(t, path)
	a := insertViaUnitOfWork(t, first, domain.Attributes{"title": "a"})
	b := insertViaUnitOfWork(t, first, domain.Attributes{"title": "b"})
	err := first.PerformUnitOfWork(context.Background(), "edit", UnitOfWorkFunc(func(ctx context.Context, wc *Context, _ string) error {
		if _, err := wc.Update(a.ID, setAttr("title", "a2")); err != nil {
			return err
		}
		if err := wc.Delete(b.ID); err != nil {
			return err
		}
		return first.Save(ctx, wc, false)
	}))
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !first.IsResetOrCreatedOnLoad() {
		t.Fatalf("a fresh store must report reset or created")
	}
	want := mustMain(t, first).List("")
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := newSnapshotManager(t, path)
	got := mustMain(t, second).List("")
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("reloaded state mismatch (-want +got):\n%s", diff)
	}
	if len(got) != 1 || got[0].Attributes["title"] != "a2" {
		t.Fatalf("unexpected reloaded objects %+v", got)
	}
	if second.IsResetOrCreatedOnLoad() {
		t.Fatalf("a clean reopen must not report reset")
	}
}

func TestResetFlagOnSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	first := newSnapshotManager(t, path)
	insertViaUnitOfWork(t, first, domain.Attributes{"title": "a"})
	_ = first.Close()

	changed := testSchema
	changed.Version = 2
	m := NewManager(snapshot.NewStore(path, 0), changed)
	defer m.Close()
	main, err := m.MainContext(context.Background())
	if err != nil {
		t.Fatalf("main: %v", err)
	}
	if !m.IsResetOrCreatedOnLoad() || len(main.List("")) != 0 {
		t.Fatalf("schema mismatch must reset the store")
	}
	if m.Coordinator().State() != StateReady {
		t.Fatalf("expected ready, got %s", m.Coordinator().State())
	}
}

func TestCorruptStoreRecoveryAndQuarantine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt store: %v", err)
	}
	quarantine := blob.NewQuarantine(blob.NewMemory())
	logger := &captureLogger{}
	m := newSnapshotManager(t, path, WithQuarantine(quarantine), WithLogger(logger))

	a := insertViaUnitOfWork(t, m, domain.Attributes{"title": "A"})
	if !m.IsResetOrCreatedOnLoad() {
		t.Fatalf("corrupt store must set the reset flag")
	}
	if !logger.has("warn", "store unusable, recreating") || !logger.has("info", "store quarantined") {
		t.Fatalf("expected recovery to be logged, got %+v", logger.entries)
	}

	archived, err := quarantine.List(context.Background())
	if err != nil || len(archived) != 1 {
		t.Fatalf("expected one quarantined blob, got %v %v", archived, err)
	}
	info, rc, err := quarantine.Store().Get(context.Background(), archived[0].Key)
	if err != nil {
		t.Fatalf("get quarantined: %v", err)
	}
	raw, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(raw) != "{not json" || info.Metadata["reason"] != string(domain.LoadCorrupt) || info.Metadata["location"] != path {
		t.Fatalf("unexpected quarantine %q %+v", raw, info.Metadata)
	}
	if !strings.HasPrefix(archived[0].Key, blob.QuarantinePrefix+"store.json-") {
		t.Fatalf("unexpected quarantine key %s", archived[0].Key)
	}
	_ = m.Close()

	reopened := newSnapshotManager(t, path)
	got := mustMain(t, reopened).List("")
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("store must contain exactly {A}, got %+v", got)
	}
	if reopened.IsResetOrCreatedOnLoad() {
		t.Fatalf("reopen after recovery must be clean")
	}
}

func TestQuarantineSkippedForMissingStore(t *testing.T) {
	quarantine := blob.NewQuarantine(blob.NewMemory())
	m, _ := newMemoryManager(t, WithQuarantine(quarantine))
	mustMain(t, m)
	if list, _ := quarantine.List(context.Background()); len(list) != 0 {
		t.Fatalf("a missing store has nothing to quarantine, got %v", list)
	}
}

func TestQuarantineFailureIsNotFatal(t *testing.T) {
	m, store := newMemoryManager(t, WithQuarantine(failingQuarantine{}))
	store.MarkCorrupt([]byte("junk"))
	if _, err := m.MainContext(context.Background()); err != nil {
		t.Fatalf("quarantine failure must not block recovery: %v", err)
	}
	if !m.IsResetOrCreatedOnLoad() {
		t.Fatalf("expected reset flag")
	}
}

type failingQuarantine struct{}

func (failingQuarantine) Archive(context.Context, string, io.Reader, map[string]string) (string, error) {
	return "", errors.New("archive unavailable")
}

func TestSecondWriterFailsToLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	first := newSnapshotManager(t, path)
	mustMain(t, first)

	second := newSnapshotManager(t, path)
	_, err := second.MainContext(context.Background())
	if !errors.Is(err, filelock.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	var loadErr *domain.LoadError
	if errors.As(err, &loadErr) {
		t.Fatalf("a lock failure must not be a load error")
	}
	if second.IsResetOrCreatedOnLoad() || second.Coordinator().State() != StateUnopened {
		t.Fatalf("a hard failure must not reset and must leave the coordinator unopened")
	}

	_ = first.Close()
	if _, err := second.MainContext(context.Background()); err != nil {
		t.Fatalf("open after the first writer closed: %v", err)
	}
	if second.IsResetOrCreatedOnLoad() {
		t.Fatalf("store created by the first writer must load cleanly")
	}
}

func TestSaveWithoutChangesPerformsNoIO(t *testing.T) {
	m, store := newMemoryManager(t)
	main := mustMain(t, m)
	child := mustChild(t, m, "empty")
	for _, wc := range []*Context{child, main, main.Parent()} {
		if err := m.Save(context.Background(), wc, false); err != nil {
			t.Fatalf("save %s: %v", wc.Label(), err)
		}
	}
	if err := m.SaveMain(context.Background(), true); err != nil {
		t.Fatalf("save main: %v", err)
	}
	if store.Writes() != 0 {
		t.Fatalf("expected zero writes, got %d", store.Writes())
	}
}

func TestSaveCleanupDeletesOldObjects(t *testing.T) {
	clock := newFixedClock()
	cutoff := clock.Now()
	cleaner := CleanerFunc(func(_ context.Context, wc *Context) error {
		for _, obj := range wc.List("") {
			if obj.CreatedAt.Before(cutoff) {
				if err := wc.Delete(obj.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	m, store := newMemoryManager(t, WithClock(clock), WithCleaner(cleaner))
	main := mustMain(t, m)
	old, err := main.InsertObject(domain.Object{Entity: "note", Attributes: domain.Attributes{"title": "old"}, CreatedAt: cutoff.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("insert old: %v", err)
	}
	fresh := mustInsert(t, main, "note", domain.Attributes{"title": "fresh"})
	if err := m.SaveMain(context.Background(), false); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok := store.Objects()[old.ID]; !ok {
		t.Fatalf("save without cleanup must keep old objects")
	}

	if err := m.SaveMain(context.Background(), true); err != nil {
		t.Fatalf("save with cleanup: %v", err)
	}
	objects := store.Objects()
	if _, ok := objects[old.ID]; ok {
		t.Fatalf("cleanup must delete objects older than the cutoff")
	}
	if _, ok := objects[fresh.ID]; !ok {
		t.Fatalf("cleanup must keep fresh objects")
	}
}

func TestCleanupErrorAbortsSave(t *testing.T) {
	handler := &saveErrors{}
	boom := errors.New("cleanup failed")
	m, store := newMemoryManager(t,
		WithCleanerFunc(func(context.Context, *Context) error { return boom }),
		WithSaveErrorHandler(handler.handle),
	)
	main := mustMain(t, m)
	mustInsert(t, main, "note", domain.Attributes{"title": "a"})
	err := m.SaveMain(context.Background(), true)
	if !errors.Is(err, boom) {
		t.Fatalf("expected cleanup error, got %v", err)
	}
	if se := requireErrorAs[*SaveError](t, err); se.Stage != StageCleanup {
		t.Fatalf("unexpected stage %s", se.Stage)
	}
	if handler.count() != 1 || store.Writes() != 0 || !main.HasChanges() {
		t.Fatalf("cleanup failure must reach the hook and abort the save")
	}
}

func TestValidationErrorInvokesHookAndRetrySucceeds(t *testing.T) {
	handler := &saveErrors{}
	m, store := newMemoryManager(t, WithSaveErrorHandler(handler.handle))
	main := mustMain(t, m)
	bad := mustInsert(t, main, "note", domain.Attributes{"body": "no title"})

	err := m.SaveMain(context.Background(), false)
	verr := requireErrorAs[*ValidationError](t, err)
	if verr.Label != MainLabel || !verr.Result.HasBlocking() {
		t.Fatalf("unexpected validation error %+v", verr)
	}
	var ruleErr domain.RuleViolationError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("validation error must unwrap to RuleViolationError")
	}
	if handler.count() != 1 || requireErrorAs[*SaveError](t, handler.last()).Stage != StageValidate {
		t.Fatalf("expected the hook to see one validate failure")
	}
	if main.Parent().HasChanges() || store.Writes() != 0 {
		t.Fatalf("root and the store must be untouched")
	}

	if _, err := main.Update(bad.ID, setAttr("title", "fixed")); err != nil {
		t.Fatalf("fix: %v", err)
	}
	if err := m.SaveMain(context.Background(), false); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if store.Writes() != 1 || len(store.Objects()) != 1 {
		t.Fatalf("retry must write the fixed object")
	}
}

func TestValidationRunsUserRulesAndLogsWarnings(t *testing.T) {
	logger := &captureLogger{}
	var seen []domain.Change
	rules := domain.NewRulesEngine(domain.RuleFunc{
		RuleName: "unique-title",
		Fn: func(_ context.Context, view domain.View, changes []domain.Change) (domain.Result, error) {
			seen = changes
			var res domain.Result
			titles := map[any]int{}
			for _, obj := range view.ListObjects("note") {
				titles[obj.Attributes["title"]]++
			}
			for title, n := range titles {
				if n > 1 {
					res.Violations = append(res.Violations, domain.Violation{Rule: "unique-title", Severity: domain.SeverityBlock, Message: "duplicate title"})
				}
				if title == "warn" {
					res.Violations = append(res.Violations, domain.Violation{Rule: "unique-title", Severity: domain.SeverityWarn, Message: "suspicious"})
				}
			}
			return res, nil
		},
	})
	m, _ := newMemoryManager(t, WithRulesEngine(rules), WithLogger(logger))
	child := mustChild(t, m, "rules")
	mustInsert(t, child, "note", domain.Attributes{"title": "warn"})
	mustSave(t, m, child)
	if len(seen) != 1 || seen[0].Action != domain.ActionCreate {
		t.Fatalf("rule must see the pending changes, got %+v", seen)
	}
	if !logger.has("warn", "rule warning") {
		t.Fatalf("expected warning to be logged")
	}

	dup := mustChild(t, m, "dup")
	mustInsert(t, dup, "note", domain.Attributes{"title": "warn"})
	err := m.Save(context.Background(), dup, false)
	if verr := requireErrorAs[*ValidationError](t, err); verr.Label != "dup" {
		t.Fatalf("expected the child save to fail validation, got %v", err)
	}
}

func TestWriteFailureKeepsRootPending(t *testing.T) {
	handler := &saveErrors{}
	m, store := newMemoryManager(t, WithSaveErrorHandler(handler.handle))
	main := mustMain(t, m)
	obj := mustInsert(t, main, "note", domain.Attributes{"title": "a"})

	store.FailWrites(errors.New("disk full"))
	err := m.SaveMain(context.Background(), false)
	ioErr := requireErrorAs[*domain.IOError](t, err)
	if ioErr.Op != "write" {
		t.Fatalf("unexpected io error %+v", ioErr)
	}
	se := requireErrorAs[*SaveError](t, err)
	if se.Label != RootLabel || se.Stage != StagePersist || handler.count() != 1 {
		t.Fatalf("expected one persist failure at root, got %+v (%d)", se, handler.count())
	}
	root := main.Parent()
	if !root.HasChanges() {
		t.Fatalf("root must keep its pending set after a failed write")
	}
	if _, err := root.Get(obj.ID); err != nil {
		t.Fatalf("root must still show the staged object: %v", err)
	}

	store.FailWrites(nil)
	if err := m.Save(context.Background(), root, false); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, ok := store.Objects()[obj.ID]; !ok || root.HasChanges() {
		t.Fatalf("retry must persist and drain root")
	}
}

func TestSaveMainRetriesAfterWriteFailure(t *testing.T) {
	m, store := newMemoryManager(t)
	main := mustMain(t, m)
	obj := mustInsert(t, main, "note", domain.Attributes{"title": "a"})

	store.FailWrites(errors.New("disk full"))
	if err := m.SaveMain(context.Background(), false); err == nil {
		t.Fatalf("expected write failure")
	}
	if main.HasChanges() {
		t.Fatalf("main must have pushed its changes to root")
	}

	store.FailWrites(nil)
	if err := m.SaveMain(context.Background(), false); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, ok := store.Objects()[obj.ID]; !ok || store.Writes() != 1 {
		t.Fatalf("retry through main must reach the store, writes=%d", store.Writes())
	}
	if main.Parent().HasChanges() {
		t.Fatalf("root must be drained after the retry")
	}
}

func TestEmptyChildSaveFlushesStrandedRootChanges(t *testing.T) {
	m, store := newMemoryManager(t)
	main := mustMain(t, m)
	obj := mustInsert(t, main, "note", domain.Attributes{"title": "a"})
	store.FailWrites(errors.New("disk full"))
	_ = m.SaveMain(context.Background(), false)
	store.FailWrites(nil)

	if err := m.Save(context.Background(), mustChild(t, m, "empty"), false); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok := store.Objects()[obj.ID]; !ok {
		t.Fatalf("saving any context must flush changes left at root")
	}
}

func TestSaveErrorHandlerMayRetry(t *testing.T) {
	var (
		m        *Manager
		store    *memory.Store
		retryErr error
		calls    int
	)
	handler := func(ctx context.Context, _ error) {
		calls++
		if calls > 1 {
			return
		}
		store.FailWrites(nil)
		retryErr = m.SaveMain(ctx, false)
	}
	m, store = newMemoryManager(t, WithSaveErrorHandler(handler))
	main := mustMain(t, m)
	obj := mustInsert(t, main, "note", domain.Attributes{"title": "a"})
	store.FailWrites(errors.New("disk full"))

	done := make(chan error, 1)
	go func() { done <- m.SaveMain(context.Background(), false) }()
	select {
	case err := <-done:
		if requireErrorAs[*SaveError](t, err).Stage != StagePersist {
			t.Fatalf("the first attempt must still report its failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("save-error handler could not save again")
	}
	if retryErr != nil || calls != 1 {
		t.Fatalf("retry from handler: err=%v calls=%d", retryErr, calls)
	}
	if _, ok := store.Objects()[obj.ID]; !ok {
		t.Fatalf("retry from handler must persist")
	}
}

// flakyBackend fails the next failures writes, then behaves normally.
type flakyBackend struct {
	*memory.Store
	mu       sync.Mutex
	failures int
}

func (b *flakyBackend) Write(ctx context.Context, batch domain.Batch) error {
	b.mu.Lock()
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return errors.New("transient write failure")
	}
	b.mu.Unlock()
	return b.Store.Write(ctx, batch)
}

func (b *flakyBackend) fail(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = n
}

func TestRepersistWritesStrandedRootChanges(t *testing.T) {
	backend := &flakyBackend{Store: memory.NewStore()}
	m := NewManager(backend, testSchema)
	t.Cleanup(func() { _ = m.Close() })
	main := mustMain(t, m)
	kept := insertViaUnitOfWork(t, m, domain.Attributes{"title": "kept"})
	stranded := mustInsert(t, main, "note", domain.Attributes{"title": "stranded"})

	// The first save and the save inside Repersist both fail; the restore
	// write succeeds.
	backend.fail(2)
	if err := m.SaveMain(context.Background(), false); err == nil {
		t.Fatalf("expected write failure")
	}
	if err := m.Repersist(context.Background()); err != nil {
		t.Fatalf("repersist: %v", err)
	}
	objects := backend.Objects()
	if _, ok := objects[kept.ID]; !ok {
		t.Fatalf("committed object lost on repersist")
	}
	if _, ok := objects[stranded.ID]; !ok {
		t.Fatalf("root pending object lost on repersist")
	}
	if main.Parent().HasChanges() {
		t.Fatalf("repersist must drain root")
	}
}

func TestDefaultSaveErrorHandlerLogs(t *testing.T) {
	logger := &captureLogger{}
	m, store := newMemoryManager(t, WithLogger(logger))
	main := mustMain(t, m)
	mustInsert(t, main, "note", domain.Attributes{"title": "a"})
	store.FailWrites(errors.New("disk full"))
	if err := m.SaveMain(context.Background(), false); err == nil {
		t.Fatalf("expected error")
	}
	if !logger.has("error", "save failed") {
		t.Fatalf("expected default handler to log at error level")
	}
}

func TestPerformUnitOfWork(t *testing.T) {
	logger := &captureLogger{}
	m, store := newMemoryManager(t, WithLogger(logger))

	var labels []string
	var contexts []*Context
	work := UnitOfWorkFunc(func(_ context.Context, wc *Context, label string) error {
		labels = append(labels, label)
		contexts = append(contexts, wc)
		_, err := wc.Insert("note", domain.Attributes{"title": label})
		return err
	})
	if err := m.PerformUnitOfWork(context.Background(), "", work); err != nil {
		t.Fatalf("perform: %v", err)
	}
	if err := m.PerformUnitOfWork(context.Background(), "named", work); err != nil {
		t.Fatalf("perform: %v", err)
	}
	if diff := cmp.Diff([]string{DefaultUnitOfWorkLabel, "named"}, labels); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}
	if contexts[0] == contexts[1] || contexts[0].Parent() != mustMain(t, m) {
		t.Fatalf("each unit of work needs a private child of main")
	}
	if store.Writes() != 0 || len(mustMain(t, m).List("")) != 0 {
		t.Fatalf("units of work must never save implicitly")
	}
	if !logger.has("debug", "unit of work finished") {
		t.Fatalf("expected debug log for unit of work")
	}
}

func TestPerformUnitOfWorkErrorsAndPanics(t *testing.T) {
	m, _ := newMemoryManager(t)
	boom := errors.New("boom")
	err := m.PerformUnitOfWork(context.Background(), "fails", UnitOfWorkFunc(func(context.Context, *Context, string) error {
		return boom
	}))
	cbErr := requireErrorAs[*CallbackError](t, err)
	if cbErr.Label != "fails" || !errors.Is(err, boom) {
		t.Fatalf("unexpected callback error %+v", cbErr)
	}

	err = m.PerformUnitOfWork(context.Background(), "panics", UnitOfWorkFunc(func(context.Context, *Context, string) error {
		panic("kaboom")
	}))
	cbErr = requireErrorAs[*CallbackError](t, err)
	if cbErr.Panic != "kaboom" || cbErr.Label != "panics" {
		t.Fatalf("unexpected panic error %+v", cbErr)
	}
	if err := m.PerformUnitOfWork(context.Background(), "nil", nil); err == nil {
		t.Fatalf("expected error for nil unit of work")
	}
}

func TestConcurrentUnitsOfWorkAreIsolated(t *testing.T) {
	m, store := newMemoryManager(t)
	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- m.PerformUnitOfWork(context.Background(), "worker", UnitOfWorkFunc(func(ctx context.Context, wc *Context, _ string) error {
				mine, err := wc.Insert("note", domain.Attributes{"title": "w", "rank": i})
				if err != nil {
					return err
				}
				main, err := m.MainContext(ctx)
				if err != nil {
					return err
				}
				// Anything else this child sees must already be saved into main.
				for _, obj := range wc.List("note") {
					if obj.ID == mine.ID {
						continue
					}
					if _, err := main.Get(obj.ID); err != nil {
						return errors.New("observed another unit's unsaved object")
					}
				}
				return m.Save(ctx, wc, false)
			}))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("worker: %v", err)
		}
	}
	if got := len(store.Objects()); got != workers {
		t.Fatalf("expected %d stored objects, got %d", workers, got)
	}
}

func TestLifecycleEventsTriggerSaves(t *testing.T) {
	clock := newFixedClock()
	var cleaned []string
	m, store := newMemoryManager(t, WithClock(clock), WithCleanerFunc(func(_ context.Context, wc *Context) error {
		cleaned = append(cleaned, wc.Label())
		return nil
	}))
	hub := lifecycle.NewHub()
	unsubscribe := m.Attach(hub)
	defer unsubscribe()

	main := mustMain(t, m)
	obj := mustInsert(t, main, "note", domain.Attributes{"title": "a"})
	if err := hub.Publish(context.Background(), lifecycle.EventBackground); err != nil {
		t.Fatalf("background: %v", err)
	}
	if _, ok := store.Objects()[obj.ID]; !ok {
		t.Fatalf("background must save main")
	}
	mustInsert(t, main, "note", domain.Attributes{"title": "b"})
	if err := hub.Publish(context.Background(), lifecycle.EventTerminate); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if len(store.Objects()) != 2 {
		t.Fatalf("terminate must save main")
	}
	if diff := cmp.Diff([]string{MainLabel, MainLabel}, cleaned); diff != "" {
		t.Fatalf("lifecycle saves must clean up (-want +got):\n%s", diff)
	}
	if err := m.HandleEvent(context.Background(), lifecycle.Event("bogus")); err == nil {
		t.Fatalf("expected error for unknown event")
	}
}

func TestStoreLostRepersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	m := newSnapshotManager(t, path)
	hub := lifecycle.NewHub()
	m.Attach(hub)

	a := insertViaUnitOfWork(t, m, domain.Attributes{"title": "a"})
	main := mustMain(t, m)
	pending := mustInsert(t, main, "note", domain.Attributes{"title": "unsaved"})

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove store: %v", err)
	}
	if err := hub.Publish(context.Background(), lifecycle.EventStoreLost); err != nil {
		t.Fatalf("store lost: %v", err)
	}
	if !m.IsResetOrCreatedOnLoad() {
		t.Fatalf("repersist must not clear the reset flag set on first open")
	}
	_ = m.Close()

	reopened := newSnapshotManager(t, path)
	ids := map[string]bool{}
	for _, obj := range mustMain(t, reopened).List("") {
		ids[obj.ID] = true
	}
	if !ids[a.ID] || !ids[pending.ID] || len(ids) != 2 {
		t.Fatalf("expected saved and main-pending objects after repersist, got %v", ids)
	}
	if reopened.IsResetOrCreatedOnLoad() {
		t.Fatalf("repersisted store must load cleanly")
	}
}

func TestManagerCloseAndForeignContexts(t *testing.T) {
	m, _ := newMemoryManager(t)
	other, _ := newMemoryManager(t)
	foreign := mustChild(t, other, "foreign")
	if err := m.Save(context.Background(), foreign, false); !errors.Is(err, ErrForeignContext) {
		t.Fatalf("expected ErrForeignContext, got %v", err)
	}
	if err := m.Save(context.Background(), nil, false); err == nil {
		t.Fatalf("expected error for nil context")
	}
	mustMain(t, m)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := m.MainContext(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestObservabilityHooks(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	tracer := &captureTracer{}
	audit := &captureAuditRecorder{}
	m, store := newMemoryManager(t, WithMetricsRecorder(metrics), WithTracer(tracer), WithAuditRecorder(audit))

	insertViaUnitOfWork(t, m, domain.Attributes{"title": "a"})
	for _, op := range []string{OpOpen, OpUnitOfWork, OpSave, OpPersist} {
		if !metrics.has(op, true) || !tracer.has(op, true) || !audit.has(op, AuditStatusSuccess, "") {
			t.Fatalf("expected successful %s to be observed", op)
		}
	}
	if !audit.has(OpUnitOfWork, AuditStatusSuccess, "insert") {
		t.Fatalf("expected the unit of work label in the audit entry")
	}

	store.FailWrites(errors.New("disk full"))
	main := mustMain(t, m)
	mustInsert(t, main, "note", domain.Attributes{"title": "b"})
	_ = m.SaveMain(context.Background(), false)
	if !metrics.has(OpPersist, false) || !tracer.has(OpSave, false) || !audit.has(OpSave, AuditStatusError, MainLabel) {
		t.Fatalf("expected failed persist to be observed")
	}
}
