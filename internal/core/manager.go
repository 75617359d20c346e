// Package core implements the persistence manager: the store coordinator,
// the root/main/child context hierarchy and the save pipeline that carries
// changes from a child context to durable storage.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"storestack/internal/lifecycle"
	"storestack/pkg/domain"
)

// DefaultUnitOfWorkLabel labels units of work started without a label.
const DefaultUnitOfWorkLabel = "unit-of-work"

// Manager owns a store coordinator and the Root and Main contexts over it.
type Manager struct {
	coord  *Coordinator
	schema domain.Schema

	rules      *domain.RulesEngine
	userRules  *domain.RulesEngine
	policy     MergePolicy
	cleaner    Cleaner
	quarantine Quarantiner

	onSaveError SaveErrorHandler
	logger      Logger
	metrics     MetricsRecorder
	tracer      Tracer
	audit       AuditRecorder
	clock       Clock

	initMu sync.Mutex
	root   *Context
	main   *Context
	closed atomic.Bool
}

// NewManager constructs a manager over backend. The store is opened lazily
// on first use.
func NewManager(backend domain.Backend, schema domain.Schema, opts ...Option) *Manager {
	m := &Manager{
		schema:  schema,
		policy:  MergeChildWins,
		cleaner: noopCleaner{},
		logger:  noopLogger{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		audit:   noopAudit{},
		clock:   systemClock{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.onSaveError == nil {
		m.onSaveError = func(_ context.Context, err error) {
			m.logger.Error("save failed", "error", err)
		}
	}
	rules := []domain.Rule{schema.Rule()}
	if m.userRules != nil {
		rules = append(rules, m.userRules.Rules()...)
	}
	m.rules = domain.NewRulesEngine(rules...)
	m.coord = NewCoordinator(backend, schema, m.quarantine, m.logger)
	return m
}

// Coordinator exposes the store coordinator for diagnostics.
func (m *Manager) Coordinator() *Coordinator { return m.coord }

// Schema returns the schema the store is opened with.
func (m *Manager) Schema() domain.Schema { return m.schema }

// Clock returns the clock that stamps object timestamps.
func (m *Manager) Clock() Clock { return m.clock }

// MergePolicy returns the configured merge policy.
func (m *Manager) MergePolicy() MergePolicy { return m.policy }

// IsResetOrCreatedOnLoad reports whether the store was missing, corrupt or
// schema-incompatible when it was first opened.
func (m *Manager) IsResetOrCreatedOnLoad() bool { return m.coord.ResetOrCreated() }

func (m *Manager) init(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.main != nil {
		return nil
	}
	err := m.observe(ctx, OpOpen, RootLabel, func(ctx context.Context) error {
		return m.coord.Open(ctx)
	})
	if err != nil {
		return err
	}
	root := newContext(m, nil, KindRoot, DomainBackground, RootLabel)
	root.committed = m.coord.Objects()
	m.root = root
	m.main = newContext(m, root, KindMain, DomainForeground, MainLabel)
	m.logger.Info("persistence stack ready",
		"driver", m.coord.Backend().Driver(),
		"location", m.coord.Backend().Location(),
		"objects", len(root.committed),
		"reset", m.coord.ResetOrCreated(),
	)
	return nil
}

// MainContext returns the foreground context, opening the store on first use.
func (m *Manager) MainContext(ctx context.Context) (*Context, error) {
	if err := m.init(ctx); err != nil {
		return nil, err
	}
	return m.main, nil
}

// RootContext returns the persistence-facing context.
func (m *Manager) RootContext(ctx context.Context) (*Context, error) {
	if err := m.init(ctx); err != nil {
		return nil, err
	}
	return m.root, nil
}

// NewChildContext returns a child of Main that the caller owns and may save
// later.
func (m *Manager) NewChildContext(ctx context.Context, label string) (*Context, error) {
	main, err := m.MainContext(ctx)
	if err != nil {
		return nil, err
	}
	if label == "" {
		label = DefaultUnitOfWorkLabel
	}
	return newContext(m, main, KindChild, DomainBackground, label), nil
}

// PerformUnitOfWork runs work synchronously against a fresh child of Main.
// The child is never saved implicitly. Errors and panics are returned as
// *CallbackError.
func (m *Manager) PerformUnitOfWork(ctx context.Context, label string, work UnitOfWork) error {
	if label == "" {
		label = DefaultUnitOfWorkLabel
	}
	if work == nil {
		return &CallbackError{Label: label, Err: errors.New("nil unit of work")}
	}
	child, err := m.NewChildContext(ctx, label)
	if err != nil {
		return err
	}
	start := time.Now()
	err = m.observe(ctx, OpUnitOfWork, label, func(ctx context.Context) error {
		return runUnitOfWork(ctx, work, child, label)
	})
	m.logger.Debug("unit of work finished", "label", label, "duration", time.Since(start), "error", err)
	return err
}

func runUnitOfWork(ctx context.Context, work UnitOfWork, wc *Context, label string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{Label: label, Panic: r}
		}
	}()
	if werr := work.Perform(ctx, wc, label); werr != nil {
		return &CallbackError{Label: label, Err: werr}
	}
	return nil
}

// Save runs the save pipeline on wc: optional cleanup, validation, push to
// the parent, and recursive saves up to the durable write at Root.
func (m *Manager) Save(ctx context.Context, wc *Context, cleanUpOldObjects bool) error {
	if wc == nil {
		return errors.New("save: nil context")
	}
	if wc.manager != m {
		return ErrForeignContext
	}
	if m.closed.Load() {
		return ErrClosed
	}
	err := m.observe(ctx, OpSave, wc.label, func(ctx context.Context) error {
		return m.save(ctx, wc, cleanUpOldObjects)
	})
	// Every save lock is released here, so the handler may save again.
	var se *SaveError
	if errors.As(err, &se) {
		m.onSaveError(ctx, se)
	}
	return err
}

// SaveMain saves the Main context.
func (m *Manager) SaveMain(ctx context.Context, cleanUpOldObjects bool) error {
	main, err := m.MainContext(ctx)
	if err != nil {
		return err
	}
	return m.Save(ctx, main, cleanUpOldObjects)
}

func (m *Manager) save(ctx context.Context, wc *Context, cleanup bool) error {
	wc.saveMu.Lock()
	defer wc.saveMu.Unlock()

	if cleanup {
		if err := m.cleaner.Clean(ctx, wc); err != nil {
			return m.fail(ctx, wc, StageCleanup, err)
		}
	}

	wc.mu.Lock()
	if len(wc.pending) == 0 {
		wc.mu.Unlock()
		// An ancestor may still hold changes from an earlier failed save.
		if wc.parent == nil {
			return nil
		}
		return m.save(ctx, wc.parent, false)
	}
	if err := m.validateLocked(ctx, wc); err != nil {
		wc.mu.Unlock()
		return m.fail(ctx, wc, StageValidate, err)
	}
	if wc.parent == nil {
		err := m.persistLocked(ctx, wc)
		wc.mu.Unlock()
		if err != nil {
			return m.fail(ctx, wc, StagePersist, err)
		}
		return nil
	}

	parent := wc.parent
	parent.mu.Lock()
	err := wc.pushLocked(parent, m.policy)
	parent.mu.Unlock()
	wc.mu.Unlock()
	if err != nil {
		return m.fail(ctx, wc, StageMerge, err)
	}
	return m.save(ctx, parent, false)
}

func (m *Manager) validateLocked(ctx context.Context, wc *Context) error {
	res, err := m.rules.Evaluate(ctx, lockedView{c: wc}, wc.changesLocked())
	if err != nil {
		return err
	}
	for _, v := range res.Violations {
		switch v.Severity {
		case domain.SeverityWarn:
			m.logger.Warn("rule warning", "context", wc.label, "rule", v.Rule, "object", v.ObjectID, "message", v.Message)
		case domain.SeverityLog:
			m.logger.Info("rule note", "context", wc.label, "rule", v.Rule, "object", v.ObjectID, "message", v.Message)
		}
	}
	if res.HasBlocking() {
		return &ValidationError{Label: wc.label, Result: res}
	}
	return nil
}

// persistLocked writes Root's pending set and folds it into the committed
// mirror once the write has succeeded. The caller holds root.mu.
func (m *Manager) persistLocked(ctx context.Context, root *Context) error {
	var batch domain.Batch
	for _, id := range root.order {
		e := root.pending[id]
		if e.deleted {
			batch.Deletes = append(batch.Deletes, id)
			continue
		}
		batch.Upserts = append(batch.Upserts, e.object.Clone())
	}
	start := time.Now()
	err := m.observe(ctx, OpPersist, root.label, func(ctx context.Context) error {
		return m.coord.Persist(ctx, batch)
	})
	if err != nil {
		return err
	}
	for _, obj := range batch.Upserts {
		root.committed[obj.ID] = obj
	}
	for _, id := range batch.Deletes {
		delete(root.committed, id)
	}
	root.clearLocked()
	m.logger.Debug("store written", "upserts", len(batch.Upserts), "deletes", len(batch.Deletes), "duration", time.Since(start))
	return nil
}

func (m *Manager) fail(_ context.Context, wc *Context, stage SaveStage, err error) error {
	return &SaveError{Label: wc.label, Stage: stage, Err: err}
}

// Repersist saves Main and then rewrites Root's full state, including any
// changes stranded by a failed write, into a recreated store. It is used
// after the store file was lost.
func (m *Manager) Repersist(ctx context.Context) error {
	saveErr := m.SaveMain(ctx, false)
	var se *SaveError
	if saveErr != nil && (!errors.As(saveErr, &se) || se.Stage != StagePersist) {
		return saveErr
	}
	root, err := m.RootContext(ctx)
	if err != nil {
		return err
	}
	return m.observe(ctx, OpRepersist, root.label, func(ctx context.Context) error {
		root.saveMu.Lock()
		defer root.saveMu.Unlock()
		root.mu.Lock()
		defer root.mu.Unlock()
		state := make(map[string]domain.Object, len(root.committed)+len(root.pending))
		for id, obj := range root.committed {
			state[id] = obj
		}
		for id, e := range root.pending {
			if e.deleted {
				delete(state, id)
				continue
			}
			state[id] = e.object.Clone()
		}
		objects := sortedClones(state)
		if err := m.coord.Restore(ctx, objects); err != nil {
			return errors.Join(saveErr, err)
		}
		root.committed = state
		root.clearLocked()
		m.logger.Info("store re-persisted", "location", m.coord.Backend().Location(), "objects", len(objects))
		return nil
	})
}

// HandleEvent reacts to a host lifecycle event. Background and terminate
// events save Main with cleanup; store loss re-persists.
func (m *Manager) HandleEvent(ctx context.Context, ev lifecycle.Event) error {
	m.logger.Debug("lifecycle event", "event", string(ev))
	switch ev {
	case lifecycle.EventBackground, lifecycle.EventTerminate:
		return m.SaveMain(ctx, true)
	case lifecycle.EventStoreLost:
		return m.Repersist(ctx)
	}
	return fmt.Errorf("unknown lifecycle event %q", ev)
}

// Attach subscribes HandleEvent to hub and returns the unsubscribe function.
func (m *Manager) Attach(hub *lifecycle.Hub) func() {
	return hub.Subscribe(m.HandleEvent)
}

// Close releases the store. Unsaved changes are discarded.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if err := m.coord.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
