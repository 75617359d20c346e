// Package app assembles a ready-to-use persistence stack from a Config:
// backend, quarantine store, cleanup policies, logging and lifecycle wiring.
// It is the only package outside infra that constructs infra backends.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"storestack/internal/blob"
	"storestack/internal/cleanup"
	"storestack/internal/config"
	"storestack/internal/core"
	"storestack/internal/infra/persistence/memory"
	"storestack/internal/infra/persistence/postgres"
	"storestack/internal/infra/persistence/snapshot"
	"storestack/internal/infra/persistence/sqlite"
	"storestack/internal/lifecycle"
	"storestack/pkg/domain"
)

// Stack is an assembled persistence stack. Close releases everything Build
// acquired.
type Stack struct {
	Config     config.Config
	Manager    *core.Manager
	Backend    domain.Backend
	Quarantine *blob.Quarantine
	Logger     *slog.Logger

	closers []func() error
}

type buildOptions struct {
	logWriter io.Writer
	backend   domain.Backend
	extra     []core.Option
}

// Option customises Build.
type Option func(*buildOptions)

// WithLogWriter sends log output to w instead of stderr.
func WithLogWriter(w io.Writer) Option {
	return func(o *buildOptions) {
		if w != nil {
			o.logWriter = w
		}
	}
}

// WithBackend bypasses driver selection.
func WithBackend(b domain.Backend) Option {
	return func(o *buildOptions) { o.backend = b }
}

// WithManagerOptions appends options passed to core.NewManager after the
// ones derived from the config.
func WithManagerOptions(opts ...core.Option) Option {
	return func(o *buildOptions) { o.extra = append(o.extra, opts...) }
}

// Build validates cfg, assembles the stack and opens the store.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*Stack, error) {
	bo := buildOptions{logWriter: os.Stderr}
	for _, opt := range opts {
		if opt != nil {
			opt(&bo)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(cfg.Log, bo.logWriter)
	if err != nil {
		return nil, err
	}
	policy, err := core.ParseMergePolicy(cfg.MergePolicy)
	if err != nil {
		return nil, err
	}
	s := &Stack{Config: cfg, Logger: logger, Backend: bo.backend}
	if s.Backend == nil {
		if s.Backend, err = NewBackend(cfg); err != nil {
			return nil, err
		}
	}

	managerOpts := []core.Option{core.WithLogger(logger), core.WithMergePolicy(policy)}
	if s.Quarantine, err = NewQuarantine(ctx, cfg.Quarantine); err != nil {
		return nil, err
	}
	if s.Quarantine != nil {
		managerOpts = append(managerOpts, core.WithQuarantine(s.Quarantine))
	}
	cleaner, closers, err := NewCleaner(cfg.Cleanup, logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closers...)
	if cleaner != nil {
		managerOpts = append(managerOpts, core.WithCleaner(cleaner))
	}
	managerOpts = append(managerOpts, bo.extra...)

	s.Manager = core.NewManager(s.Backend, cfg.Schema, managerOpts...)
	if _, err := s.Manager.MainContext(ctx); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	return s, nil
}

// NewBackend returns the unopened backend named by cfg.Driver.
func NewBackend(cfg config.Config) (domain.Backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlite.NewStore(cfg.Location, sqlite.WithLockTimeout(cfg.LockTimeout.Std())), nil
	case config.DriverSnapshot:
		return snapshot.NewStore(cfg.Location, cfg.LockTimeout.Std()), nil
	case config.DriverPostgres:
		return postgres.NewStore(cfg.Location), nil
	case config.DriverMemory:
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

// NewQuarantine opens the blob store corrupt stores are archived to. It
// returns nil when quarantine is disabled.
func NewQuarantine(ctx context.Context, cfg blob.Config) (*blob.Quarantine, error) {
	if cfg.Driver == config.QuarantineDisabled {
		return nil, nil
	}
	store, err := blob.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open quarantine: %w", err)
	}
	return blob.NewQuarantine(store), nil
}

// NewCleaner chains the configured cleanup policies. It returns a nil
// Cleaner when none is configured.
func NewCleaner(cfg config.CleanupConfig, logger core.Logger) (core.Cleaner, []func() error, error) {
	var entities []domain.EntityType
	for _, e := range cfg.Entities {
		entities = append(entities, domain.EntityType(e))
	}
	policyOpts := []cleanup.Option{cleanup.WithEntities(entities...), cleanup.WithLogger(logger)}
	var (
		policies []core.Cleaner
		closers  []func() error
	)
	if cfg.MaxAge > 0 {
		pred := cleanup.Age(cfg.MaxAge.Std())
		if cfg.AgeField != "" {
			pred.Field = cleanup.AgeField(cfg.AgeField)
		}
		policies = append(policies, cleanup.New("age", pred, policyOpts...))
	}
	if cfg.Expr != "" {
		pred, err := cleanup.Expr(cfg.Expr)
		if err != nil {
			return nil, nil, err
		}
		policies = append(policies, cleanup.New("expr", pred, policyOpts...))
	}
	if cfg.LuaFile != "" {
		script, err := os.ReadFile(filepath.Clean(cfg.LuaFile))
		if err != nil {
			return nil, nil, fmt.Errorf("read cleanup script: %w", err)
		}
		pred, err := cleanup.Lua(string(script))
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() error { pred.Close(); return nil })
		policies = append(policies, cleanup.New("lua", pred, policyOpts...))
	}
	if len(policies) == 0 {
		return nil, nil, nil
	}
	return cleanup.Chain(policies...), closers, nil
}

// WatchesFiles reports whether the backend stores a local file that can be
// watched for loss.
func (s *Stack) WatchesFiles() bool {
	switch s.Backend.Driver() {
	case sqlite.Driver, snapshot.Driver:
		return true
	}
	return false
}

// StartLifecycle attaches the manager to a new hub, relays OS signals into
// it and, for file backends, watches the store file. The returned stop
// function detaches everything.
func (s *Stack) StartLifecycle(ctx context.Context, onTerminate func(error)) (*lifecycle.Hub, func(), error) {
	hub := lifecycle.NewHub()
	detach := s.Manager.Attach(hub)
	stopSignals := lifecycle.NotifySignals(ctx, hub, onTerminate)
	var watcher *lifecycle.StoreWatcher
	if s.WatchesFiles() {
		w, err := lifecycle.WatchStore(ctx, hub, s.Backend.Location(), func(err error) {
			s.Logger.Warn("store watcher", "error", err)
		})
		if err != nil {
			stopSignals()
			detach()
			return nil, nil, err
		}
		watcher = w
	}
	stop := func() {
		if watcher != nil {
			_ = watcher.Close()
		}
		stopSignals()
		detach()
	}
	return hub, stop, nil
}

// Close closes the manager and any cleanup resources.
func (s *Stack) Close() error {
	var errs []error
	if s.Manager != nil {
		errs = append(errs, s.Manager.Close())
	} else if s.Backend != nil {
		errs = append(errs, s.Backend.Close())
	}
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	s.closers = nil
	return errors.Join(errs...)
}
