package core

import (
	"context"

	"storestack/pkg/domain"
)

// Option configures a Manager.
type Option func(*Manager)

// SaveErrorHandler receives every save failure as a *SaveError. It runs on
// the goroutine that called Save, before Save returns and after every save
// lock is released, so it may call Save or SaveMain to retry.
type SaveErrorHandler func(ctx context.Context, err error)

// Cleaner prunes a context before it is saved with cleanup requested. It
// must not call Save on the context it is given.
type Cleaner interface {
	Clean(ctx context.Context, wc *Context) error
}

// CleanerFunc adapts a function into a Cleaner.
type CleanerFunc func(ctx context.Context, wc *Context) error

// Clean implements Cleaner.
func (f CleanerFunc) Clean(ctx context.Context, wc *Context) error { return f(ctx, wc) }

type noopCleaner struct{}

func (noopCleaner) Clean(context.Context, *Context) error { return nil }

// UnitOfWork is a body of work run against a private child context.
type UnitOfWork interface {
	Perform(ctx context.Context, wc *Context, label string) error
}

// UnitOfWorkFunc adapts a function into a UnitOfWork.
type UnitOfWorkFunc func(ctx context.Context, wc *Context, label string) error

// Perform implements UnitOfWork.
func (f UnitOfWorkFunc) Perform(ctx context.Context, wc *Context, label string) error {
	return f(ctx, wc, label)
}

// WithSaveErrorHandler replaces the default handler, which logs at error level.
func WithSaveErrorHandler(h SaveErrorHandler) Option {
	return func(m *Manager) {
		if h != nil {
			m.onSaveError = h
		}
	}
}

// WithCleaner sets the cleanup hook run by saves that request cleanup.
func WithCleaner(c Cleaner) Option {
	return func(m *Manager) {
		if c != nil {
			m.cleaner = c
		}
	}
}

// WithCleanerFunc is WithCleaner for a plain function.
func WithCleanerFunc(fn func(ctx context.Context, wc *Context) error) Option {
	if fn == nil {
		return func(*Manager) {}
	}
	return WithCleaner(CleanerFunc(fn))
}

// WithMergePolicy sets how conflicting pushes are resolved.
func WithMergePolicy(p MergePolicy) Option {
	return func(m *Manager) {
		if p != "" {
			m.policy = p
		}
	}
}

// WithRulesEngine adds rules evaluated after the schema rule on every save.
func WithRulesEngine(engine *domain.RulesEngine) Option {
	return func(m *Manager) {
		m.userRules = engine
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetricsRecorder sets the metrics recorder.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithAuditRecorder sets the audit recorder.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.audit = r
		}
	}
}

// WithClock overrides the time source used for object timestamps.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithQuarantine archives corrupt stores before they are recreated.
func WithQuarantine(q Quarantiner) Option {
	return func(m *Manager) {
		m.quarantine = q
	}
}
