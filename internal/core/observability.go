package core

import (
	"context"
	"time"
)

// Logger is the structured logging contract the manager writes to.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies timestamps for created and updated objects.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// MetricsRecorder observes manager operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

// Tracer starts spans around manager operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation's outcome.
type TraceSpan interface {
	End(err error)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// AuditStatus is the outcome recorded in an AuditEntry.
type AuditStatus string

// Audit outcomes.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one completed manager operation.
type AuditEntry struct {
	Operation  string
	Label      string
	Status     AuditStatus
	Error      string
	Duration   time.Duration
	RecordedAt time.Time
}

// AuditRecorder receives an entry for every save, unit of work and reset.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

// Operation names reported to metrics, traces and audit entries.
const (
	OpOpen       = "open"
	OpSave       = "save"
	OpPersist    = "persist"
	OpUnitOfWork = "unit_of_work"
	OpRepersist  = "repersist"
)

// observe runs fn inside a span and records its duration and outcome.
func (m *Manager) observe(ctx context.Context, op, label string, fn func(context.Context) error) error {
	ctx, span := m.tracer.Start(ctx, op)
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	m.metrics.Observe(ctx, op, err == nil, elapsed)
	entry := AuditEntry{
		Operation:  op,
		Label:      label,
		Status:     AuditStatusSuccess,
		Duration:   elapsed,
		RecordedAt: m.clock.Now().UTC(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	m.audit.Record(ctx, entry)
	span.End(err)
	return err
}
