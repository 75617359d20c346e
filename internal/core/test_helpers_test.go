package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"storestack/internal/infra/persistence/memory"
	"storestack/pkg/domain"
)

var testSchema = domain.Schema{
	Version: 1,
	Entities: map[domain.EntityType]domain.EntitySchema{
		"note": {
			Required:   []string{"title"},
			Attributes: map[string]domain.AttributeKind{"title": domain.KindString, "body": domain.KindString, "rank": domain.KindNumber},
		},
		"tag": {Attributes: map[string]domain.AttributeKind{"name": domain.KindString}},
	},
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

func (l *captureLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

func (l *captureLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

type metricsCall struct {
	op       string
	success  bool
	duration time.Duration
}

type captureMetricsRecorder struct {
	mu    sync.Mutex
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, metricsCall{op: op, success: success, duration: duration})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type spanRecord struct {
	op  string
	err error
}

type captureTracer struct {
	mu    sync.Mutex
	ended []spanRecord
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	return ctx, &captureSpan{tracer: c, op: op}
}

func (c *captureTracer) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.ended {
		if record.op == op && (record.err == nil) == success {
			return true
		}
	}
	return false
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
}

type captureAuditRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) has(op string, status AuditStatus, label string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Operation == op && e.Status == status && (label == "" || e.Label == label) {
			return true
		}
	}
	return false
}

// saveErrors collects everything passed to the save-error handler.
type saveErrors struct {
	mu   sync.Mutex
	errs []error
}

func (s *saveErrors) handle(_ context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *saveErrors) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func (s *saveErrors) last() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return nil
	}
	return s.errs[len(s.errs)-1]
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMemoryManager(t *testing.T, opts ...Option) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	m := NewManager(store, testSchema, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m, store
}

func mustMain(t *testing.T, m *Manager) *Context {
	t.Helper()
	main, err := m.MainContext(context.Background())
	if err != nil {
		t.Fatalf("main context: %v", err)
	}
	return main
}

func mustChild(t *testing.T, m *Manager, label string) *Context {
	t.Helper()
	child, err := m.NewChildContext(context.Background(), label)
	if err != nil {
		t.Fatalf("child context: %v", err)
	}
	return child
}

func mustInsert(t *testing.T, wc *Context, entity domain.EntityType, attrs domain.Attributes) domain.Object {
	t.Helper()
	obj, err := wc.Insert(entity, attrs)
	if err != nil {
		t.Fatalf("insert %s: %v", entity, err)
	}
	return obj
}

func mustSave(t *testing.T, m *Manager, wc *Context) {
	t.Helper()
	if err := m.Save(context.Background(), wc, false); err != nil {
		t.Fatalf("save %s: %v", wc.Label(), err)
	}
}

func setAttr(name string, value any) func(*domain.Object) error {
	return func(o *domain.Object) error {
		o.Attributes[name] = value
		return nil
	}
}

func attrString(t *testing.T, obj domain.Object, name string) string {
	t.Helper()
	v, ok := obj.Attributes[name]
	if !ok {
		t.Fatalf("object %s has no attribute %q", obj.ID, name)
	}
	return fmt.Sprint(v)
}

func requireErrorAs[T error](t *testing.T, err error) T {
	t.Helper()
	var target T
	if !errors.As(err, &target) {
		t.Fatalf("expected %T in chain, got %v", target, err)
	}
	return target
}
