// Package cleanup provides the pruning hooks run by saves that request
// cleanup. A Policy walks the objects visible to the context being saved and
// stages a delete for each one its Predicate matches.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storestack/internal/core"
	"storestack/pkg/domain"
)

// Predicate reports whether obj should be pruned at now.
type Predicate interface {
	Match(obj domain.Object, now time.Time) (bool, error)
}

// PredicateFunc adapts a function into a Predicate.
type PredicateFunc func(obj domain.Object, now time.Time) (bool, error)

// Match implements Predicate.
func (f PredicateFunc) Match(obj domain.Object, now time.Time) (bool, error) { return f(obj, now) }

// Policy is a core.Cleaner driven by a Predicate.
type Policy struct {
	name     string
	pred     Predicate
	entities []domain.EntityType
	now      func() time.Time
	logger   core.Logger
}

var _ core.Cleaner = (*Policy)(nil)

// Option configures a Policy.
type Option func(*Policy)

// WithEntities restricts the policy to the given entity types.
func WithEntities(entities ...domain.EntityType) Option {
	return func(p *Policy) { p.entities = append(p.entities, entities...) }
}

// WithClock overrides the time source. By default a policy uses the clock
// of the manager that owns the context being cleaned.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a policy named name that prunes what pred matches.
func New(name string, pred Predicate, opts ...Option) *Policy {
	p := &Policy{name: name, pred: pred, logger: nopLogger{}}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Name returns the policy name.
func (p *Policy) Name() string { return p.name }

// Clean implements core.Cleaner.
func (p *Policy) Clean(ctx context.Context, wc *core.Context) error {
	clock := p.now
	if clock == nil {
		clock = wc.Now
	}
	now := clock().UTC()
	var candidates []domain.Object
	if len(p.entities) == 0 {
		candidates = wc.List("")
	} else {
		for _, entity := range p.entities {
			candidates = append(candidates, wc.List(entity)...)
		}
	}
	pruned := 0
	for _, obj := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		match, err := p.pred.Match(obj, now)
		if err != nil {
			return fmt.Errorf("%s: match %s: %w", p.name, obj.ID, err)
		}
		if !match {
			continue
		}
		if err := wc.Delete(obj.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%s: delete %s: %w", p.name, obj.ID, err)
		}
		pruned++
	}
	p.logger.Debug("cleanup finished", "policy", p.name, "context", wc.Label(), "examined", len(candidates), "pruned", pruned)
	return nil
}

// Chain runs cleaners in order and stops at the first error.
func Chain(cleaners ...core.Cleaner) core.Cleaner {
	return core.CleanerFunc(func(ctx context.Context, wc *core.Context) error {
		for _, c := range cleaners {
			if c == nil {
				continue
			}
			if err := c.Clean(ctx, wc); err != nil {
				return err
			}
		}
		return nil
	})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
