package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"storestack/pkg/domain"
)

// ContextKind identifies a context's position in the hierarchy.
type ContextKind string

// Context kinds.
const (
	KindRoot  ContextKind = "root"
	KindMain  ContextKind = "main"
	KindChild ContextKind = "child"
)

// Domain is the concurrency domain a context is intended for. It is
// metadata only; every Context method is safe for concurrent use.
type Domain string

// Concurrency domains.
const (
	DomainBackground Domain = "background"
	DomainForeground Domain = "foreground"
)

// Root and main context labels.
const (
	RootLabel = "root"
	MainLabel = "main"
)

// ErrImmutableField is returned when an update mutator changes an object's
// ID, entity or creation time.
var ErrImmutableField = errors.New("object id, entity and created_at are immutable")

// pendingEntry is one staged mutation. An entry with before == nil is an
// insert of object. An entry with fields != nil is an update of the listed
// attributes relative to before. A deleted entry removes before.
type pendingEntry struct {
	deleted bool
	object  domain.Object
	fields  map[string]struct{}
	before  *domain.Object
}

func (e *pendingEntry) action() domain.Action {
	switch {
	case e.deleted:
		return domain.ActionDelete
	case e.before == nil:
		return domain.ActionCreate
	default:
		return domain.ActionUpdate
	}
}

func (e *pendingEntry) fieldNames() []string {
	names := make([]string, 0, len(e.fields))
	for f := range e.fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}

// Context is an in-memory staging area over its parent's state. Reads see
// the context's own pending changes on top of everything visible to the
// parent; changes reach the parent only through a save.
type Context struct {
	label   string
	kind    ContextKind
	domain  Domain
	parent  *Context
	manager *Manager

	// mu guards pending, order and committed. Lock order is descendant
	// before ancestor.
	mu      sync.Mutex
	saveMu  sync.Mutex
	pending map[string]*pendingEntry
	order   []string

	// committed mirrors the durable store (root only).
	committed map[string]domain.Object
}

func newContext(m *Manager, parent *Context, kind ContextKind, dom Domain, label string) *Context {
	c := &Context{
		label:   label,
		kind:    kind,
		domain:  dom,
		parent:  parent,
		manager: m,
		pending: make(map[string]*pendingEntry),
	}
	if parent == nil {
		c.committed = make(map[string]domain.Object)
	}
	return c
}

// Label returns the diagnostic label.
func (c *Context) Label() string { return c.label }

// Kind returns root, main or child.
func (c *Context) Kind() ContextKind { return c.kind }

// Domain returns the context's concurrency domain.
func (c *Context) Domain() Domain { return c.domain }

// Parent returns the parent context, nil for root.
func (c *Context) Parent() *Context { return c.parent }

// Now returns the current time from the owning manager's clock, the same
// source that stamps CreatedAt and UpdatedAt.
func (c *Context) Now() time.Time { return c.manager.clock.Now() }

// Get returns the object with id as visible to this context.
func (c *Context) Get(id string) (domain.Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.lookupLocked(id)
	if !ok {
		return domain.Object{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return obj.Clone(), nil
}

// List returns visible objects of entity, or all objects when entity is
// empty, ordered by creation time.
func (c *Context) List(entity domain.EntityType) []domain.Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedClones(c.visibleLocked(entity))
}

// Insert stages a new object with a generated ID.
func (c *Context) Insert(entity domain.EntityType, attrs domain.Attributes) (domain.Object, error) {
	return c.InsertObject(domain.Object{Entity: entity, Attributes: attrs})
}

// InsertObject stages obj, generating an ID and timestamps when unset.
// Inserting an ID that is already visible fails with domain.ErrExists.
func (c *Context) InsertObject(obj domain.Object) (domain.Object, error) {
	if obj.Entity == "" {
		return domain.Object{}, errors.New("entity is required")
	}
	attrs, err := domain.NormalizeAttributes(obj.Attributes)
	if err != nil {
		return domain.Object{}, err
	}
	obj.Attributes = attrs
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}
	now := c.manager.clock.Now().UTC()
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = now
	}
	if obj.UpdatedAt.IsZero() {
		obj.UpdatedAt = obj.CreatedAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lookupLocked(obj.ID); ok {
		return domain.Object{}, fmt.Errorf("%w: %s", domain.ErrExists, obj.ID)
	}
	if prev, ok := c.pending[obj.ID]; ok && prev.deleted {
		// Re-creating an object deleted in this context replaces it.
		c.setEntryLocked(obj.ID, replaceEntry(obj, prev.before))
	} else {
		c.setEntryLocked(obj.ID, &pendingEntry{object: obj})
	}
	return obj.Clone(), nil
}

// Update applies mutator to a copy of the object and stages the changed
// attributes. A mutation that changes nothing stages nothing.
func (c *Context) Update(id string, mutator func(*domain.Object) error) (domain.Object, error) {
	if mutator == nil {
		return domain.Object{}, errors.New("mutator is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.lookupLocked(id)
	if !ok {
		return domain.Object{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	next := cur.Clone()
	if err := mutator(&next); err != nil {
		return domain.Object{}, err
	}
	if next.ID != cur.ID || next.Entity != cur.Entity || !next.CreatedAt.Equal(cur.CreatedAt) {
		return domain.Object{}, fmt.Errorf("update %s: %w", id, ErrImmutableField)
	}
	attrs, err := domain.NormalizeAttributes(next.Attributes)
	if err != nil {
		return domain.Object{}, err
	}
	next.Attributes = attrs
	changed := diffAttributes(cur.Attributes, next.Attributes)
	if len(changed) == 0 {
		return cur.Clone(), nil
	}
	next.UpdatedAt = c.manager.clock.Now().UTC()

	entry, staged := c.pending[id]
	switch {
	case !staged:
		before := cur
		entry = &pendingEntry{object: next, before: &before, fields: make(map[string]struct{}, len(changed))}
		c.setEntryLocked(id, entry)
	default:
		entry.object = next
	}
	if entry.fields != nil {
		for _, f := range changed {
			entry.fields[f] = struct{}{}
		}
	}
	return next.Clone(), nil
}

// Delete stages removal of the object. Deleting an object inserted in this
// context simply discards the insert.
func (c *Context) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.lookupLocked(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	entry, staged := c.pending[id]
	switch {
	case staged && entry.before == nil:
		c.dropEntryLocked(id)
	case staged:
		c.pending[id] = &pendingEntry{deleted: true, before: entry.before}
	default:
		before := cur
		c.setEntryLocked(id, &pendingEntry{deleted: true, before: &before})
	}
	return nil
}

// HasChanges reports whether the context has pending changes.
func (c *Context) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// Changes returns the pending changes in the order they were first staged.
func (c *Context) Changes() []domain.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changesLocked()
}

// Rollback discards all pending changes.
func (c *Context) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]*pendingEntry)
	c.order = nil
}

func (c *Context) changesLocked() []domain.Change {
	out := make([]domain.Change, 0, len(c.order))
	for _, id := range c.order {
		e := c.pending[id]
		ch := domain.Change{Action: e.action(), ObjectID: id}
		if e.before != nil {
			before := e.before.Clone()
			ch.Before = &before
			ch.Entity = before.Entity
		}
		if !e.deleted {
			after := e.object.Clone()
			ch.After = &after
			ch.Entity = after.Entity
		}
		if e.fields != nil {
			ch.Fields = e.fieldNames()
		}
		out = append(out, ch)
	}
	return out
}

func (c *Context) setEntryLocked(id string, e *pendingEntry) {
	if _, ok := c.pending[id]; !ok {
		c.order = append(c.order, id)
	}
	c.pending[id] = e
}

func (c *Context) dropEntryLocked(id string) {
	if _, ok := c.pending[id]; !ok {
		return
	}
	delete(c.pending, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Context) clearLocked() {
	c.pending = make(map[string]*pendingEntry)
	c.order = nil
}

// lookupLocked resolves id through the chain. The caller holds c.mu; the
// ancestors' locks are taken in turn.
func (c *Context) lookupLocked(id string) (domain.Object, bool) {
	if e, ok := c.pending[id]; ok {
		if e.deleted {
			return domain.Object{}, false
		}
		return e.object, true
	}
	if c.parent == nil {
		obj, ok := c.committed[id]
		return obj, ok
	}
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()
	return c.parent.lookupLocked(id)
}

// visibleLocked returns every object visible to c, filtered by entity. The
// returned values share attribute maps with the staged state.
func (c *Context) visibleLocked(entity domain.EntityType) map[string]domain.Object {
	var out map[string]domain.Object
	if c.parent == nil {
		out = make(map[string]domain.Object, len(c.committed))
		for id, obj := range c.committed {
			if entity == "" || obj.Entity == entity {
				out[id] = obj
			}
		}
	} else {
		c.parent.mu.Lock()
		out = c.parent.visibleLocked(entity)
		c.parent.mu.Unlock()
	}
	for id, e := range c.pending {
		if e.deleted || (entity != "" && e.object.Entity != entity) {
			delete(out, id)
			continue
		}
		out[id] = e.object
	}
	return out
}

func sortedClones(objects map[string]domain.Object) []domain.Object {
	out := make([]domain.Object, 0, len(objects))
	for _, obj := range objects {
		out = append(out, obj.Clone())
	}
	domain.SortObjects(out)
	return out
}

// lockedView exposes a context to rules while the caller holds its mutex.
type lockedView struct {
	c *Context
}

func (v lockedView) FindObject(id string) (domain.Object, bool) {
	obj, ok := v.c.lookupLocked(id)
	if !ok {
		return domain.Object{}, false
	}
	return obj.Clone(), true
}

func (v lockedView) ListObjects(entity domain.EntityType) []domain.Object {
	return sortedClones(v.c.visibleLocked(entity))
}

type attrValue struct {
	value   any
	present bool
}

func attrOf(obj *domain.Object, name string) attrValue {
	if obj == nil {
		return attrValue{}
	}
	v, ok := obj.Attributes[name]
	return attrValue{value: v, present: ok}
}

func (a attrValue) equal(b attrValue) bool {
	if a.present != b.present {
		return false
	}
	return !a.present || domain.ValuesEqual(a.value, b.value)
}

// diffAttributes returns the sorted names whose presence or value differ.
func diffAttributes(a, b domain.Attributes) []string {
	var out []string
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !domain.ValuesEqual(av, bv) {
			out = append(out, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// replaceEntry stages obj as a full replacement of before.
func replaceEntry(obj domain.Object, before *domain.Object) *pendingEntry {
	if before == nil {
		return &pendingEntry{object: obj}
	}
	fields := make(map[string]struct{}, len(obj.Attributes)+len(before.Attributes))
	for k := range obj.Attributes {
		fields[k] = struct{}{}
	}
	for k := range before.Attributes {
		fields[k] = struct{}{}
	}
	return &pendingEntry{object: obj, before: before, fields: fields}
}
