package core

import (
	"fmt"
	"strings"

	"storestack/pkg/domain"
)

// MergePolicy decides how a pushed change that conflicts with the
// ancestor's state is resolved.
type MergePolicy string

// Merge policies.
const (
	// MergeChildWins applies the child's values per attribute.
	MergeChildWins MergePolicy = "child_wins"
	// MergeAncestorWins keeps the ancestor's values.
	MergeAncestorWins MergePolicy = "ancestor_wins"
	// MergeError fails the save with *MergeConflictError.
	MergeError MergePolicy = "error"
)

// ParseMergePolicy maps a configuration string to a policy. Empty means
// MergeChildWins.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch MergePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MergeChildWins:
		return MergeChildWins, nil
	case MergeAncestorWins:
		return MergeAncestorWins, nil
	case MergeError:
		return MergeError, nil
	}
	return "", fmt.Errorf("unknown merge policy %q", s)
}

func (p MergePolicy) String() string { return string(p) }

// pushLocked moves c's pending changes into parent under policy. The caller
// holds c.mu and parent.mu. Either every change is applied or, on a
// conflict under MergeError, none is.
func (c *Context) pushLocked(parent *Context, policy MergePolicy) error {
	apply := make([]func(), 0, len(c.order))
	for _, id := range c.order {
		step, err := c.mergeEntryLocked(parent, id, c.pending[id], policy)
		if err != nil {
			return err
		}
		if step != nil {
			apply = append(apply, step)
		}
	}
	for _, step := range apply {
		step()
	}
	c.clearLocked()
	return nil
}

// mergeEntryLocked resolves one child entry against the parent's current
// state and returns the mutation to apply to the parent, or nil.
func (c *Context) mergeEntryLocked(parent *Context, id string, e *pendingEntry, policy MergePolicy) (func(), error) {
	cur, visible := parent.lookupLocked(id)
	prev := parent.pending[id]

	switch {
	case e.deleted:
		if !visible {
			return nil, nil
		}
		if prev != nil && prev.before == nil {
			return func() { parent.dropEntryLocked(id) }, nil
		}
		before := prevBefore(prev, cur)
		return func() { parent.setEntryLocked(id, &pendingEntry{deleted: true, before: before}) }, nil

	case e.before == nil:
		obj := e.object
		if !visible {
			if prev != nil && prev.deleted {
				return func() { parent.setEntryLocked(id, replaceEntry(obj, prev.before)) }, nil
			}
			return func() { parent.setEntryLocked(id, &pendingEntry{object: obj}) }, nil
		}
		switch policy {
		case MergeAncestorWins:
			return nil, nil
		case MergeError:
			return nil, &MergeConflictError{ObjectID: id, Reason: "inserted concurrently"}
		}
		if prev != nil && prev.before == nil {
			return func() { parent.setEntryLocked(id, &pendingEntry{object: obj}) }, nil
		}
		before := prevBefore(prev, cur)
		return func() { parent.setEntryLocked(id, replaceEntry(obj, before)) }, nil
	}

	if !visible {
		switch policy {
		case MergeAncestorWins:
			return nil, nil
		case MergeError:
			return nil, &MergeConflictError{ObjectID: id, Reason: "deleted in ancestor"}
		}
		obj := e.object
		if prev != nil && prev.deleted {
			return func() { parent.setEntryLocked(id, replaceEntry(obj, prev.before)) }, nil
		}
		return func() { parent.setEntryLocked(id, &pendingEntry{object: obj}) }, nil
	}

	merged := cur.Clone()
	var taken []string
	for _, f := range e.fieldNames() {
		base := attrOf(e.before, f)
		ancestor := attrOf(&cur, f)
		next := attrOf(&e.object, f)
		if !ancestor.equal(base) && !ancestor.equal(next) {
			switch policy {
			case MergeAncestorWins:
				continue
			case MergeError:
				return nil, &MergeConflictError{ObjectID: id, Attribute: f, Reason: "changed in ancestor"}
			}
		}
		if next.present {
			merged.Attributes[f] = domain.CloneValue(next.value)
		} else {
			delete(merged.Attributes, f)
		}
		taken = append(taken, f)
	}
	if len(diffAttributes(cur.Attributes, merged.Attributes)) == 0 {
		return nil, nil
	}
	merged.UpdatedAt = e.object.UpdatedAt
	return func() {
		if prev != nil {
			prev.object = merged
			if prev.fields != nil {
				for _, f := range taken {
					prev.fields[f] = struct{}{}
				}
			}
			return
		}
		before := cur
		fields := make(map[string]struct{}, len(taken))
		for _, f := range taken {
			fields[f] = struct{}{}
		}
		parent.setEntryLocked(id, &pendingEntry{object: merged, before: &before, fields: fields})
	}, nil
}

func prevBefore(prev *pendingEntry, cur domain.Object) *domain.Object {
	if prev != nil && prev.before != nil {
		return prev.before
	}
	before := cur
	return &before
}
