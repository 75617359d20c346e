// Package domain defines the persistent object model, change records, schema,
// and rule evaluation primitives shared by the storestack persistence layers.
package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// EntityType identifies the kind of record an Object represents.
type EntityType string

// Attributes holds the JSON-compatible attribute values of an object.
type Attributes map[string]any

// Object is the unit of storage. Attribute values must be JSON-compatible
// (strings, numbers, booleans, nil, []any and map[string]any).
type Object struct {
	ID         string     `json:"id"`
	Entity     EntityType `json:"entity"`
	Attributes Attributes `json:"attributes"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the object.
func (o Object) Clone() Object {
	o.Attributes = o.Attributes.Clone()
	return o
}

// Attr returns the named attribute and whether it is present.
func (o Object) Attr(name string) (any, bool) {
	v, ok := o.Attributes[name]
	return v, ok
}

// Clone deep-copies attribute values, including nested maps and slices.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = CloneValue(v)
	}
	return out
}

// Keys returns attribute names in ascending order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CloneValue deep-copies a JSON-compatible value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = CloneValue(inner)
		}
		return out
	case Attributes:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = CloneValue(inner)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// SortObjects orders objects by creation time, then ID, for stable listings.
func SortObjects(objects []Object) {
	sort.Slice(objects, func(i, j int) bool {
		if !objects[i].CreatedAt.Equal(objects[j].CreatedAt) {
			return objects[i].CreatedAt.Before(objects[j].CreatedAt)
		}
		return objects[i].ID < objects[j].ID
	})
}

// NormalizeAttributes round-trips attributes through JSON so that in-memory
// values have the same shape they will have after a reload (numbers become
// float64, times become RFC 3339 strings). Non-JSON values are rejected.
func NormalizeAttributes(a Attributes) (Attributes, error) {
	if len(a) == 0 {
		return Attributes{}, nil
	}
	raw, err := json.Marshal(map[string]any(a))
	if err != nil {
		return nil, fmt.Errorf("normalize attributes: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize attributes: %w", err)
	}
	return Attributes(out), nil
}

// ValuesEqual reports whether two attribute values are equal.
func ValuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
