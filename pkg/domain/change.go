package domain

// Action enumerates the mutation kinds captured in a context's pending set.
type Action string

// Change actions.
const (
	// ActionCreate indicates an object was inserted.
	ActionCreate Action = "create"
	// ActionUpdate indicates an object was modified.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change describes one pending mutation. Before is nil for creates and After
// is nil for deletes. Fields lists the attributes touched by an update.
type Change struct {
	Entity   EntityType
	Action   Action
	ObjectID string
	Before   *Object
	After    *Object
	Fields   []string
}
