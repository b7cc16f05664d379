package entity

// State is the lifecycle position of an entity instance. States are ordered:
// an entity only ever moves to a greater state, except for an explicit Reset
// back to StateTransient.
type State int

const (
	// StateTransient is an instance no context tracks.
	StateTransient State = iota
	// StateManaged is a tracked instance whose row has not been written yet.
	StateManaged
	// StatePersisted is a tracked instance backed by a row, clean or dirty.
	StatePersisted
	// StateDeleting is a tracked instance scheduled for deletion at flush.
	StateDeleting
	// StateDeleted is terminal: the row is gone.
	StateDeleted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateTransient:
		return "transient"
	case StateManaged:
		return "managed"
	case StatePersisted:
		return "persisted"
	case StateDeleting:
		return "deleting"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// IsManaged reports whether the state belongs to a tracked, live instance.
func (s State) IsManaged() bool {
	return s == StateManaged || s == StatePersisted
}

// IsRemoved reports whether remove has been called on the instance.
func (s State) IsRemoved() bool {
	return s >= StateDeleting
}
