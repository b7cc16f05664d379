package persistence

import (
	"context"

	"github.com/goliatone/go-persistence/entity"
)

// Event names a lifecycle callback point.
type Event int

const (
	EventPrePersist Event = iota
	EventPostPersist
	EventPreUpdate
	EventPostUpdate
	EventPreRemove
	EventPostRemove
	EventPostLoad
)

func (e Event) String() string {
	switch e {
	case EventPrePersist:
		return "pre_persist"
	case EventPostPersist:
		return "post_persist"
	case EventPreUpdate:
		return "pre_update"
	case EventPostUpdate:
		return "post_update"
	case EventPreRemove:
		return "pre_remove"
	case EventPostRemove:
		return "post_remove"
	case EventPostLoad:
		return "post_load"
	}
	return "unknown"
}

// Listener observes entity lifecycle events. An error returned from a pre
// event aborts the operation; errors from post events are returned to the
// caller after the operation took effect.
type Listener interface {
	OnEntityEvent(ctx context.Context, ev Event, e entity.Entity) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev Event, e entity.Entity) error

// OnEntityEvent calls f.
func (f ListenerFunc) OnEntityEvent(ctx context.Context, ev Event, e entity.Entity) error {
	return f(ctx, ev, e)
}

// AddListener registers l for every entity type.
func (u *Unit) AddListener(l Listener) {
	u.listenerMu.Lock()
	defer u.listenerMu.Unlock()
	u.listeners = append(u.listeners, l)
}

func (u *Unit) fire(ctx context.Context, ev Event, e entity.Entity) error {
	u.listenerMu.RLock()
	listeners := u.listeners
	u.listenerMu.RUnlock()

	for _, l := range listeners {
		if err := l.OnEntityEvent(ctx, ev, e); err != nil {
			return err
		}
	}
	return nil
}
