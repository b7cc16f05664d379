package persistence

import (
	"context"
	"sync"
)

type currentKey struct {
	unit *Unit
}

// slot holds the context bound to a request chain. The context inside may
// be replaced after Release, so the slot is shared by every derived
// context.Context.
type slot struct {
	mu sync.Mutex
	pc *Context
}

// Current returns the persistence context bound to ctx for this unit,
// creating and binding one when ctx carries none. Pass the returned
// context.Context down the call chain so that every caller shares the
// same persistence context.
func (u *Unit) Current(ctx context.Context) (context.Context, *Context, error) {
	if s, ok := ctx.Value(currentKey{u}).(*slot); ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.pc == nil || s.pc.Closed() {
			pc, err := u.NewContext()
			if err != nil {
				return ctx, nil, err
			}
			s.pc = pc
		}
		return ctx, s.pc, nil
	}

	pc, err := u.NewContext()
	if err != nil {
		return ctx, nil, err
	}
	return context.WithValue(ctx, currentKey{u}, &slot{pc: pc}), pc, nil
}

// Bind binds pc to the returned context.Context.
func (u *Unit) Bind(ctx context.Context, pc *Context) context.Context {
	return context.WithValue(ctx, currentKey{u}, &slot{pc: pc})
}

// FromContext returns the persistence context bound to ctx, if any.
func (u *Unit) FromContext(ctx context.Context) (*Context, bool) {
	s, ok := ctx.Value(currentKey{u}).(*slot)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc, s.pc != nil
}

// Release closes the context bound to ctx and unbinds it. The next Current
// call on the same chain creates a fresh one.
func (u *Unit) Release(ctx context.Context) error {
	s, ok := ctx.Value(currentKey{u}).(*slot)
	if !ok {
		return nil
	}
	s.mu.Lock()
	pc := s.pc
	s.pc = nil
	s.mu.Unlock()

	if pc == nil {
		return nil
	}
	return pc.Close(ctx)
}

// RunInTransaction runs fn in a transaction of the context bound to ctx.
func (u *Unit) RunInTransaction(ctx context.Context, fn func(ctx context.Context, pc *Context) error) error {
	ctx, pc, err := u.Current(ctx)
	if err != nil {
		return err
	}
	return pc.RunInTransaction(ctx, fn)
}

type noQueryCacheKey struct{}

// WithoutQueryCache marks ctx so that queries run with it bypass the query
// cache.
func WithoutQueryCache(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, noQueryCacheKey{}, true)
}

func queryCacheAllowed(ctx context.Context) bool {
	if ctx == nil {
		return true
	}
	off, _ := ctx.Value(noQueryCacheKey{}).(bool)
	return !off
}
