// Package flight tracks in-flight work by key so that duplicate callers can
// attach to the first caller's outcome.
package flight

import (
	"context"
	"sync"
	"sync/atomic"
)

// Registry maps keys to in-flight calls. It is safe for concurrent use.
type Registry[T any] struct {
	mu    sync.Mutex
	calls map[string]*Call[T]
}

// Call is one in-flight unit of work owned by the caller that created it.
type Call[T any] struct {
	key     string
	claimed atomic.Bool
	// future is created when the first follower joins.
	future *Future[T]
}

// Future is a single-assignment result.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{calls: make(map[string]*Call[T])}
}

// Join attaches to the call registered under key, or registers a new one.
// The owner (owner == true) must eventually call Settle. Followers receive
// the future to wait on.
func (r *Registry[T]) Join(key string) (c *Call[T], f *Future[T], owner bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.calls[key]; ok {
		if c.future == nil {
			c.future = &Future[T]{done: make(chan struct{})}
		}
		c.claimed.Store(true)
		return c, c.future, false
	}

	c = &Call[T]{key: key}
	r.calls[key] = c
	return c, nil, true
}

// Settle removes c if it is still registered and resolves its future when
// at least one follower joined.
func (r *Registry[T]) Settle(c *Call[T], val T, err error) {
	r.mu.Lock()
	if cur, ok := r.calls[c.key]; ok && cur == c {
		delete(r.calls, c.key)
	}
	f := c.future
	r.mu.Unlock()

	if f != nil {
		f.val, f.err = val, err
		close(f.done)
	}
}

// Forget drops key so the next Join registers a fresh call. The dropped
// call can still be settled.
func (r *Registry[T]) Forget(key string) {
	r.mu.Lock()
	delete(r.calls, key)
	r.mu.Unlock()
}

// Clear drops every registered call.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	r.calls = make(map[string]*Call[T])
	r.mu.Unlock()
}

// Len returns the number of registered calls.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Claimed reports whether any follower joined c.
func (c *Call[T]) Claimed() bool {
	return c.claimed.Load()
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
