// Package timers owns the periodic loops that track dispatched runs. Every
// loop is keyed, at most one loop per key is alive, and loops can be stopped
// synchronously.
package timers

import (
	"context"
	"sort"
	"sync"
)

// Loop is the body of a tracked loop. It must return promptly once ctx is
// done, and returning ends the loop for good.
type Loop func(ctx context.Context)

type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *entry) stop() {
	e.cancel()
	<-e.done
}

// Registry maps keys to running loops.
//
// Start, Cancel and CancelAll wait for the affected loops to return, so they
// must not be called from inside a loop of the same registry.
type Registry struct {
	ops sync.Mutex // serializes Start/Cancel/CancelAll

	mu      sync.Mutex
	entries map[string]*entry
	base    context.Context
}

// New creates an empty registry. Loops inherit values, not cancellation,
// from ctx.
func New(ctx context.Context) *Registry {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Registry{
		entries: make(map[string]*entry),
		base:    context.WithoutCancel(ctx),
	}
}

// Start runs loop under key, stopping any loop already registered for it
// first.
func (r *Registry) Start(key string, loop Loop) {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	prev := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	ctx, cancel := context.WithCancel(r.base)
	e := &entry{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.entries[key] = e
	r.mu.Unlock()

	go func() {
		defer close(e.done)
		defer cancel()
		defer r.release(key, e)
		loop(ctx)
	}()
}

// release forgets e once its loop returned, unless it was replaced already
func (r *Registry) release(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] == e {
		delete(r.entries, key)
	}
}

// Cancel stops the loop for key and waits for it. Cancelling an unknown or
// already finished key is a no-op. It reports whether a loop was stopped.
func (r *Registry) Cancel(key string) bool {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	e := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if e == nil {
		return false
	}
	e.stop()
	return true
}

// CancelAll stops every loop and waits for all of them
func (r *Registry) CancelAll() int {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	for _, e := range entries {
		<-e.done
	}
	return len(entries)
}

// Active reports whether a loop is running for key
func (r *Registry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Keys returns the keys of the running loops, sorted
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of running loops
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
