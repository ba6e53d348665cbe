// Package registry indexes one value per host handle without owning the handle.
//
// Entries are keyed by weak pointers, so registering a value never keeps its handle
// alive. Once a handle is reclaimed by the garbage collector its entry is dropped;
// hosts that tear down deterministically call Unregister instead of waiting for that.
package registry

import (
	"errors"
	"runtime"
	"sync"
	"weak"
)

var (
	// ErrAlreadyRegistered is returned when a value already exists for the supplied handle.
	ErrAlreadyRegistered = errors.New("a value is already registered for this handle")
	// ErrNilHandle is returned when a nil handle is supplied.
	ErrNilHandle = errors.New("handle must not be nil")
)

type entry[V any] struct {
	value   V
	cleanup runtime.Cleanup
}

// Registry maps *H handles to a single V each.
type Registry[H any, V any] struct {
	mu      sync.RWMutex
	entries map[weak.Pointer[H]]*entry[V]
}

// New creates an empty registry.
func New[H any, V any]() *Registry[H, V] {
	return &Registry[H, V]{
		entries: make(map[weak.Pointer[H]]*entry[V]),
	}
}

// Register stores value under handle. It fails if the handle already has a value.
// The value must not hold a strong reference back to the handle, otherwise the
// handle can never be reclaimed.
func (r *Registry[H, V]) Register(handle *H, value V) error {
	if handle == nil {
		return ErrNilHandle
	}

	key := weak.Make(handle)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		return ErrAlreadyRegistered
	}

	e := &entry[V]{value: value}
	e.cleanup = runtime.AddCleanup(handle, r.evict, key)
	r.entries[key] = e

	return nil
}

// Lookup returns the value registered for handle.
func (r *Registry[H, V]) Lookup(handle *H) (V, bool) {
	var zero V
	if handle == nil {
		return zero, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[weak.Make(handle)]
	if !ok {
		return zero, false
	}
	return e.value, true
}

// Unregister removes the entry for handle and reports whether one existed.
func (r *Registry[H, V]) Unregister(handle *H) bool {
	if handle == nil {
		return false
	}

	key := weak.Make(handle)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return false
	}

	e.cleanup.Stop()
	delete(r.entries, key)
	return true
}

// Len reports the number of live entries.
func (r *Registry[H, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Range calls fn for every entry whose handle is still reachable until fn returns false.
func (r *Registry[H, V]) Range(fn func(handle *H, value V) bool) {
	r.mu.RLock()
	snapshot := make(map[weak.Pointer[H]]V, len(r.entries))
	for k, e := range r.entries {
		snapshot[k] = e.value
	}
	r.mu.RUnlock()

	for k, v := range snapshot {
		handle := k.Value()
		if handle == nil {
			continue
		}
		if !fn(handle, v) {
			return
		}
	}
}

func (r *Registry[H, V]) evict(key weak.Pointer[H]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}
