// Package reactive provides a single-slot observable value.
package reactive

import (
	"context"
	"sync"
)

// Cell holds the latest value written to it and notifies observers on every write.
// Writes are never deduplicated: setting the same value twice notifies twice.
type Cell[T any] struct {
	writeMu sync.Mutex

	mu        sync.RWMutex
	value     T
	set       bool
	version   uint64
	changed   chan struct{}
	observers []*observer[T]
	nextID    uint64
}

type observer[T any] struct {
	id uint64
	fn func(T)
}

// NewCell creates an unset cell.
func NewCell[T any]() *Cell[T] {
	return &Cell[T]{
		changed: make(chan struct{}),
	}
}

// Get returns the current value and whether the cell has ever been written.
func (c *Cell[T]) Get() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.set
}

// Version counts the writes performed on the cell.
func (c *Cell[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Set overwrites the value and synchronously notifies observers in subscription order.
// Concurrent writers are serialized so observers see writes in the order they were applied.
func (c *Cell[T]) Set(value T) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.value = value
	c.set = true
	c.version++
	closing := c.changed
	c.changed = make(chan struct{})
	observers := make([]*observer[T], len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	close(closing)

	for _, o := range observers {
		o.fn(value)
	}
}

// Changed returns a channel closed by the next write.
func (c *Cell[T]) Changed() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changed
}

// Subscribe registers fn to be called with every subsequent write. The returned
// function removes the observer and is safe to call more than once.
func (c *Cell[T]) Subscribe(fn func(T)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.observers = append(c.observers, &observer[T]{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, o := range c.observers {
				if o.id == id {
					c.observers = append(c.observers[:i], c.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Wait blocks until the cell holds a value newer than afterVersion, returning it with its version.
func (c *Cell[T]) Wait(ctx context.Context, afterVersion uint64) (T, uint64, error) {
	for {
		c.mu.RLock()
		value, version, changed := c.value, c.version, c.changed
		c.mu.RUnlock()

		if version > afterVersion {
			return value, version, nil
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, version, ctx.Err()
		case <-changed:
		}
	}
}
