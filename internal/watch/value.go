// Package watch provides a latest-value holder with subscriber
// notification. A late subscriber immediately receives the current value,
// not just future changes.
package watch

import (
	"context"
	"sync"
)

// Value holds the most recent value of type T and notifies subscribers on
// every Set. The zero value is unusable; use NewValue.
type Value[T any] struct {
	mu      sync.Mutex
	set     bool
	current T
	subs    map[int]chan T
	nextID  int
	ready   chan struct{}
}

// NewValue creates an empty holder.
func NewValue[T any]() *Value[T] {
	return &Value[T]{
		subs:  make(map[int]chan T),
		ready: make(chan struct{}),
	}
}

// Set stores v as the current value and notifies all subscribers. A slow
// subscriber that has not drained the previous value only sees the
// newest one.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	first := !v.set
	v.current = val
	v.set = true
	if first {
		close(v.ready)
	}

	for _, ch := range v.subs {
		select {
		case ch <- val:
		default:
			// Drop the stale value so the channel always carries the
			// most recent one.
			select {
			case <-ch:
			default:
			}
			ch <- val
		}
	}
}

// Get returns the current value and whether one has been set.
func (v *Value[T]) Get() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current, v.set
}

// Wait blocks until a value has been set at least once, then returns the
// current value.
func (v *Value[T]) Wait(ctx context.Context) (T, error) {
	v.mu.Lock()
	ready := v.ready
	v.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}

	val, _ := v.Get()
	return val, nil
}

// Subscribe returns a channel that receives the current value (if set)
// and every subsequent Set. The returned cancel function must be called
// to release the subscription.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)

	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = ch
	if v.set {
		ch <- v.current
	}
	v.mu.Unlock()

	cancel := func() {
		v.mu.Lock()
		delete(v.subs, id)
		v.mu.Unlock()
	}
	return ch, cancel
}
