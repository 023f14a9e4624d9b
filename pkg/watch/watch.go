// Package watch provides an observable value.
package watch

import (
	"sync"
)

// Value holds a T and notifies subscribers synchronously on every Set.
// Listeners run outside the lock, in registration order.
type Value[T any] struct {
	mu        sync.Mutex
	v         T
	nextID    int
	listeners map[int]func(T)
	order     []int
}

func New[T any](initial T) *Value[T] {
	return &Value[T]{v: initial, listeners: map[int]func(T){}}
}

func (w *Value[T]) Get() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.v
}

func (w *Value[T]) Set(v T) {
	w.mu.Lock()
	w.v = v
	fns := w.snapshot()
	w.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Update replaces the value with fn(current) atomically and notifies
// subscribers when changed reports true.
func (w *Value[T]) Update(fn func(T) (T, bool)) T {
	w.mu.Lock()
	next, changed := fn(w.v)
	if !changed {
		w.mu.Unlock()
		return next
	}
	w.v = next
	fns := w.snapshot()
	w.mu.Unlock()
	for _, f := range fns {
		f(next)
	}
	return next
}

// Subscribe calls fn with the current value and again after every change.
// The returned func removes the listener.
func (w *Value[T]) Subscribe(fn func(T)) (cancel func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	w.order = append(w.order, id)
	current := w.v
	w.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.listeners, id)
			for i, existing := range w.order {
				if existing == id {
					w.order = append(w.order[:i:i], w.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Wait blocks until pred holds for the value or done is closed. It reports
// whether pred was satisfied.
func (w *Value[T]) Wait(done <-chan struct{}, pred func(T) bool) bool {
	ch := make(chan struct{})
	var once sync.Once
	cancel := w.Subscribe(func(v T) {
		if pred(v) {
			once.Do(func() { close(ch) })
		}
	})
	defer cancel()
	select {
	case <-ch:
		return true
	case <-done:
		return false
	}
}

func (w *Value[T]) snapshot() []func(T) {
	out := make([]func(T), 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.listeners[id])
	}
	return out
}
