// Package factory implements a generic cache mediating asynchronous
// construction and delayed, cancellable destruction of keyed objects. Both
// the session cache and the scheduler cache in the crawler engine are
// instances of this one generic type.
package factory

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// BuildFunc constructs a value for key, given whatever extra arguments the
// caller supplied to Get.
type BuildFunc[K comparable, V any] func(key K, args ...any) (V, error)

// DestroyFunc releases a previously built value.
type DestroyFunc[K comparable, V any] func(key K, value V) error

type entryState int

const (
	stateBuilding entryState = iota
	stateAlive
	stateDestroying
)

// entry models an explicit variant with a mutex:
// Building{pending}, Alive{value, graceTimer?}, Destroying{pending}.
type entry[V any] struct {
	state entryState

	value V
	err   error
	ready chan struct{} // closed once a build settles

	timeout    time.Duration
	graceTimer *clock.Timer // armed only while Alive and eviction-scheduled

	destroyDone chan struct{} // closed once the armed destroy settles or is cancelled
	destroyOut  chan error    // the channel handed back to Destroy callers
	destroyErr  error
}

// Factory caches values built by build and torn down by destroy, keyed by
// K, serializing at most one in-flight build and one in-flight destroy per
// key at any time.
type Factory[K comparable, V any] struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[K]*entry[V]
	build   BuildFunc[K, V]
	destroy DestroyFunc[K, V]
}

// New builds a Factory. A nil clock.Clock defaults to the real wall clock.
func New[K comparable, V any](build BuildFunc[K, V], destroy DestroyFunc[K, V], clk clock.Clock) *Factory[K, V] {
	if clk == nil {
		clk = clock.New()
	}
	return &Factory[K, V]{
		clk:     clk,
		entries: make(map[K]*entry[V]),
		build:   build,
		destroy: destroy,
	}
}

// Has reports whether key is currently present. Presence does not
// guarantee a subsequent Get returns the same instance: a concurrent
// destroy may already be in progress.
func (f *Factory[K, V]) Has(key K) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

// Get returns the value for key, building it on miss via the Factory's
// BuildFunc. timeout is captured and later used as the eviction grace
// period should Destroy be called for this key while it's alive.
func (f *Factory[K, V]) Get(timeout time.Duration, key K, args ...any) (V, error) {
	for {
		f.mu.Lock()
		e, ok := f.entries[key]
		if !ok {
			e = &entry[V]{state: stateBuilding, ready: make(chan struct{}), timeout: timeout}
			f.entries[key] = e
			f.mu.Unlock()

			value, err := f.build(key, args...)

			f.mu.Lock()
			if err != nil {
				// Build failures propagate through the pending value and
				// remove the key's entry before the caller observes it.
				delete(f.entries, key)
				e.err = err
				f.mu.Unlock()
				close(e.ready)
				var zero V
				return zero, err
			}
			e.value = value
			e.state = stateAlive
			f.mu.Unlock()
			close(e.ready)
			return value, nil
		}

		switch e.state {
		case stateBuilding:
			f.mu.Unlock()
			<-e.ready
			if e.err != nil {
				var zero V
				return zero, e.err
			}
			return e.value, nil

		case stateAlive:
			if e.graceTimer != nil {
				// Hit, eviction-scheduled but not yet started: cancel the
				// timer and resurrect without rebuilding. Resolve whatever
				// Destroy caller was waiting on the now-cancelled timer.
				e.graceTimer.Stop()
				e.graceTimer = nil
				if e.destroyOut != nil {
					e.destroyOut <- nil
					close(e.destroyDone)
					e.destroyOut = nil
					e.destroyDone = nil
				}
			}
			value := e.value
			f.mu.Unlock()
			return value, nil

		case stateDestroying:
			done := e.destroyDone
			f.mu.Unlock()
			<-done
			// A new Get after destroy has started enqueues behind it, then
			// builds anew -- loop back around.
			continue
		}
		f.mu.Unlock()
	}
}

// Destroy arms the eviction grace timer for key's configured timeout (the
// value captured at Get time). If destruction is already armed or in
// progress, the existing signal is returned. Destroy requires key be
// present; calling it for an absent key is a programmer error, since it
// indicates a caller that lost track of an entry's lifecycle.
func (f *Factory[K, V]) Destroy(key K) <-chan error {
	f.mu.Lock()
	e, ok := f.entries[key]
	if !ok {
		f.mu.Unlock()
		panic("factory: Destroy called for a key not present in the cache")
	}

	if e.state == stateDestroying || e.graceTimer != nil {
		out := e.destroyOut
		f.mu.Unlock()
		return out
	}

	e.destroyDone = make(chan struct{})
	e.destroyOut = make(chan error, 1)
	timeout := e.timeout
	out := e.destroyOut

	e.graceTimer = f.clk.AfterFunc(timeout, func() {
		f.mu.Lock()
		e.state = stateDestroying
		value := e.value
		f.mu.Unlock()

		err := f.destroy(key, value)

		f.mu.Lock()
		e.destroyErr = err
		delete(f.entries, key)
		done := e.destroyDone
		ch := e.destroyOut
		f.mu.Unlock()

		close(done)
		ch <- err
	})
	f.mu.Unlock()
	return out
}
