// Package garage holds the local domain model the connector writes
// fetched vehicle state into.
package garage

import (
	"sync"
	"time"
)

// Attribute is a single observable vehicle field with an optional
// measurement timestamp. The connector only ever calls Set and Clear;
// readers see the last written value.
type Attribute[T any] struct {
	mu       sync.RWMutex
	value    T
	present  bool
	measured time.Time
}

// Set writes the value. measured records when the remote system
// observed it; pass the zero time when unknown.
func (a *Attribute[T]) Set(value T, measured time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.value = value
	a.present = true
	a.measured = measured
}

// Clear marks the attribute as absent, dropping the held value.
func (a *Attribute[T]) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	a.value = zero
	a.present = false
	a.measured = time.Time{}
}

// Value returns the held value and whether one is present.
func (a *Attribute[T]) Value() (T, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.value, a.present
}

// Measured returns when the held value was observed remotely.
func (a *Attribute[T]) Measured() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.measured
}
