// Package mysync provides a read-write mutex that owns the value it guards.
package mysync

import (
	"sync"
)

// Mutex guards a value of type T. The value is only reachable through Lock, RLock, With and RWith.
type Mutex[T any] struct {
	mu sync.RWMutex
	v  T
}

// Unlocker releases a write lock acquired with Mutex.Lock.
type Unlocker struct {
	mu *sync.RWMutex
}

// RUnlocker releases a read lock acquired with Mutex.RLock.
type RUnlocker struct {
	mu *sync.RWMutex
}

func NewMutex[T any](v T) *Mutex[T] {
	return &Mutex[T]{v: v}
}

func (mu *Mutex[T]) Lock() (T, Unlocker) {
	mu.mu.Lock()
	return mu.v, Unlocker{&mu.mu}
}

func (mu *Mutex[T]) RLock() (T, RUnlocker) {
	mu.mu.RLock()
	return mu.v, RUnlocker{&mu.mu}
}

// With calls fn with the value while holding the write lock.
func (mu *Mutex[T]) With(fn func(v T)) {
	mu.mu.Lock()
	defer mu.mu.Unlock()
	fn(mu.v)
}

// RWith calls fn with the value while holding the read lock.
func (mu *Mutex[T]) RWith(fn func(v T)) {
	mu.mu.RLock()
	defer mu.mu.RUnlock()
	fn(mu.v)
}

func (u Unlocker) Unlock()   { u.mu.Unlock() }
func (u RUnlocker) RUnlock() { u.mu.RUnlock() }
