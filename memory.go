package gorillabind

import (
	"sync"
)

// Releasable represents any resource that can be released to free memory.
//
// Batches returned by operators and Series implement it. Always call
// Release() when done with a resource to prevent memory leaks:
//
//	result, err := s.MapBatches(ctx, batch, double)
//	if err != nil {
//		return err
//	}
//	defer result.Release()
type Releasable interface {
	Release()
}

// MemoryManager tracks resources and callbacks for bulk release.
//
// It is useful when a loop produces many short-lived batches, for example
// when results of MapBatches are collected per input and freed together.
// For most code, prefer defer with individual Release() calls.
//
// The MemoryManager is safe for concurrent use from multiple goroutines.
//
// Example:
//
//	err := gorillabind.WithMemoryManager(func(manager *gorillabind.MemoryManager) error {
//		for _, batch := range batches {
//			out, err := s.MapBatches(ctx, batch, double)
//			if err != nil {
//				return err
//			}
//			manager.Track(out)
//		}
//		return nil
//	})
//	// All tracked batches are released here
type MemoryManager struct {
	mu        sync.Mutex
	resources []Releasable
	callbacks []*Callback
}

// NewMemoryManager creates an empty memory manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		resources: make([]Releasable, 0),
	}
}

// Track adds a resource to be released by ReleaseAll.
func (m *MemoryManager) Track(resource Releasable) {
	if resource == nil {
		return
	}
	m.mu.Lock()
	m.resources = append(m.resources, resource)
	m.mu.Unlock()
}

// TrackCallback adds a callback to be released by ReleaseAll.
func (m *MemoryManager) TrackCallback(cb *Callback) {
	if cb == nil {
		return
	}
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Count returns the number of tracked resources and callbacks.
func (m *MemoryManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources) + len(m.callbacks)
}

// ReleaseAll releases everything tracked and clears the lists. Callbacks
// already released elsewhere are skipped.
func (m *MemoryManager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, resource := range m.resources {
		resource.Release()
	}
	for _, cb := range m.callbacks {
		_ = cb.Release()
	}
	m.resources = m.resources[:0]
	m.callbacks = m.callbacks[:0]
}

// WithMemoryManager creates a memory manager, runs fn with it and releases
// everything fn tracked, whether or not fn fails.
func WithMemoryManager(fn func(*MemoryManager) error) error {
	manager := NewMemoryManager()
	defer manager.ReleaseAll()
	return fn(manager)
}
