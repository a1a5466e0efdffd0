package platform

import "sync"

// Handles maps integer handles to Go values so they can be named by native
// code, which cannot hold Go pointers. Handles start at 1 and are never
// reused. The zero Handles is not usable; call NewHandles.
type Handles[T any] struct {
	mu    sync.RWMutex
	items map[uint64]T
	next  uint64
}

// NewHandles creates an empty handle table.
func NewHandles[T any]() *Handles[T] {
	return &Handles[T]{items: make(map[uint64]T)}
}

// Register stores v and returns its handle.
func (h *Handles[T]) Register(v T) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.items[h.next] = v
	return h.next
}

// Lookup returns the value for handle.
func (h *Handles[T]) Lookup(handle uint64) (T, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.items[handle]
	return v, ok
}

// Unregister releases handle.
func (h *Handles[T]) Unregister(handle uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.items, handle)
}

// Count returns the number of registered handles.
func (h *Handles[T]) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}
