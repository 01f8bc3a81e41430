package loader

import (
	"sync"

	"github.com/wnxd/microloader/kernel"
)

// Handle is any kernel handle a registry can track.
type Handle interface{ ~int32 }

// RegistryCap is the number of slots in every registry.
const RegistryCap = 256

// Registry is a fixed-capacity table of kernel handles. Empty slots
// hold -1 and deletion clears the slot in place rather than compacting,
// so a live handle keeps its slot for as long as it is registered.
// Enumeration walks slots in order; a cleared slot is reused by the
// next registration. The table never grows.
type Registry[H Handle] struct {
	mu    sync.Mutex
	slots [RegistryCap]H
}

func NewRegistry[H Handle]() *Registry[H] {
	r := new(Registry[H])
	for i := range r.slots {
		r.slots[i] = -1
	}
	return r
}

// Register stores h in the first empty slot and returns its index.
func (r *Registry[H]) Register(h H) (int, error) {
	if h < 0 {
		return -1, kernel.ErrInvalidHandle
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if r.slots[i] < 0 {
			r.slots[i] = h
			return i, nil
		}
	}
	return -1, ErrRegistryFull
}

// Unregister clears the first slot holding h. Absence is reported, not
// fatal: callers unregister handles that may already be gone.
func (r *Registry[H]) Unregister(h H) (H, error) {
	if h < 0 {
		return -1, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if r.slots[i] == h {
			r.slots[i] = -1
			return h, nil
		}
	}
	return -1, ErrNotFound
}

func (r *Registry[H]) Contains(h H) bool {
	if h < 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if r.slots[i] == h {
			return true
		}
	}
	return false
}

func (r *Registry[H]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.slots {
		if r.slots[i] >= 0 {
			n++
		}
	}
	return n
}

// Snapshot returns the occupied handles in slot order.
func (r *Registry[H]) Snapshot() []H {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := make([]H, 0, RegistryCap)
	for _, h := range r.slots {
		if h >= 0 {
			handles = append(handles, h)
		}
	}
	return handles
}

// ForEach visits every registered handle over a consistent snapshot of
// the table; visit may itself register or unregister.
func (r *Registry[H]) ForEach(visit func(H) bool) {
	for _, h := range r.Snapshot() {
		if !visit(h) {
			return
		}
	}
}

// ForEachExcept visits every registered handle other than except.
func (r *Registry[H]) ForEachExcept(except H, visit func(H) bool) {
	for _, h := range r.Snapshot() {
		if h == except {
			continue
		}
		if !visit(h) {
			return
		}
	}
}
