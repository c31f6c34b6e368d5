package cache

import (
	"fmt"
	"sync"
)

// tierState is the per-tier slot allocator plus its data backend.
// Slot accounting is all-or-nothing: a reservation either gets every
// slot it asked for or leaves the free set untouched, so RESERVED +
// READY can never exceed capacity. The slot mutex is a leaf lock:
// nothing is called while holding it.
type tierState struct {
	id      TierID
	name    string
	cap     int
	backend TierBackend

	mu    sync.Mutex
	free  []int // stack of free slot indices
	used  int
}

func newTierState(id TierID, cfg TierConfig, backend TierBackend) *tierState {
	t := &tierState{
		id:      id,
		name:    cfg.Name,
		cap:     cfg.NumBlocks,
		backend: backend,
		free:    make([]int, 0, cfg.NumBlocks),
	}
	// LIFO free stack: pushing capacity-1 .. 0 hands out low slots first.
	for s := cfg.NumBlocks - 1; s >= 0; s-- {
		t.free = append(t.free, s)
	}
	return t
}

// reserveSlots pops n free slots, or none at all if fewer are free.
func (t *tierState) reserveSlots(n int) ([]int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.free) {
		return nil, false
	}
	slots := make([]int, 0, n)
	for i := 0; i < n; i++ {
		s := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		slots = append(slots, s)
	}
	t.used += n
	return slots, true
}

// releaseSlot returns one slot to the free set immediately. Index
// entries for whatever occupied the slot must already be gone; the
// allocator does not check.
func (t *tierState) releaseSlot(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= t.cap {
		panic(fmt.Sprintf("tier %s: release of slot %d outside [0,%d)", t.name, slot, t.cap))
	}
	t.free = append(t.free, slot)
	t.used--
	if t.used < 0 {
		panic(fmt.Sprintf("tier %s: used slot count went negative", t.name))
	}
}

// freeCount reports currently free slots.
func (t *tierState) freeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.free)
}

// usedCount reports currently reserved slots.
func (t *tierState) usedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}
