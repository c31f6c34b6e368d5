package cache

import (
	"fmt"
	"sync/atomic"
)

// blockDesc is the fixed-size metadata record for one block. The
// descriptor's identity (its arena index) is stable for the block's
// lifetime even as the content migrates between tiers: promotion and
// demotion swap tier/slot in place, so pins held by sessions and index
// entries keyed by hash survive migration untouched.
//
// state, tier, slot, hash, depth and tailHold are guarded by the
// engine mutex. refCount and lastAccess are atomics so lookups can
// bump recency without taking the write lock.
type blockDesc struct {
	id    BlockID
	state BlockState
	tier  TierID // owning tier, NoTier when FREE
	slot  int    // physical slot within tier, -1 when FREE

	hash     string // cumulative token-prefix hash; "" for partial blocks
	byteSum  string // content digest recorded at write, checked at commit
	tokens   int    // tokens stored in this block
	depth    int    // 0-based position within its chain; eviction tie-break
	tailHold int    // sessions actively extending this block as their chain tail

	refCount   atomic.Int64 // active session pins
	lastAccess atomic.Int64 // engine logical clock at last touch
}

// reset returns a descriptor to its FREE shape for reuse.
func (b *blockDesc) reset() {
	b.state = BlockFree
	b.tier = NoTier
	b.slot = -1
	b.hash = ""
	b.byteSum = ""
	b.tokens = 0
	b.depth = 0
	b.tailHold = 0
	b.refCount.Store(0)
	b.lastAccess.Store(0)
}

// descStore is the arena of block descriptors. Capacity equals the sum
// of all enabled tier capacities: a descriptor occupies exactly one
// physical slot at a time, so the arena can never run dry before the
// tiers do.
type descStore struct {
	blocks []*blockDesc
	free   []BlockID // stack of FREE descriptor ids
}

// newDescStore preallocates capacity descriptors, all FREE.
func newDescStore(capacity int) *descStore {
	ds := &descStore{
		blocks: make([]*blockDesc, capacity),
		free:   make([]BlockID, 0, capacity),
	}
	for i := 0; i < capacity; i++ {
		b := &blockDesc{id: BlockID(i)}
		b.reset()
		ds.blocks[i] = b
	}
	// LIFO free stack: pushing capacity-1 .. 0 hands out low ids first.
	for i := capacity - 1; i >= 0; i-- {
		ds.free = append(ds.free, BlockID(i))
	}
	return ds
}

// get returns the descriptor for id. Panics on an out-of-range id,
// which can only be caller corruption of a BlockRef.
func (ds *descStore) get(id BlockID) *blockDesc {
	if id < 0 || int(id) >= len(ds.blocks) {
		panic(fmt.Sprintf("descStore: block id %d out of range [0,%d)", id, len(ds.blocks)))
	}
	return ds.blocks[id]
}

// take pops a FREE descriptor, or nil if the arena is exhausted.
func (ds *descStore) take() *blockDesc {
	if len(ds.free) == 0 {
		return nil
	}
	id := ds.free[len(ds.free)-1]
	ds.free = ds.free[:len(ds.free)-1]
	return ds.blocks[id]
}

// put resets a descriptor and returns it to the free stack.
func (ds *descStore) put(b *blockDesc) {
	b.reset()
	ds.free = append(ds.free, b.id)
}
