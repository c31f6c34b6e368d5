package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Engine is one cache hierarchy instance: descriptor arena, prefix
// index, per-tier allocators and the transfer scheduler, behind the
// session API. Engines are explicitly constructed and passed by
// reference; there is no process-wide instance, so multiple engines
// (e.g. in tests) coexist freely.
//
// Locking: e.mu guards descriptor states, the prefix index and session
// bookkeeping. It is never held across backend I/O; payload copies
// happen on transfer workers or in session Write/Commit outside the
// lock. Per-tier slot sets and the transfer dedup map have their own
// leaf mutexes.
type Engine struct {
	cfg Config

	mu        sync.RWMutex
	desc      *descStore
	index     *prefixIndex
	tiers     []*tierState // enabled tiers, fastest first
	sessions  map[string]*Session
	closed    bool

	evict     *evictor
	transfers *transferScheduler
	clock     atomic.Int64
	metrics   metrics
}

// New validates cfg, builds one backend per enabled tier and starts
// the transfer workers. The cache/store package must have been
// imported so tier backends are registered.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cache config: %w", err)
	}
	cfg = cfg.withDefaults()
	if NewTierBackendFunc == nil {
		return nil, fmt.Errorf("no tier backend registered; import github.com/tierkv/tierkv/cache/store")
	}

	e := &Engine{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}

	total := 0
	for _, tc := range cfg.Tiers {
		if !tc.Enabled {
			continue
		}
		backend, err := NewTierBackendFunc(tc, cfg.BlockBytes)
		if err != nil {
			for _, t := range e.tiers {
				_ = t.backend.Close()
			}
			return nil, fmt.Errorf("tier %q backend: %w", tc.Name, err)
		}
		t := newTierState(TierID(len(e.tiers)), tc, backend)
		e.tiers = append(e.tiers, t)
		total += tc.NumBlocks
	}

	e.desc = newDescStore(total)
	e.index = newPrefixIndex(cfg.BlockSizeTokens)
	e.evict = &evictor{eng: e, policy: cfg.EvictionPolicy}
	e.transfers = newTransferScheduler(e, cfg.TransferWorkers, cfg.TransferRetries, total)

	logrus.Infof("cache engine: %d tiers, %d blocks total, block size %d tokens",
		len(e.tiers), total, cfg.BlockSizeTokens)
	return e, nil
}

// Close drains in-flight transfers and releases all backends. Open
// sessions are force-closed first; their uncommitted blocks are
// discarded, never published.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	open := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		open = append(open, s)
	}
	e.mu.Unlock()

	for _, s := range open {
		s.Abort()
	}

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.transfers.close()

	var firstErr error
	for _, t := range e.tiers {
		if err := t.backend.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing tier %s backend: %w", t.name, err)
		}
	}
	logrus.Info("cache engine closed")
	return firstErr
}

// NumTiers reports the number of enabled tiers.
func (e *Engine) NumTiers() int {
	return len(e.tiers)
}

// BlockSizeTokens reports the configured tokens-per-block.
func (e *Engine) BlockSizeTokens() int {
	return e.cfg.BlockSizeTokens
}

// BlockBytes reports the configured payload size per block
// (0 = caller-sized payloads).
func (e *Engine) BlockBytes() int {
	return e.cfg.BlockBytes
}

// Stats snapshots engine counters and per-tier occupancy.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	indexed := e.index.len()
	sessions := len(e.sessions)
	e.mu.RUnlock()

	s := Stats{
		Lookups:          e.metrics.lookups.Load(),
		HitBlocks:        e.metrics.hitBlocks.Load(),
		MissBlocks:       e.metrics.missBlocks.Load(),
		Committed:        e.metrics.committed.Load(),
		Evicted:          e.metrics.evicted.Load(),
		Promoted:         e.metrics.promoted.Load(),
		Demoted:          e.metrics.demoted.Load(),
		TransferFailures: e.metrics.transferFailures.Load(),
		Corrupted:        e.metrics.corrupted.Load(),
		IndexedBlocks:    indexed,
		OpenSessions:     sessions,
	}
	for _, t := range e.tiers {
		used := t.usedCount()
		s.Tiers = append(s.Tiers, TierStats{Name: t.name, Cap: t.cap, Used: used, Free: t.cap - used})
	}
	return s
}

// Promote schedules an asynchronous move of a READY block to a faster
// tier. The block stays readable at its current tier until the copy
// commits.
func (e *Engine) Promote(id BlockID, target TierID) (*Transfer, error) {
	return e.requestMove(id, target, TransferPromote)
}

// Demote schedules an asynchronous move of a READY block to a slower
// tier, copy-first: on failure the block remains valid where it is.
func (e *Engine) Demote(id BlockID, target TierID) (*Transfer, error) {
	return e.requestMove(id, target, TransferDemote)
}

func (e *Engine) requestMove(id BlockID, target TierID, kind TransferKind) (*Transfer, error) {
	if int(target) < 0 || int(target) >= len(e.tiers) {
		return nil, fmt.Errorf("no such tier %d", target)
	}
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrClosed
	}
	b := e.desc.get(id)
	from := b.tier
	state := b.state
	e.mu.RUnlock()

	if state != BlockReady {
		return nil, fmt.Errorf("block %d is %s, only READY blocks move between tiers", id, state)
	}
	if from == target {
		return nil, fmt.Errorf("block %d already resides on tier %d", id, target)
	}
	if kind == TransferPromote && target > from {
		return nil, fmt.Errorf("promote of block %d targets slower tier %d (current %d)", id, target, from)
	}
	if kind == TransferDemote && target < from {
		return nil, fmt.Errorf("demote of block %d targets faster tier %d (current %d)", id, target, from)
	}
	return e.transfers.schedule(id, kind, from, target, nil)
}

// ReadBlock returns a copy of a READY block's payload from whichever
// tier currently holds it. The bytes are opaque; layout belongs to the
// inference engine. Callers should hold a pin (via a session) so the
// block cannot be evicted between resolving the ref and reading.
//
// A transfer may commit its tier/slot swap while the backend read is in
// flight, after which the source slot can be recycled for another
// block's content. The read is therefore validated against the
// descriptor's location afterwards and retried at the new tier on a
// mismatch, so a pinned reader never observes another block's bytes.
func (e *Engine) ReadBlock(ref BlockRef) ([]byte, error) {
	for {
		e.mu.RLock()
		if e.closed {
			e.mu.RUnlock()
			return nil, ErrClosed
		}
		b := e.desc.get(ref.ID)
		if b.state != BlockReady {
			st := b.state
			e.mu.RUnlock()
			return nil, fmt.Errorf("block %d is %s, not READY", ref.ID, st)
		}
		tier := e.tiers[b.tier]
		slot := b.slot
		e.mu.RUnlock()

		data, err := tier.backend.ReadBlock(slot)
		if err != nil {
			return nil, fmt.Errorf("reading block %d from tier %s: %w", ref.ID, tier.name, err)
		}

		e.mu.RLock()
		stable := b.state == BlockReady && b.tier == tier.id && b.slot == slot
		e.mu.RUnlock()
		if stable {
			return data, nil
		}
		logrus.Debugf("read of block %d raced a migration off tier %s, retrying", ref.ID, tier.name)
	}
}

// tick advances the engine's logical clock, the recency signal for
// eviction ordering.
func (e *Engine) tick() int64 {
	return e.clock.Add(1)
}

// allocSlotsLocked reserves n slots on tier index ti, evicting on
// shortfall. All-or-nothing: on ErrAdmission no slots are held.
// Caller holds e.mu for writing; returned cleanups run after unlock.
func (e *Engine) allocSlotsLocked(ti int, n int) ([]int, []func(), error) {
	t := e.tiers[ti]
	if slots, ok := t.reserveSlots(n); ok {
		return slots, nil, nil
	}
	shortfall := n - t.freeCount()
	_, cleanup := e.evict.evictLocked(t, shortfall)
	slots, ok := t.reserveSlots(n)
	if !ok {
		return nil, cleanup, admissionError(t.id, n, t.freeCount())
	}
	return slots, cleanup, nil
}

// allocOneSlot is the transfer-worker entry to allocSlotsLocked.
func (e *Engine) allocOneSlot(tier TierID) (int, error) {
	e.mu.Lock()
	slots, cleanup, err := e.allocSlotsLocked(int(tier), 1)
	e.mu.Unlock()
	for _, fn := range cleanup {
		fn()
	}
	if err != nil {
		return -1, err
	}
	return slots[0], nil
}

// stageDemotionLocked tries to preserve an eviction victim by moving
// it one or more tiers down instead of discarding it. The source slot
// is reclaimed immediately (the payload is snapshotted in memory); the
// destination write runs on a transfer worker. Returns false when no
// colder tier can take the block or its payload cannot be snapshotted
// cheaply, in which case the caller discards it.
//
// Caller holds e.mu for writing.
func (e *Engine) stageDemotionLocked(b *blockDesc) (func(), bool) {
	if b.hash == "" {
		// Unindexed blocks (partial tails) have no lookup value; not
		// worth a colder-tier slot.
		return nil, false
	}
	src := e.tiers[b.tier]
	if e.cfg.Tiers[e.tierCfgIndex(b.tier)].Backend == "disk" {
		// Disk payload snapshots would drag file I/O into the eviction
		// critical section; disk is the coldest tier in practice.
		return nil, false
	}

	var cleanups []func()
	for di := int(b.tier) + 1; di < len(e.tiers); di++ {
		dst := e.tiers[di]
		slots, ok := dst.reserveSlots(1)
		if !ok {
			// Cascade: make room in the colder tier first.
			_, cl := e.evict.evictLocked(dst, 1)
			cleanups = append(cleanups, cl...)
			slots, ok = dst.reserveSlots(1)
		}
		if !ok {
			continue
		}
		destSlot := slots[0]

		data, err := src.backend.ReadBlock(b.slot)
		if err != nil {
			logrus.Warnf("evict: snapshot of block %d from tier %s failed, discarding: %v", b.id, src.name, err)
			dst.releaseSlot(destSlot)
			return combineCleanups(cleanups), false
		}

		srcSlot := b.slot
		src.releaseSlot(srcSlot)
		b.tier = dst.id
		b.slot = destSlot

		if _, err := e.transfers.schedule(b.id, TransferDemote, src.id, dst.id, data); err != nil {
			// Scheduler is shutting down. The source slot is already
			// reclaimed, so dispose of the victim as a discard.
			dst.releaseSlot(destSlot)
			e.desc.put(b)
			e.metrics.evicted.Add(1)
			cleanups = append(cleanups, func() { _ = src.backend.FreeBlock(srcSlot) })
			return combineCleanups(cleanups), true
		}

		logrus.Debugf("evict: demoting block %d tier %s -> %s (slot %d -> %d)", b.id, src.name, dst.name, srcSlot, destSlot)
		cleanups = append(cleanups, func() {
			if err := src.backend.FreeBlock(srcSlot); err != nil {
				logrus.Warnf("evict: scrub of tier %s slot %d failed: %v", src.name, srcSlot, err)
			}
		})
		return combineCleanups(cleanups), true
	}
	return combineCleanups(cleanups), false
}

// tierCfgIndex maps a TierID back to its position in cfg.Tiers
// (disabled tiers make the two numbering schemes differ).
func (e *Engine) tierCfgIndex(id TierID) int {
	seen := -1
	for i, tc := range e.cfg.Tiers {
		if tc.Enabled {
			seen++
			if seen == int(id) {
				return i
			}
		}
	}
	panic(fmt.Sprintf("tier id %d has no config entry", id))
}

// combineCleanups folds deferred backend scrubs into one slice-shaped
// closure list for the caller.
func combineCleanups(fns []func()) func() {
	if len(fns) == 0 {
		return nil
	}
	return func() {
		for _, fn := range fns {
			fn()
		}
	}
}
