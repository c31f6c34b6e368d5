package cache

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// evictor chooses victim blocks for a tier under capacity pressure.
// Selection runs with the engine write lock held, so choosing a victim
// and flipping it to EVICTING is atomic with respect to lookups and
// reservations: once selected, a block can no longer acquire pins.
type evictor struct {
	eng    *Engine
	policy string
}

// eligible reports whether b may be evicted from its tier right now.
// Pinned blocks and blocks a session is still extending as its chain
// tail are never victims, regardless of recency.
func (ev *evictor) eligible(b *blockDesc) bool {
	if b.state != BlockReady {
		return false
	}
	if b.refCount.Load() > 0 {
		return false
	}
	if b.tailHold > 0 {
		return false
	}
	return !ev.eng.transfers.inFlight(b.id)
}

// evictLocked frees up to need slots in tier by evicting victims,
// returning how many slots were actually freed. Victims whose content
// can be preserved are demoted to the next colder tier with capacity
// instead of being discarded; the demotion write happens
// asynchronously, but the victim's source slot is reclaimed
// immediately either way.
//
// Caller holds the engine write lock. Returned cleanup funcs must be
// run after the lock is dropped (they touch backends).
func (ev *evictor) evictLocked(tier *tierState, need int) (freed int, cleanup []func()) {
	if need <= 0 {
		return 0, nil
	}

	var victims []*blockDesc
	for _, b := range ev.eng.desc.blocks {
		if b.tier == tier.id && ev.eligible(b) {
			victims = append(victims, b)
		}
	}

	sort.Slice(victims, func(i, j int) bool {
		ai, aj := victims[i].lastAccess.Load(), victims[j].lastAccess.Load()
		if ai != aj {
			return ai < aj
		}
		if ev.policy == EvictLRUTail {
			// Deeper chain positions first: evicting a shared prefix
			// invalidates more downstream value than evicting a tail.
			return victims[i].depth > victims[j].depth
		}
		return victims[i].id < victims[j].id
	})

	if len(victims) > need {
		victims = victims[:need]
	}

	for _, b := range victims {
		b.state = BlockEvicting
		ev.eng.index.remove(b.hash, b.id)

		fn, demoted := ev.eng.stageDemotionLocked(b)
		if fn != nil {
			cleanup = append(cleanup, fn)
		}
		if !demoted {
			if fn := ev.discardLocked(b); fn != nil {
				cleanup = append(cleanup, fn)
			}
			ev.eng.metrics.evicted.Add(1)
		}
		freed++
	}

	if freed < need {
		logrus.Warnf("eviction: tier %s could free only %d of %d requested blocks", tier.name, freed, need)
	}
	return freed, cleanup
}

// discardLocked drops a victim outright: slot back to the free set,
// descriptor recycled. Returns a deferred backend scrub.
func (ev *evictor) discardLocked(b *blockDesc) func() {
	t := ev.eng.tiers[b.tier]
	slot := b.slot
	t.releaseSlot(slot)
	logrus.Debugf("evict: discarding block %d (tier %s slot %d, depth %d)", b.id, t.name, slot, b.depth)
	ev.eng.desc.put(b)
	return func() {
		if err := t.backend.FreeBlock(slot); err != nil {
			logrus.Warnf("evict: scrub of tier %s slot %d failed: %v", t.name, slot, err)
		}
	}
}
