package cache

import (
	"fmt"
	"sync/atomic"
)

// metrics aggregates engine-wide counters. All fields are atomics so
// the hot paths can record without extra locking.
type metrics struct {
	lookups          atomic.Int64 // lookup calls
	hitBlocks        atomic.Int64 // blocks served from the index
	missBlocks       atomic.Int64 // blocks allocated fresh
	committed        atomic.Int64 // blocks committed READY
	evicted          atomic.Int64 // blocks discarded by eviction
	promoted         atomic.Int64 // completed promotions
	demoted          atomic.Int64 // completed demotions
	transferFailures atomic.Int64 // transfers abandoned after retries
	corrupted        atomic.Int64 // blocks discarded at commit verification
}

// TierStats is a point-in-time view of one tier's occupancy.
type TierStats struct {
	Name string
	Cap  int
	Used int
	Free int
}

// Stats is a point-in-time snapshot of engine counters, suitable for
// periodic logging by the embedding process.
type Stats struct {
	Lookups          int64
	HitBlocks        int64
	MissBlocks       int64
	Committed        int64
	Evicted          int64
	Promoted         int64
	Demoted          int64
	TransferFailures int64
	Corrupted        int64
	IndexedBlocks    int
	OpenSessions     int
	Tiers            []TierStats
}

// HitRate returns the fraction of looked-up blocks served from cache.
func (s Stats) HitRate() float64 {
	total := s.HitBlocks + s.MissBlocks
	if total == 0 {
		return 0
	}
	return float64(s.HitBlocks) / float64(total)
}

// String renders a one-line summary for interval logging.
func (s Stats) String() string {
	return fmt.Sprintf("lookups=%d hit_rate=%.3f committed=%d evicted=%d promoted=%d demoted=%d transfer_failures=%d indexed=%d sessions=%d",
		s.Lookups, s.HitRate(), s.Committed, s.Evicted, s.Promoted, s.Demoted, s.TransferFailures, s.IndexedBlocks, s.OpenSessions)
}
