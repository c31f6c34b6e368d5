package cache

import (
	"github.com/sirupsen/logrus"

	"github.com/tierkv/tierkv/cache/internal/hash"
)

// prefixIndex maps cumulative token-prefix hashes to block ids.
// Because each full block is keyed by the hash of the entire token
// sequence up to its boundary, two sequences sharing a prefix resolve
// to the very same descriptors for the shared blocks: structural
// sharing and forking both fall out of the keying scheme, with no
// explicit tree. A sequence that diverges mid-way simply stops
// matching at the divergence boundary and inserts fresh blocks for its
// suffix, leaving the shared prefix untouched for existing holders.
//
// Guarded by the engine mutex; last-access bumps are atomic so the
// read path can run under the read lock.
type prefixIndex struct {
	blockSize int
	byHash    map[string]BlockID
}

func newPrefixIndex(blockSize int) *prefixIndex {
	return &prefixIndex{
		blockSize: blockSize,
		byHash:    make(map[string]BlockID),
	}
}

// lookup walks the token sequence block boundary by block boundary and
// returns the longest chain of READY blocks. A mismatch or a
// non-READY block at any boundary truncates the match; no partial
// block matching. Matched blocks get their last-access stamp bumped to
// clock. Never fails: an empty match is a valid result.
func (idx *prefixIndex) lookup(tokens []int, ds *descStore, clock int64) MatchResult {
	var res MatchResult
	for _, h := range hash.BlockHashes(idx.blockSize, tokens) {
		id, ok := idx.byHash[h]
		if !ok {
			break
		}
		b := ds.get(id)
		// EVICTING (and anything else non-READY) is invisible; the state
		// change and index visibility flip together under the engine lock.
		if b.state != BlockReady {
			break
		}
		b.lastAccess.Store(clock)
		res.Blocks = append(res.Blocks, BlockRef{ID: id, Tier: b.tier})
	}
	res.MatchedTokens = len(res.Blocks) * idx.blockSize
	return res
}

// insert publishes a full block under its cumulative hash. If another
// block already owns the hash (two sessions raced the same prefix),
// the existing entry wins and insert reports false so the caller can
// fold the duplicate.
func (idx *prefixIndex) insert(h string, id BlockID) bool {
	if h == "" {
		return false
	}
	if prev, ok := idx.byHash[h]; ok && prev != id {
		logrus.Debugf("prefix index: hash already owned by block %d, dropping duplicate %d", prev, id)
		return false
	}
	idx.byHash[h] = id
	return true
}

// remove drops a block's entry. Removing a hash owned by a different
// block is a no-op (the entry was already superseded).
func (idx *prefixIndex) remove(h string, id BlockID) {
	if h == "" {
		return
	}
	if cur, ok := idx.byHash[h]; ok && cur == id {
		delete(idx.byHash, h)
	}
}

// len reports the number of indexed blocks.
func (idx *prefixIndex) len() int {
	return len(idx.byHash)
}
