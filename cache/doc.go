// Package cache implements a hierarchical KV cache engine for
// transformer inference: it stores, indexes and migrates the attention
// key/value blocks produced during autoregressive generation so that
// overlapping prompt prefixes can reuse previously computed state.
//
// # Reading Guide
//
// Start with these three files to understand the engine:
//   - block.go: the block descriptor arena and lifecycle states
//     (FREE → RESERVED → FILLING → READY → EVICTING)
//   - session.go: the host-facing contract the inference engine calls
//     per request (Lookup, Reserve, Write, Commit, Release, Close)
//   - engine.go: construction, tier wiring and capacity admission
//
// # Architecture
//
// The cache package defines interfaces and the engine; payload storage
// lives in a sub-package:
//   - cache/store/: tier backends (in-memory slab, zstd-compressed disk)
//   - cache/internal/hash/: cumulative token-prefix hashing
//
// cache/store registers its backend factory via an init() function
// that sets the package-level NewTierBackendFunc variable.
//
// # Data flow
//
// The inference engine opens a Session per request, calls Lookup with
// the prompt's token sequence and gets back the longest block-aligned
// cached prefix, computes only the unmatched suffix, Reserves blocks
// for it, Writes the new KV tensors and Commits. Committed full
// blocks become visible to every later Lookup; eviction demotes cold
// blocks down the tier hierarchy before discarding them.
//
// Lookup, Reserve and Release are index/allocator operations only and
// return quickly; cross-tier copies run on the transfer scheduler's
// worker pool and complete through pollable handles.
package cache
