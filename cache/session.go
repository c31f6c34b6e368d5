package cache

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tierkv/tierkv/cache/internal/hash"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	// SessionOpen accepts lookups, reserves, writes and commits.
	SessionOpen SessionState = iota
	// SessionClosing drains; no new operations are accepted.
	SessionClosing
	// SessionClosed has released every pin it held.
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "OPEN"
	case SessionClosing:
		return "CLOSING"
	case SessionClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session scopes one inference request's cache usage. It holds shared
// (reference-counted) pins on the blocks it uses; pinned blocks are
// never eviction victims. Sessions are not safe for concurrent use by
// multiple goroutines (the inference engine calls them from its
// per-step control loop), but any number of sessions may run against
// the same Engine concurrently.
type Session struct {
	id        string
	requestID string
	eng       *Engine

	mu          sync.Mutex
	state       SessionState
	tokens      []int // token sequence this session is generating KV for
	chain       []BlockID
	held        map[BlockID]bool
	uncommitted map[BlockID]bool
	tail        BlockID // block currently tail-held by this session
}

// OpenSession starts a session for a request. An empty requestID gets
// a generated one.
func (e *Engine) OpenSession(requestID string) (*Session, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	s := &Session{
		id:          uuid.NewString(),
		requestID:   requestID,
		eng:         e,
		state:       SessionOpen,
		held:        make(map[BlockID]bool),
		uncommitted: make(map[BlockID]bool),
		tail:        NoBlock,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	e.sessions[s.id] = s
	logrus.Debugf("session %s opened for request %s", s.id, requestID)
	return s, nil
}

// RequestID returns the request this session serves.
func (s *Session) RequestID() string { return s.requestID }

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Lookup finds the longest block-aligned cached prefix of tokens,
// pins the matched blocks for this session and records tokens as the
// session's sequence. Never fails while the session is OPEN: a cold
// start is an empty match. Matched blocks sitting below the
// compute-adjacent tier are scheduled for promotion when AutoPromote
// is set.
func (s *Session) Lookup(tokens []int) (MatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionOpen {
		return MatchResult{}, sessionStateError("Lookup", s.state)
	}

	e := s.eng
	clock := e.tick()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return MatchResult{}, ErrClosed
	}
	res := e.index.lookup(tokens, e.desc, clock)
	for _, ref := range res.Blocks {
		if !s.held[ref.ID] {
			e.desc.get(ref.ID).refCount.Add(1)
			s.held[ref.ID] = true
		}
	}
	e.mu.Unlock()

	s.tokens = append(s.tokens[:0], tokens...)
	s.chain = s.chain[:0]
	for _, ref := range res.Blocks {
		s.chain = append(s.chain, ref.ID)
	}

	e.metrics.lookups.Add(1)
	e.metrics.hitBlocks.Add(int64(len(res.Blocks)))

	if e.cfg.AutoPromote {
		for _, ref := range res.Blocks {
			if ref.Tier > 0 {
				if _, err := e.Promote(ref.ID, 0); err != nil {
					logrus.Debugf("session %s: auto-promote of block %d skipped: %v", s.id, ref.ID, err)
				}
			}
		}
	}
	return res, nil
}

// ExtendTokens appends decoded tokens to the session's sequence, used
// during generation before reserving blocks for the new positions.
func (s *Session) ExtendTokens(tokens ...int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionOpen {
		return sessionStateError("ExtendTokens", s.state)
	}
	s.tokens = append(s.tokens, tokens...)
	return nil
}

// Reserve allocates n new blocks on the compute-adjacent tier,
// extending this session's chain. All-or-nothing: on ErrAdmission the
// cache is exactly as before (beyond any eviction of unreferenced
// blocks attempted to make room). Reserved blocks are pinned and
// invisible to other sessions until Commit.
func (s *Session) Reserve(n int) ([]BlockRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionOpen {
		return nil, sessionStateError("Reserve", s.state)
	}
	if n <= 0 {
		return nil, fmt.Errorf("reserve of %d blocks", n)
	}

	e := s.eng
	clock := e.tick()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	slots, cleanup, err := e.allocSlotsLocked(0, n)
	if err != nil {
		e.mu.Unlock()
		runAll(cleanup)
		e.metrics.missBlocks.Add(int64(n))
		logrus.Warnf("session %s: reserve of %d blocks failed: %v", s.id, n, err)
		return nil, err
	}

	refs := make([]BlockRef, 0, n)
	base := len(s.chain)
	for i, slot := range slots {
		b := e.desc.take()
		if b == nil {
			// Arena capacity equals total slot capacity; holding a slot
			// guarantees a descriptor.
			panic("descriptor arena exhausted while slots were available")
		}
		b.state = BlockReserved
		b.tier = 0
		b.slot = slot
		b.depth = base + i
		b.refCount.Store(1)
		b.lastAccess.Store(clock)
		s.held[b.id] = true
		s.uncommitted[b.id] = true
		s.chain = append(s.chain, b.id)
		refs = append(refs, BlockRef{ID: b.id, Tier: 0})
	}
	s.setTailLocked(refs[len(refs)-1].ID)
	e.mu.Unlock()

	runAll(cleanup)
	e.metrics.missBlocks.Add(int64(n))
	return refs, nil
}

// setTailLocked moves this session's tail hold to id. Caller holds
// the engine write lock.
func (s *Session) setTailLocked(id BlockID) {
	if s.tail == id {
		return
	}
	if s.tail != NoBlock {
		s.eng.desc.get(s.tail).tailHold--
	}
	s.tail = id
	if id != NoBlock {
		s.eng.desc.get(id).tailHold++
	}
}

// Write stores tensor bytes into a reserved block. The payload is
// opaque; a digest is recorded so Commit can verify the content
// survived intact. Writing is only legal before Commit, while the
// block is private to this session, so the backend write runs without
// the engine lock.
func (s *Session) Write(ref BlockRef, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionOpen {
		return sessionStateError("Write", s.state)
	}
	if !s.uncommitted[ref.ID] {
		return fmt.Errorf("%w: Write to block %d not reserved by this session", ErrSessionState, ref.ID)
	}
	if s.eng.cfg.BlockBytes > 0 && len(data) != s.eng.cfg.BlockBytes {
		return fmt.Errorf("payload is %d bytes, block size is %d", len(data), s.eng.cfg.BlockBytes)
	}

	e := s.eng
	e.mu.Lock()
	b := e.desc.get(ref.ID)
	if b.state != BlockReserved && b.state != BlockFilling {
		st := b.state
		e.mu.Unlock()
		return fmt.Errorf("%w: Write to block %d in state %s", ErrSessionState, ref.ID, st)
	}
	b.state = BlockFilling
	tier := e.tiers[b.tier]
	slot := b.slot
	e.mu.Unlock()

	if err := tier.backend.WriteBlock(slot, data); err != nil {
		return fmt.Errorf("writing block %d to tier %s: %w", ref.ID, tier.name, err)
	}

	e.mu.Lock()
	b.byteSum = hash.Bytes(data)
	e.mu.Unlock()
	return nil
}

// Commit publishes written blocks: each is re-read and verified
// against the digest recorded at Write, assigned its cumulative
// token-prefix hash from the session's token sequence, and flipped
// FILLING->READY. Commit is the only operation that makes a block
// visible to other sessions. A block that fails verification is
// discarded (never READY) and ErrCorruption is returned after the
// remaining blocks commit.
func (s *Session) Commit(refs []BlockRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionOpen {
		return sessionStateError("Commit", s.state)
	}

	e := s.eng
	bs := e.cfg.BlockSizeTokens
	var corrupt []BlockID

	for _, ref := range refs {
		if !s.uncommitted[ref.ID] {
			return fmt.Errorf("%w: Commit of block %d not reserved by this session", ErrSessionState, ref.ID)
		}

		e.mu.RLock()
		b := e.desc.get(ref.ID)
		state := b.state
		sum := b.byteSum
		tier := e.tiers[b.tier]
		slot := b.slot
		depth := b.depth
		e.mu.RUnlock()

		if state != BlockFilling {
			return fmt.Errorf("%w: Commit of block %d in state %s (not written?)", ErrSessionState, ref.ID, state)
		}

		// Verify outside the engine lock: re-read and compare digests.
		data, err := tier.backend.ReadBlock(slot)
		verified := err == nil && sum != "" && hash.Bytes(data) == sum

		start := depth * bs
		end := start + bs
		if end > len(s.tokens) {
			end = len(s.tokens)
		}
		if start >= len(s.tokens) {
			verified = false
			err = fmt.Errorf("block %d at depth %d is beyond the session's %d tokens", ref.ID, depth, len(s.tokens))
		}

		if !verified {
			logrus.Warnf("session %s: block %d failed verification, discarding: %v", s.id, ref.ID, err)
			e.metrics.corrupted.Add(1)
			s.discardBlock(ref.ID)
			corrupt = append(corrupt, ref.ID)
			continue
		}

		e.mu.Lock()
		b.tokens = end - start
		b.state = BlockReady
		if b.tokens == bs {
			// Full block: publish under its cumulative prefix hash. A
			// racing session may have published the same prefix first; the
			// first writer wins and this copy stays session-private.
			b.hash = hash.Tokens(s.tokens[:end])
			if !e.index.insert(b.hash, b.id) {
				b.hash = ""
			}
		}
		e.mu.Unlock()
		delete(s.uncommitted, ref.ID)
		e.metrics.committed.Add(1)
	}

	if len(corrupt) > 0 {
		return fmt.Errorf("%w: blocks %v discarded at commit", ErrCorruption, corrupt)
	}
	return nil
}

// discardBlock reverts an uncommitted block to FREE: slot released,
// pin dropped, chain entry removed. Session lock held by caller.
func (s *Session) discardBlock(id BlockID) {
	e := s.eng
	e.mu.Lock()
	b := e.desc.get(id)
	tier := e.tiers[b.tier]
	slot := b.slot
	if s.tail == id {
		s.setTailLocked(NoBlock)
	}
	tier.releaseSlot(slot)
	e.desc.put(b)
	e.mu.Unlock()
	_ = tier.backend.FreeBlock(slot)

	delete(s.held, id)
	delete(s.uncommitted, id)
	for i, cid := range s.chain {
		if cid == id {
			s.chain = append(s.chain[:i], s.chain[i+1:]...)
			break
		}
	}
}

// Release drops this session's pins on the given blocks. Idempotent:
// releasing an unheld reference is a no-op and never double-decrements
// a reference count. Releasing a block that was reserved but never
// committed discards it.
func (s *Session) Release(refs []BlockRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return sessionStateError("Release", s.state)
	}
	for _, ref := range refs {
		s.releaseOne(ref.ID)
	}
	return nil
}

// releaseOne unpins a single block. Session lock held by caller.
func (s *Session) releaseOne(id BlockID) {
	if !s.held[id] {
		return
	}
	if s.uncommitted[id] {
		s.discardBlock(id)
		return
	}
	e := s.eng
	e.mu.Lock()
	b := e.desc.get(id)
	b.refCount.Add(-1)
	if s.tail == id {
		s.setTailLocked(NoBlock)
	}
	e.mu.Unlock()
	delete(s.held, id)
}

// Close completes the session normally: any blocks left uncommitted
// are discarded, all pins are released, and the session ends CLOSED.
// Committed blocks stay in the cache for future lookups.
func (s *Session) Close() error {
	return s.shutdown(false)
}

// Abort is the engine-signaled abrupt termination: in-flight writes
// are discarded (their blocks revert to FREE, never exposed as READY);
// transfers the session may have triggered are left to finish, which
// is harmless since their content is still correct. Content other
// sessions already committed is never revoked.
func (s *Session) Abort() {
	_ = s.shutdown(true)
}

func (s *Session) shutdown(abort bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return nil
	}
	if s.state == SessionClosing {
		return sessionStateError("Close", s.state)
	}
	s.state = SessionClosing

	for id := range s.uncommitted {
		s.discardBlock(id)
	}
	for id := range s.held {
		s.releaseOne(id)
	}

	e := s.eng
	e.mu.Lock()
	s.setTailLocked(NoBlock)
	delete(e.sessions, s.id)
	e.mu.Unlock()

	s.state = SessionClosed
	if abort {
		logrus.Debugf("session %s aborted (request %s)", s.id, s.requestID)
	} else {
		logrus.Debugf("session %s closed (request %s)", s.id, s.requestID)
	}
	return nil
}

// runAll executes deferred cleanup closures.
func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
