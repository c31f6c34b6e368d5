package cache

import (
	"errors"
	"sync"
	"testing"
)

func TestLookup_ColdStart_EmptyMatchIsValid(t *testing.T) {
	// GIVEN a fresh engine
	eng, _ := newTestEngine(t, oneTierConfig(8))
	sess, err := eng.OpenSession("r1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	// WHEN looking up a never-seen sequence
	match, err := sess.Lookup(seqTokens(0, 64))

	// THEN the lookup succeeds with an empty match
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if match.MatchedTokens != 0 || len(match.Blocks) != 0 {
		t.Errorf("cold lookup: got %d tokens / %d blocks, want empty match", match.MatchedTokens, len(match.Blocks))
	}
}

func TestCommit_FullChain_VisibleToLaterSessions(t *testing.T) {
	// GIVEN a committed 4-block sequence
	eng, _ := newTestEngine(t, oneTierConfig(8))
	tokens := seqTokens(0, 64)
	sess, refs := commitSequence(t, eng, "r1", tokens)
	if len(refs) != 4 {
		t.Fatalf("expected 4 committed blocks, got %d", len(refs))
	}
	sess.Close()

	// WHEN a second session looks up the same sequence
	sess2, err := eng.OpenSession("r2")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess2.Close()
	match, err := sess2.Lookup(tokens)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	// THEN the full chain is matched
	if match.MatchedTokens != 64 {
		t.Errorf("matched %d tokens, want 64", match.MatchedTokens)
	}
}

func TestStructuralSharing_SharedPrefixSameBlockIdentity(t *testing.T) {
	// GIVEN sequences A and B sharing their first two blocks
	eng, _ := newTestEngine(t, oneTierConfig(8))
	shared := seqTokens(0, 32)
	seqA := append(append([]int{}, shared...), seqTokens(100, 16)...)
	seqB := append(append([]int{}, shared...), seqTokens(200, 16)...)

	sessA, refsA := commitSequence(t, eng, "A", seqA)
	sessA.Close()
	sessB, refsB := commitSequence(t, eng, "B", seqB)
	sessB.Close()

	// THEN both chains resolve to identical block ids for the shared
	// prefix, and diverge after it
	for i := 0; i < 2; i++ {
		if refsA[i].ID != refsB[i].ID {
			t.Errorf("shared block %d: A has id %d, B has id %d, want identity", i, refsA[i].ID, refsB[i].ID)
		}
	}
	if refsA[2].ID == refsB[2].ID {
		t.Errorf("divergent block: A and B share id %d, want distinct blocks", refsA[2].ID)
	}
}

func TestReserve_Admission_AllOrNothing(t *testing.T) {
	// GIVEN a 4-block tier fully pinned by an open session
	eng, _ := newTestEngine(t, oneTierConfig(4))
	sess, _ := commitSequence(t, eng, "r1", seqTokens(0, 64))
	defer sess.Close()

	// WHEN another session reserves 2 blocks
	sess2, err := eng.OpenSession("r2")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess2.Close()
	if _, err := sess2.Lookup(seqTokens(500, 32)); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	_, err = sess2.Reserve(2)

	// THEN admission fails (all blocks pinned, no victims) and the
	// cache is exactly as before the call
	if !errors.Is(err, ErrAdmission) {
		t.Fatalf("Reserve: got %v, want ErrAdmission", err)
	}
	stats := eng.Stats()
	if stats.Tiers[0].Used != 4 || stats.Tiers[0].Free != 0 {
		t.Errorf("tier after failed reserve: used=%d free=%d, want 4/0", stats.Tiers[0].Used, stats.Tiers[0].Free)
	}
}

func TestReserve_PinnedBlocksNeverEvicted(t *testing.T) {
	// GIVEN a full tier where every block is referenced by a session
	eng, _ := newTestEngine(t, oneTierConfig(4))
	sess, _ := commitSequence(t, eng, "r1", seqTokens(0, 64))
	defer sess.Close()

	// WHEN a second session needs space
	sess2, _ := eng.OpenSession("r2")
	defer sess2.Close()
	if _, err := sess2.Lookup(seqTokens(900, 16)); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	_, err := sess2.Reserve(1)

	// THEN no pinned block was sacrificed
	if !errors.Is(err, ErrAdmission) {
		t.Fatalf("Reserve: got %v, want ErrAdmission", err)
	}
	sess3, _ := eng.OpenSession("r3")
	defer sess3.Close()
	match, _ := sess3.Lookup(seqTokens(0, 64))
	if match.MatchedTokens != 64 {
		t.Errorf("pinned chain shrank to %d tokens after failed admission", match.MatchedTokens)
	}
}

func TestRelease_Idempotent_NoDoubleDecrement(t *testing.T) {
	// GIVEN a session holding one committed block
	eng, _ := newTestEngine(t, oneTierConfig(4))
	sess, refs := commitSequence(t, eng, "r1", seqTokens(0, 16))
	id := refs[0].ID

	if got := eng.desc.get(id).refCount.Load(); got != 1 {
		t.Fatalf("refcount after commit: got %d, want 1", got)
	}

	// WHEN releasing the same reference twice
	if err := sess.Release(refs); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := sess.Release(refs); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	// THEN the second release is a no-op and the count is not negative
	if got := eng.desc.get(id).refCount.Load(); got != 0 {
		t.Errorf("refcount after double release: got %d, want 0", got)
	}
	sess.Close()
	if got := eng.desc.get(id).refCount.Load(); got != 0 {
		t.Errorf("refcount after close: got %d, want 0", got)
	}
}

func TestSession_OperationsAfterClose_InvalidState(t *testing.T) {
	// GIVEN a closed session
	eng, _ := newTestEngine(t, oneTierConfig(4))
	sess, refs := commitSequence(t, eng, "r1", seqTokens(0, 16))
	sess.Close()

	// THEN every contract operation reports the state error
	if _, err := sess.Lookup(seqTokens(0, 16)); !errors.Is(err, ErrSessionState) {
		t.Errorf("Lookup after close: got %v, want ErrSessionState", err)
	}
	if _, err := sess.Reserve(1); !errors.Is(err, ErrSessionState) {
		t.Errorf("Reserve after close: got %v, want ErrSessionState", err)
	}
	if err := sess.Commit(refs); !errors.Is(err, ErrSessionState) {
		t.Errorf("Commit after close: got %v, want ErrSessionState", err)
	}
	if err := sess.Write(refs[0], payloadFor(seqTokens(0, 16))); !errors.Is(err, ErrSessionState) {
		t.Errorf("Write after close: got %v, want ErrSessionState", err)
	}
}

func TestAbort_UncommittedBlocksNeverVisible(t *testing.T) {
	// GIVEN a session with written but uncommitted blocks
	eng, _ := newTestEngine(t, oneTierConfig(4))
	sess, err := eng.OpenSession("r1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	tokens := seqTokens(0, 32)
	if _, err := sess.Lookup(tokens); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	refs, err := sess.Reserve(2)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	for i, ref := range refs {
		if err := sess.Write(ref, payloadFor(tokens[i*16:(i+1)*16])); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	// WHEN the session is aborted
	sess.Abort()

	// THEN the blocks were discarded, not published
	sess2, _ := eng.OpenSession("r2")
	defer sess2.Close()
	match, _ := sess2.Lookup(tokens)
	if match.MatchedTokens != 0 {
		t.Errorf("aborted blocks visible: matched %d tokens, want 0", match.MatchedTokens)
	}
	stats := eng.Stats()
	if stats.Tiers[0].Used != 0 {
		t.Errorf("tier used=%d after abort, want 0", stats.Tiers[0].Used)
	}
}

func TestCommit_CorruptedContent_DiscardedNeverReady(t *testing.T) {
	// GIVEN a written block whose backend content is damaged before commit
	eng, backends := newTestEngine(t, oneTierConfig(4))
	sess, err := eng.OpenSession("r1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()
	tokens := seqTokens(0, 16)
	if _, err := sess.Lookup(tokens); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	refs, err := sess.Reserve(1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := sess.Write(refs[0], payloadFor(tokens)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	backends[0].corruptAll()

	// WHEN committing
	err = sess.Commit(refs)

	// THEN the commit reports corruption and the block is gone
	if !errors.Is(err, ErrCorruption) {
		t.Fatalf("Commit: got %v, want ErrCorruption", err)
	}
	sess2, _ := eng.OpenSession("r2")
	defer sess2.Close()
	match, _ := sess2.Lookup(tokens)
	if match.MatchedTokens != 0 {
		t.Errorf("corrupted block visible: matched %d tokens", match.MatchedTokens)
	}
	if eng.Stats().Corrupted != 1 {
		t.Errorf("corrupted counter: got %d, want 1", eng.Stats().Corrupted)
	}
}

func TestReserve_ConcurrentRace_ExactlyOneWins(t *testing.T) {
	// GIVEN a tier with a single free slot and no eligible victims
	eng, _ := newTestEngine(t, oneTierConfig(1))

	// WHEN two sessions race for it
	start := make(chan struct{})
	hold := make(chan struct{})
	outcome := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := eng.OpenSession("")
			if err != nil {
				outcome <- err
				return
			}
			defer sess.Close()
			<-start
			if _, err := sess.Lookup(seqTokens(i*1000, 16)); err != nil {
				outcome <- err
				return
			}
			_, err = sess.Reserve(1)
			outcome <- err
			// Keep any won slot pinned until both attempts resolved.
			<-hold
		}(i)
	}
	close(start)
	var results []error
	for i := 0; i < 2; i++ {
		results = append(results, <-outcome)
	}
	close(hold)
	wg.Wait()

	// THEN exactly one got the slot
	failures := 0
	for _, err := range results {
		if errors.Is(err, ErrAdmission) {
			failures++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if failures != 1 {
		t.Errorf("got %d admission failures, want exactly 1", failures)
	}
}

func TestOpenSession_AfterEngineClose_Fails(t *testing.T) {
	eng, _ := newTestEngine(t, oneTierConfig(2))
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := eng.OpenSession("r1"); !errors.Is(err, ErrClosed) {
		t.Errorf("OpenSession after Close: got %v, want ErrClosed", err)
	}
}
