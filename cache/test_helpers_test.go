package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBackend is an in-memory TierBackend with fault injection for
// exercising transfer retry and corruption paths.
type fakeBackend struct {
	mu    sync.Mutex
	slots map[int][]byte

	failWrites atomic.Int32 // fail this many upcoming writes
	failReads  atomic.Int32 // fail this many upcoming reads
	writeDelay atomic.Int64 // nanoseconds to sleep per write

	holdReads   atomic.Int32 // park this many upcoming reads until releaseReads
	heldReads   atomic.Int32 // reads currently parked
	readRelease chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{slots: make(map[int][]byte)}
}

func (f *fakeBackend) WriteBlock(slot int, data []byte) error {
	if d := f.writeDelay.Load(); d > 0 {
		time.Sleep(time.Duration(d))
	}
	if f.failWrites.Load() > 0 {
		f.failWrites.Add(-1)
		return fmt.Errorf("injected write failure at slot %d", slot)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots[slot] = append([]byte(nil), data...)
	return nil
}

func (f *fakeBackend) ReadBlock(slot int) ([]byte, error) {
	if f.holdReads.Load() > 0 && f.holdReads.Add(-1) >= 0 {
		f.heldReads.Add(1)
		<-f.readRelease
	}
	if f.failReads.Load() > 0 {
		f.failReads.Add(-1)
		return nil, fmt.Errorf("injected read failure at slot %d", slot)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.slots[slot]
	if !ok {
		return nil, fmt.Errorf("slot %d is empty", slot)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeBackend) FreeBlock(slot int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.slots, slot)
	return nil
}

func (f *fakeBackend) Close() error { return nil }

// armReadHold parks the next n reads until releaseReads, exposing
// windows where a read overlaps concurrent engine mutations.
func (f *fakeBackend) armReadHold(n int) {
	f.readRelease = make(chan struct{})
	f.holdReads.Store(int32(n))
}

func (f *fakeBackend) releaseReads() {
	close(f.readRelease)
}

// corruptAll flips a bit in every stored payload, simulating data
// damage between Write and Commit.
func (f *fakeBackend) corruptAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for slot, data := range f.slots {
		if len(data) > 0 {
			data[0] ^= 0xFF
			f.slots[slot] = data
		}
	}
}

// newTestEngine builds an engine over fake backends and returns them
// tier-by-tier for fault injection.
func newTestEngine(t *testing.T, cfg Config) (*Engine, []*fakeBackend) {
	t.Helper()
	var backends []*fakeBackend
	prev := NewTierBackendFunc
	NewTierBackendFunc = func(tc TierConfig, blockBytes int) (TierBackend, error) {
		fb := newFakeBackend()
		backends = append(backends, fb)
		return fb, nil
	}
	eng, err := New(cfg)
	NewTierBackendFunc = prev
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng, backends
}

// oneTierConfig is a single memory tier of n blocks, 16 tokens each.
func oneTierConfig(n int) Config {
	return Config{
		BlockSizeTokens: 16,
		Tiers: []TierConfig{
			{Name: "cpu", Enabled: true, NumBlocks: n},
		},
	}
}

// twoTierConfig is gpu over cpu, both memory-backed.
func twoTierConfig(gpu, cpu int) Config {
	return Config{
		BlockSizeTokens: 16,
		Tiers: []TierConfig{
			{Name: "gpu", Enabled: true, NumBlocks: gpu},
			{Name: "cpu", Enabled: true, NumBlocks: cpu},
		},
	}
}

// seqTokens returns n consecutive token ids starting at start.
func seqTokens(start, n int) []int {
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = start + i
	}
	return tokens
}

// payloadFor fabricates deterministic block content from tokens.
func payloadFor(tokens []int) []byte {
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = byte(tokens[i%len(tokens)])
	}
	return buf
}

// commitSequence drives a full session write path for tokens and
// returns the open session plus all block refs in chain order
// (matched + newly committed). Caller closes the session.
func commitSequence(t *testing.T, eng *Engine, requestID string, tokens []int) (*Session, []BlockRef) {
	t.Helper()
	sess, err := eng.OpenSession(requestID)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	match, err := sess.Lookup(tokens)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	bs := eng.BlockSizeTokens()
	remaining := len(tokens) - match.MatchedTokens
	if remaining == 0 {
		return sess, match.Blocks
	}
	numNew := (remaining + bs - 1) / bs
	refs, err := sess.Reserve(numNew)
	if err != nil {
		t.Fatalf("Reserve(%d): %v", numNew, err)
	}
	for i, ref := range refs {
		start := match.MatchedTokens + i*bs
		end := start + bs
		if end > len(tokens) {
			end = len(tokens)
		}
		if err := sess.Write(ref, payloadFor(tokens[start:end])); err != nil {
			t.Fatalf("Write(%d): %v", ref.ID, err)
		}
	}
	if err := sess.Commit(refs); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return sess, append(match.Blocks, refs...)
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v: %s", timeout, msg)
}
