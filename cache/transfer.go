package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tierkv/tierkv/cache/internal/hash"
)

// TransferKind distinguishes promotion (toward compute) from demotion
// (toward cold storage).
type TransferKind int

const (
	TransferPromote TransferKind = iota
	TransferDemote
)

func (k TransferKind) String() string {
	if k == TransferPromote {
		return "promote"
	}
	return "demote"
}

// Transfer is the handle for one asynchronous cross-tier copy. It is
// created by the scheduler and completes exactly once; a second
// request for the same block while one is in flight attaches to the
// existing handle instead of duplicating work.
type Transfer struct {
	ID    string
	Block BlockID
	Kind  TransferKind
	From  TierID
	To    TierID

	done chan struct{}
	err  error // set before done is closed
}

// Poll reports completion without blocking. The error is meaningful
// only once done is true.
func (t *Transfer) Poll() (done bool, err error) {
	select {
	case <-t.done:
		return true, t.err
	default:
		return false, nil
	}
}

// Wait blocks until the transfer completes or timeout elapses.
// A non-positive timeout waits indefinitely.
func (t *Transfer) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		<-t.done
		return t.err
	}
	select {
	case <-t.done:
		return t.err
	case <-time.After(timeout):
		return fmt.Errorf("%w: wait for %s of block %d timed out after %v", ErrTransfer, t.Kind, t.Block, timeout)
	}
}

// transferJob pairs a handle with its work. staged carries payload
// bytes for eviction-driven demotions, where the source slot was
// already reclaimed and only the destination write remains.
type transferJob struct {
	tr     *Transfer
	staged []byte
}

// transferScheduler runs cross-tier copies on a bounded worker pool so
// the session fast path never waits on I/O. At most one in-flight
// transfer exists per block id.
type transferScheduler struct {
	eng     *Engine
	retries int

	mu       sync.Mutex
	inflight map[BlockID]*Transfer
	closed   bool

	jobs   chan *transferJob
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

func newTransferScheduler(eng *Engine, workers, retries, queueDepth int) *transferScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	ts := &transferScheduler{
		eng:      eng,
		retries:  retries,
		inflight: make(map[BlockID]*Transfer),
		// One in-flight transfer per block bounds outstanding jobs to
		// the descriptor count, so enqueues never block under a lock.
		jobs:   make(chan *transferJob, queueDepth),
		ctx:    ctx,
		cancel: cancel,
	}
	ts.group, _ = errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		ts.group.Go(ts.worker)
	}
	return ts
}

// inFlight reports whether a transfer for the block is outstanding.
func (ts *transferScheduler) inFlight(id BlockID) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.inflight[id]
	return ok
}

// schedule enqueues a job, deduplicating per block id. The returned
// handle may belong to an earlier, still-running transfer.
func (ts *transferScheduler) schedule(block BlockID, kind TransferKind, from, to TierID, staged []byte) (*Transfer, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		return nil, ErrClosed
	}
	if existing, ok := ts.inflight[block]; ok {
		logrus.Debugf("transfer: block %d already in flight (%s), attaching", block, existing.Kind)
		return existing, nil
	}
	tr := &Transfer{
		ID:    uuid.NewString(),
		Block: block,
		Kind:  kind,
		From:  from,
		To:    to,
		done:  make(chan struct{}),
	}
	ts.inflight[block] = tr
	ts.jobs <- &transferJob{tr: tr, staged: staged}
	return tr, nil
}

// finish resolves a transfer exactly once and clears the dedup entry.
func (ts *transferScheduler) finish(tr *Transfer, err error) {
	ts.mu.Lock()
	delete(ts.inflight, tr.Block)
	ts.mu.Unlock()
	tr.err = err
	close(tr.done)
	if err != nil {
		ts.eng.metrics.transferFailures.Add(1)
	}
}

// close drains the pool. Pending jobs still run; new schedules fail.
func (ts *transferScheduler) close() {
	ts.mu.Lock()
	if ts.closed {
		ts.mu.Unlock()
		return
	}
	ts.closed = true
	close(ts.jobs)
	ts.mu.Unlock()
	_ = ts.group.Wait()
	ts.cancel()
}

func (ts *transferScheduler) worker() error {
	for job := range ts.jobs {
		if job.staged != nil {
			ts.runStagedDemotion(job)
		} else {
			ts.runCopy(job)
		}
	}
	return nil
}

// runCopy executes a promotion (or an API-initiated demotion): copy
// first, swap the descriptor after, so the block stays READY and
// readable at its source for the whole copy. Readers that pinned the
// block before the transfer see either the old or the new location,
// never a half-migrated block: the tier/slot swap is a single
// write-locked mutation.
func (ts *transferScheduler) runCopy(job *transferJob) {
	tr := job.tr
	eng := ts.eng

	var lastErr error
	for attempt := 1; attempt <= ts.retries; attempt++ {
		// Snapshot the source location; bail out if the block was
		// evicted or already migrated since scheduling.
		eng.mu.RLock()
		b := eng.desc.get(tr.Block)
		if b.state != BlockReady || b.tier != tr.From {
			eng.mu.RUnlock()
			logrus.Debugf("transfer %s: block %d no longer at tier %d, abandoning", tr.ID, tr.Block, tr.From)
			ts.finish(tr, nil)
			return
		}
		srcSlot := b.slot
		eng.mu.RUnlock()

		src := eng.tiers[tr.From]
		data, err := src.backend.ReadBlock(srcSlot)
		if err != nil {
			lastErr = err
			continue
		}

		destSlot, err := eng.allocOneSlot(tr.To)
		if err != nil {
			lastErr = err
			continue
		}

		dst := eng.tiers[tr.To]
		if err := dst.backend.WriteBlock(destSlot, data); err != nil {
			dst.releaseSlot(destSlot)
			lastErr = err
			continue
		}

		// Commit the move. If the block changed underneath us (evicted,
		// released), back out the destination copy; content is still
		// correct wherever it ended up.
		eng.mu.Lock()
		if b.state != BlockReady || b.tier != tr.From || b.slot != srcSlot {
			eng.mu.Unlock()
			dst.releaseSlot(destSlot)
			_ = dst.backend.FreeBlock(destSlot)
			ts.finish(tr, nil)
			return
		}
		b.tier = tr.To
		b.slot = destSlot
		eng.mu.Unlock()

		src.releaseSlot(srcSlot)
		_ = src.backend.FreeBlock(srcSlot)
		if tr.Kind == TransferPromote {
			eng.metrics.promoted.Add(1)
		} else {
			eng.metrics.demoted.Add(1)
		}
		logrus.Debugf("transfer %s: %s block %d tier %d -> %d done", tr.ID, tr.Kind, tr.Block, tr.From, tr.To)
		ts.finish(tr, nil)
		return
	}
	ts.finish(tr, fmt.Errorf("%w: %s of block %d tier %d -> %d after %d attempts: %v",
		ErrTransfer, tr.Kind, tr.Block, tr.From, tr.To, ts.retries, lastErr))
}

// runStagedDemotion finishes an eviction-driven demotion. The
// descriptor already points at its destination slot in EVICTING state;
// only the payload write and the READY flip remain. If the write keeps
// failing the content is lost, which is no worse than the discard the
// eviction would otherwise have done.
func (ts *transferScheduler) runStagedDemotion(job *transferJob) {
	tr := job.tr
	eng := ts.eng
	dst := eng.tiers[tr.To]

	eng.mu.RLock()
	b := eng.desc.get(tr.Block)
	destSlot := b.slot
	sum := b.byteSum
	eng.mu.RUnlock()

	var lastErr error
	for attempt := 1; attempt <= ts.retries; attempt++ {
		if err := dst.backend.WriteBlock(destSlot, job.staged); err != nil {
			lastErr = err
			continue
		}
		if sum != "" && hash.Bytes(job.staged) != sum {
			lastErr = fmt.Errorf("staged payload digest mismatch for block %d", tr.Block)
			continue
		}
		eng.mu.Lock()
		b.state = BlockReady
		eng.index.insert(b.hash, b.id)
		eng.mu.Unlock()
		eng.metrics.demoted.Add(1)
		logrus.Debugf("transfer %s: demoted block %d to tier %d slot %d", tr.ID, tr.Block, tr.To, destSlot)
		ts.finish(tr, nil)
		return
	}

	eng.mu.Lock()
	eng.desc.put(b)
	eng.mu.Unlock()
	dst.releaseSlot(destSlot)
	_ = dst.backend.FreeBlock(destSlot)
	logrus.Warnf("transfer %s: demotion of block %d failed, content dropped: %v", tr.ID, tr.Block, lastErr)
	ts.finish(tr, fmt.Errorf("%w: demotion of block %d to tier %d after %d attempts: %v",
		ErrTransfer, tr.Block, tr.To, ts.retries, lastErr))
}
