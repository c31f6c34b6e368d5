package cache

import (
	"errors"
	"fmt"
)

// Error taxonomy. ErrAdmission and ErrTransfer are recoverable;
// ErrCorruption is fatal for the affected block only; ErrSessionState
// signals caller misuse and is never swallowed.
var (
	// ErrAdmission: no tier, even after eviction, can satisfy a
	// reservation. The cache is left exactly as before the call.
	ErrAdmission = errors.New("admission failure: insufficient cache capacity")

	// ErrCorruption: a block's content did not verify at commit time.
	// The block is discarded and never becomes READY.
	ErrCorruption = errors.New("corruption detected: block content failed verification")

	// ErrTransfer: an I/O error moving a block between tiers. The
	// block remains valid at its current tier; transfers are retried
	// up to a bounded count before the move is abandoned.
	ErrTransfer = errors.New("transfer failure")

	// ErrSessionState: an operation was called outside the session's
	// current state (e.g. Commit after Close).
	ErrSessionState = errors.New("invalid session state")

	// ErrClosed: the engine has been shut down.
	ErrClosed = errors.New("cache engine closed")
)

// admissionError decorates ErrAdmission with the failed request.
func admissionError(tier TierID, want, free int) error {
	return fmt.Errorf("%w: tier %d has %d free blocks, need %d", ErrAdmission, tier, free, want)
}

// sessionStateError decorates ErrSessionState with the offending call.
func sessionStateError(op string, state SessionState) error {
	return fmt.Errorf("%w: %s called while session is %s", ErrSessionState, op, state)
}
