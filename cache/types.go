package cache

// BlockID is the stable identity of a block descriptor for its
// lifetime. IDs index into the engine's descriptor arena and are
// recycled only after a block has been fully freed.
type BlockID int64

// NoBlock is the zero-value-adjacent sentinel for "no block".
const NoBlock BlockID = -1

// TierID identifies a tier by its position in the hierarchy.
// Tier 0 is the fastest (compute-adjacent) tier; higher IDs are colder.
type TierID int

// NoTier marks an unassigned tier.
const NoTier TierID = -1

// BlockState is the lifecycle state of a block descriptor.
type BlockState int

const (
	// BlockFree: descriptor is unused and owns no slot.
	BlockFree BlockState = iota
	// BlockReserved: slot assigned, no content written yet.
	BlockReserved
	// BlockFilling: content partially or fully written, not yet committed.
	BlockFilling
	// BlockReady: content committed and verified; visible to lookups.
	BlockReady
	// BlockEvicting: selected as a victim or mid-demotion; invisible to
	// lookups, cannot acquire new pins.
	BlockEvicting
)

// String returns the state name for logging.
func (s BlockState) String() string {
	switch s {
	case BlockFree:
		return "FREE"
	case BlockReserved:
		return "RESERVED"
	case BlockFilling:
		return "FILLING"
	case BlockReady:
		return "READY"
	case BlockEvicting:
		return "EVICTING"
	default:
		return "UNKNOWN"
	}
}

// BlockRef is what sessions hold: a block identity plus the tier it
// resolved to at lookup/reserve time. The tier is informational (the
// block may migrate); the ID is what the pin is against.
type BlockRef struct {
	ID   BlockID
	Tier TierID
}

// MatchResult is the outcome of a prefix lookup.
type MatchResult struct {
	MatchedTokens int        // longest block-aligned prefix found, in tokens
	Blocks        []BlockRef // one ref per matched block, in chain order
}

// TierBackend stores raw block payloads for one tier, addressed by
// slot index. Payload bytes are opaque to the cache; the inference
// engine dictates tensor layout. Implementations live in cache/store
// and must be safe for concurrent use on distinct slots.
type TierBackend interface {
	// WriteBlock stores data at slot, replacing any previous content.
	WriteBlock(slot int, data []byte) error
	// ReadBlock returns the content at slot. The returned slice is a
	// copy the caller may retain.
	ReadBlock(slot int) ([]byte, error)
	// FreeBlock discards the content at slot.
	FreeBlock(slot int) error
	// Close releases backend resources.
	Close() error
}

// NewTierBackendFunc constructs a TierBackend for a tier config.
// Set by cache/store's init(); importing that package wires the
// implementations in without an import cycle.
var NewTierBackendFunc func(cfg TierConfig, blockBytes int) (TierBackend, error)
