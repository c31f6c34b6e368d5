package cache

import (
	"fmt"
	"time"
)

// Eviction policy names accepted by Config.EvictionPolicy.
const (
	// EvictLRUTail orders victims by least-recent access, breaking ties
	// in favor of blocks deeper in their chain (tails are cheaper to
	// regenerate than shared prefixes). Default.
	EvictLRUTail = "lru-tail"
	// EvictLRU is plain least-recently-used with no chain-aware tie-break.
	EvictLRU = "lru"
)

// TierConfig describes one tier of the hierarchy. Tiers are ordered
// fastest-first in Config.Tiers; index 0 is the compute-adjacent tier.
type TierConfig struct {
	Name      string // tier name for logging (e.g. "gpu", "cpu", "disk")
	Enabled   bool   // disabled tiers are skipped entirely
	NumBlocks int    // slot capacity (must be > 0 when enabled)
	Backend   string // "memory" (default) or "disk"
	Path      string // storage directory, disk backend only
	Compress  bool   // zstd-compress payloads, disk backend only
}

// Config groups cache engine parameters. The core receives this as an
// already-validated struct; file parsing is the caller's concern
// (see cmd/ for the YAML surface).
type Config struct {
	BlockSizeTokens int          // tokens per block (must be > 0)
	BlockBytes      int          // payload bytes per block; 0 = caller-sized payloads
	Tiers           []TierConfig // fastest-first; at least one enabled

	TransferWorkers int    // async copy workers (default 4)
	TransferRetries int    // attempts per transfer before abandoning (default 3)
	EvictionPolicy  string // EvictLRUTail (default) or EvictLRU

	// AutoPromote re-tiers lookup hits found below tier 0 back toward
	// the compute-adjacent tier asynchronously.
	AutoPromote bool

	// LogInterval is the metrics logging period used by callers that
	// run a reporting loop; the core itself does not tick it.
	LogInterval time.Duration
}

// withDefaults fills zero-valued tunables.
func (c Config) withDefaults() Config {
	if c.TransferWorkers <= 0 {
		c.TransferWorkers = 4
	}
	if c.TransferRetries <= 0 {
		c.TransferRetries = 3
	}
	if c.EvictionPolicy == "" {
		c.EvictionPolicy = EvictLRUTail
	}
	return c
}

// Validate rejects invalid combinations before any state is built.
func (c Config) Validate() error {
	if c.BlockSizeTokens <= 0 {
		return fmt.Errorf("block_size_tokens must be > 0, got %d", c.BlockSizeTokens)
	}
	if c.BlockBytes < 0 {
		return fmt.Errorf("block_bytes must be >= 0, got %d", c.BlockBytes)
	}
	enabled := 0
	for _, t := range c.Tiers {
		if !t.Enabled {
			continue
		}
		enabled++
		if t.NumBlocks <= 0 {
			return fmt.Errorf("tier %q enabled with num_blocks %d, must be > 0", t.Name, t.NumBlocks)
		}
		switch t.Backend {
		case "", "memory":
		case "disk":
			if t.Path == "" {
				return fmt.Errorf("tier %q uses disk backend but has no path", t.Name)
			}
		default:
			return fmt.Errorf("tier %q: unknown backend %q", t.Name, t.Backend)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no enabled tiers configured")
	}
	switch p := c.withDefaults().EvictionPolicy; p {
	case EvictLRUTail, EvictLRU:
	default:
		return fmt.Errorf("unknown eviction policy %q", p)
	}
	return nil
}
