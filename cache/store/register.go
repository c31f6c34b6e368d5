// register.go wires the store package's backends into the cache
// package's NewTierBackendFunc factory variable. This init() runs when
// any package imports cache/store, breaking the import cycle between
// cache/ (interface owner) and cache/store/ (implementations).
package store

import (
	"fmt"

	"github.com/tierkv/tierkv/cache"
)

func init() {
	cache.NewTierBackendFunc = New
}

// New creates a TierBackend for one tier config. The "memory" backend
// (the default) serves device- and host-adjacent tiers; "disk" backs
// the cold tier with one file per block, optionally zstd-compressed.
func New(cfg cache.TierConfig, blockBytes int) (cache.TierBackend, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(cfg.NumBlocks, blockBytes), nil
	case "disk":
		return NewDisk(DiskConfig{
			Path:      cfg.Path,
			NumBlocks: cfg.NumBlocks,
			Compress:  cfg.Compress,
		})
	default:
		return nil, fmt.Errorf("unknown tier backend %q", cfg.Backend)
	}
}
