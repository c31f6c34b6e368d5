package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate_AcceptsMinimalMemoryTier(t *testing.T) {
	cfg := Config{
		BlockSizeTokens: 16,
		Tiers:           []TierConfig{{Name: "cpu", Enabled: true, NumBlocks: 8}},
	}
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate_RejectsBadShapes(t *testing.T) {
	base := func() Config {
		return Config{
			BlockSizeTokens: 16,
			Tiers:           []TierConfig{{Name: "cpu", Enabled: true, NumBlocks: 8}},
		}
	}

	cfg := base()
	cfg.BlockSizeTokens = 0
	assert.Error(t, cfg.Validate(), "zero block size")

	cfg = base()
	cfg.BlockBytes = -1
	assert.Error(t, cfg.Validate(), "negative block bytes")

	cfg = base()
	cfg.Tiers[0].NumBlocks = 0
	assert.Error(t, cfg.Validate(), "enabled tier without capacity")

	cfg = base()
	cfg.Tiers[0].Backend = "disk"
	assert.Error(t, cfg.Validate(), "disk backend without a path")

	cfg = base()
	cfg.Tiers[0].Backend = "tape"
	assert.Error(t, cfg.Validate(), "unknown backend")

	cfg = base()
	cfg.EvictionPolicy = "mru"
	assert.Error(t, cfg.Validate(), "unknown eviction policy")

	cfg = base()
	cfg.Tiers[0].Enabled = false
	assert.Error(t, cfg.Validate(), "no enabled tiers")
}

func TestConfigValidate_DisabledTiersAreNotInspected(t *testing.T) {
	// A disabled tier may carry an otherwise invalid shape.
	cfg := Config{
		BlockSizeTokens: 16,
		Tiers: []TierConfig{
			{Name: "gpu", Enabled: true, NumBlocks: 4},
			{Name: "disk", Enabled: false, Backend: "disk"}, // no path, no capacity
		},
	}
	assert.NoError(t, cfg.Validate())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{
		BlockSizeTokens: 16,
		Tiers:           []TierConfig{{Name: "cpu", Enabled: true, NumBlocks: 8}},
	}.withDefaults()

	assert.Equal(t, 4, cfg.TransferWorkers)
	assert.Equal(t, 3, cfg.TransferRetries)
	assert.Equal(t, EvictLRUTail, cfg.EvictionPolicy)

	// Explicit values survive.
	cfg = Config{TransferWorkers: 2, TransferRetries: 1, EvictionPolicy: EvictLRU}.withDefaults()
	assert.Equal(t, 2, cfg.TransferWorkers)
	assert.Equal(t, 1, cfg.TransferRetries)
	assert.Equal(t, EvictLRU, cfg.EvictionPolicy)
}
