package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tierkv/tierkv/cache"
)

// tierYAML is the per-tier block of the YAML config surface.
type tierYAML struct {
	Enabled   bool   `yaml:"enabled"`
	NumBlocks int    `yaml:"num_blocks"`
	Backend   string `yaml:"backend"`  // "memory" (default) or "disk"
	Path      string `yaml:"path"`     // disk backend only
	Compress  bool   `yaml:"compress"` // disk backend only
}

// cacheYAML is the on-disk cache configuration schema. The core never
// parses this; the CLI turns it into a validated cache.Config.
type cacheYAML struct {
	BlockSizeTokens int                 `yaml:"block_size_tokens"`
	BlockBytes      int                 `yaml:"block_bytes"`
	LogIntervalS    int                 `yaml:"log_interval_s"`
	EvictionPolicy  string              `yaml:"eviction_policy"`
	TransferWorkers int                 `yaml:"transfer_workers"`
	AutoPromote     bool                `yaml:"auto_promote"`
	Tiers           map[string]tierYAML `yaml:"tiers"`
}

// tierOrder fixes the hierarchy position of recognized tier names,
// fastest first. The YAML tier map is unordered; this is what orders it.
var tierOrder = map[string]int{
	"gpu":  0,
	"cpu":  1,
	"disk": 2,
}

// LoadCacheConfig reads and validates a YAML cache config file.
func LoadCacheConfig(path string) (cache.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cache.Config{}, fmt.Errorf("reading cache config: %w", err)
	}
	var y cacheYAML
	if err := yaml.Unmarshal(data, &y); err != nil {
		return cache.Config{}, fmt.Errorf("parsing cache config: %w", err)
	}

	names := make([]string, 0, len(y.Tiers))
	for name := range y.Tiers {
		if _, ok := tierOrder[name]; !ok {
			return cache.Config{}, fmt.Errorf("unknown tier %q (recognized: gpu, cpu, disk)", name)
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return tierOrder[names[i]] < tierOrder[names[j]] })

	cfg := cache.Config{
		BlockSizeTokens: y.BlockSizeTokens,
		BlockBytes:      y.BlockBytes,
		EvictionPolicy:  y.EvictionPolicy,
		TransferWorkers: y.TransferWorkers,
		AutoPromote:     y.AutoPromote,
		LogInterval:     time.Duration(y.LogIntervalS) * time.Second,
	}
	for _, name := range names {
		t := y.Tiers[name]
		backend := t.Backend
		if backend == "" && name == "disk" {
			backend = "disk"
		}
		cfg.Tiers = append(cfg.Tiers, cache.TierConfig{
			Name:      name,
			Enabled:   t.Enabled,
			NumBlocks: t.NumBlocks,
			Backend:   backend,
			Path:      t.Path,
			Compress:  t.Compress,
		})
	}
	if err := cfg.Validate(); err != nil {
		return cache.Config{}, err
	}
	return cfg, nil
}
