package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// inspectCmd validates a cache config file and echoes the resolved
// tier layout, catching bad deployments before the engine boots.
var inspectCmd = &cobra.Command{
	Use:   "inspect-config",
	Short: "Validate a cache configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := LoadCacheConfig(configPath)
		if err != nil {
			logrus.Fatalf("invalid cache config: %v", err)
		}
		fmt.Printf("block size: %d tokens\n", cfg.BlockSizeTokens)
		if cfg.BlockBytes > 0 {
			fmt.Printf("block payload: %d bytes\n", cfg.BlockBytes)
		}
		fmt.Printf("eviction policy: %s\n", cfg.EvictionPolicy)
		for i, t := range cfg.Tiers {
			state := "disabled"
			if t.Enabled {
				state = fmt.Sprintf("%d blocks", t.NumBlocks)
			}
			backend := t.Backend
			if backend == "" {
				backend = "memory"
			}
			fmt.Printf("tier %d %-6s [%s]: %s\n", i, t.Name, backend, state)
		}
		fmt.Println("config OK")
	},
}
