package cmd

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	genOut          string
	genRequests     int
	genSeed         int64
	genPrefixGroups int
	genPrefixTokens int
	genSuffixTokens int
	genVocab        int
)

// genTraceCmd synthesizes a replayable token trace. Requests are spread
// across shared-prefix groups (think system prompts or few-shot
// templates), which is the access pattern prefix caching exists for.
// Deterministic given the same seed.
var genTraceCmd = &cobra.Command{
	Use:   "gen-trace",
	Short: "Generate a synthetic shared-prefix token trace",
	Run: func(cmd *cobra.Command, args []string) {
		if err := generateTrace(genOut, genRequests, genSeed); err != nil {
			logrus.Fatalf("trace generation failed: %v", err)
		}
		logrus.Infof("wrote %d requests to %s (%d prefix groups, seed %d)",
			genRequests, genOut, genPrefixGroups, genSeed)
	},
}

func init() {
	genTraceCmd.Flags().StringVar(&genOut, "out", "trace.csv", "output CSV path")
	genTraceCmd.Flags().IntVar(&genRequests, "requests", 100, "number of requests")
	genTraceCmd.Flags().Int64Var(&genSeed, "seed", 42, "RNG seed")
	genTraceCmd.Flags().IntVar(&genPrefixGroups, "prefix-groups", 4, "number of shared prefix groups")
	genTraceCmd.Flags().IntVar(&genPrefixTokens, "prefix-tokens", 64, "shared prefix length per group")
	genTraceCmd.Flags().IntVar(&genSuffixTokens, "suffix-tokens", 48, "mean unique suffix length per request")
	genTraceCmd.Flags().IntVar(&genVocab, "vocab", 32000, "token id space")
}

// generateTrace writes a CSV trace of request_id,tokens rows. Each
// prefix group gets a fixed random token prefix; every request picks a
// group uniformly and appends a fresh random suffix.
func generateTrace(path string, requests int, seed int64) error {
	if requests <= 0 {
		return fmt.Errorf("requests must be > 0, got %d", requests)
	}
	if genPrefixGroups <= 0 || genVocab <= 1 {
		return fmt.Errorf("need at least one prefix group and a vocab > 1")
	}
	if genPrefixTokens < 0 || genSuffixTokens <= 0 {
		return fmt.Errorf("prefix-tokens must be >= 0 and suffix-tokens > 0, got %d / %d",
			genPrefixTokens, genSuffixTokens)
	}

	rng := rand.New(rand.NewSource(seed))

	prefixes := make([][]int, genPrefixGroups)
	for g := range prefixes {
		prefixes[g] = randomTokens(rng, genPrefixTokens)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating trace file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"request_id", "tokens"}); err != nil {
		return fmt.Errorf("writing trace header: %w", err)
	}
	for i := 0; i < requests; i++ {
		group := rng.Intn(genPrefixGroups)
		suffixLen := genSuffixTokens
		if suffixLen > 1 {
			// Vary suffix length around the mean so block boundaries land
			// unevenly, the way real decode lengths do.
			suffixLen = genSuffixTokens/2 + rng.Intn(genSuffixTokens)
		}
		tokens := append(append([]int{}, prefixes[group]...), randomTokens(rng, suffixLen)...)

		encoded, err := json.Marshal(tokens)
		if err != nil {
			return fmt.Errorf("encoding tokens: %w", err)
		}
		row := []string{fmt.Sprintf("req_%d_group%d", i, group), string(encoded)}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("writing trace row %d: %w", i, err)
		}
	}
	w.Flush()
	return w.Error()
}

func randomTokens(rng *rand.Rand, n int) []int {
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = rng.Intn(genVocab)
	}
	return tokens
}
