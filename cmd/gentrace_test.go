package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierkv/tierkv/cache"
)

func TestGenerateTrace_DeterministicForSeed(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.csv")
	b := filepath.Join(dir, "b.csv")

	require.NoError(t, generateTrace(a, 20, 7))
	require.NoError(t, generateTrace(b, 20, 7))

	da, err := os.ReadFile(a)
	require.NoError(t, err)
	db, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.Equal(t, da, db, "same seed must produce identical traces")

	c := filepath.Join(dir, "c.csv")
	require.NoError(t, generateTrace(c, 20, 8))
	dc, err := os.ReadFile(c)
	require.NoError(t, err)
	assert.NotEqual(t, da, dc, "different seeds should diverge")
}

func TestGenerateTrace_ReplaysWithPrefixHits(t *testing.T) {
	// GIVEN a generated trace with shared prefixes
	path := filepath.Join(t.TempDir(), "trace.csv")
	require.NoError(t, generateTrace(path, 30, 42))

	eng, err := cache.New(cache.Config{
		BlockSizeTokens: 16,
		Tiers:           []cache.TierConfig{{Name: "cpu", Enabled: true, NumBlocks: 512}},
	})
	require.NoError(t, err)
	defer eng.Close()

	// WHEN replaying it
	replayed, err := replayTrace(eng, path)
	require.NoError(t, err)
	assert.Equal(t, 30, replayed)

	// THEN prefix sharing produced cache hits: with 4 groups of
	// 64-token prefixes over 30 requests, most requests reuse a prefix
	// somebody already committed
	assert.Greater(t, eng.Stats().HitBlocks, int64(0), "shared prefixes never hit")
}

func TestGenerateTrace_RejectsBadParameters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.csv")
	assert.Error(t, generateTrace(path, 0, 1))
	assert.Error(t, generateTrace(path, -5, 1))

	restore := func(prefix, suffix int) {
		genPrefixTokens = prefix
		genSuffixTokens = suffix
	}
	defer restore(genPrefixTokens, genSuffixTokens)

	genSuffixTokens = -1
	assert.Error(t, generateTrace(path, 10, 1), "negative suffix length")
	genSuffixTokens = 0
	assert.Error(t, generateTrace(path, 10, 1), "zero suffix length")
	genSuffixTokens = 48
	genPrefixTokens = -1
	assert.Error(t, generateTrace(path, 10, 1), "negative prefix length")
}
