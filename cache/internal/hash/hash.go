// Package hash provides cumulative token-prefix hashing for KV block
// identification. Two token sequences that agree up to a block boundary
// produce identical hashes for every block at or before that boundary,
// which is what makes cross-request prefix reuse possible.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Tokens returns a SHA256 hash of the joined token sequence.
func Tokens(tokens []int) string {
	h := sha256.New()

	// string version of token ids to be joined
	var tokenStrings strings.Builder

	for i, token := range tokens {
		if i > 0 {
			// Add a | delimiter before all tokens except the first
			tokenStrings.WriteString("|")
		}
		tokenStrings.WriteString(strconv.Itoa(token))
	}

	h.Write([]byte(tokenStrings.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// BlockHashes returns one cumulative hash per full block of the token
// sequence. Hash i covers tokens[:(i+1)*blockSize], so block i's hash
// encodes its full lineage, not just its own tokens. Sequences shorter
// than one block produce an empty slice. The trailing partial block, if
// any, is not hashed.
func BlockHashes(blockSize int, tokens []int) []string {
	if blockSize <= 0 {
		return nil
	}
	n := len(tokens) / blockSize
	if n == 0 {
		return nil
	}
	hashes := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		hashes = append(hashes, Tokens(tokens[:i*blockSize]))
	}
	return hashes
}

// Bytes returns the SHA256 hex digest of raw block content. Used to
// verify that a block's payload survived the write path intact before
// it is published to the index.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
