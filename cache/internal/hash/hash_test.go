package hash

import (
	"testing"
)

func TestTokens_Deterministic(t *testing.T) {
	a := Tokens([]int{1, 2, 3})
	b := Tokens([]int{1, 2, 3})
	if a != b {
		t.Errorf("same tokens hashed differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("hash length %d, want 64 hex chars", len(a))
	}
}

func TestTokens_DelimiterPreventsBoundaryCollisions(t *testing.T) {
	// GIVEN sequences whose digit concatenations collide (12|3 vs 1|23)
	a := Tokens([]int{12, 3})
	b := Tokens([]int{1, 23})

	// THEN the delimiter keeps them distinct
	if a == b {
		t.Error("sequences [12,3] and [1,23] collided")
	}
}

func TestBlockHashes_CumulativeChaining(t *testing.T) {
	// GIVEN two sequences sharing their first block only
	seqA := []int{1, 2, 3, 4, 5, 6, 7, 8}
	seqB := []int{1, 2, 3, 4, 9, 10, 11, 12}

	ha := BlockHashes(4, seqA)
	hb := BlockHashes(4, seqB)

	if len(ha) != 2 || len(hb) != 2 {
		t.Fatalf("block counts: %d / %d, want 2 / 2", len(ha), len(hb))
	}
	// Shared prefix block hashes agree.
	if ha[0] != hb[0] {
		t.Error("first-block hashes differ for a shared prefix")
	}
	// The second block's hash covers its lineage: same tokens after a
	// different prefix must not collide.
	seqC := []int{9, 9, 9, 9, 5, 6, 7, 8}
	hc := BlockHashes(4, seqC)
	if ha[1] == hc[1] {
		t.Error("second-block hash ignored its prefix lineage")
	}
}

func TestBlockHashes_PartialTailNotHashed(t *testing.T) {
	if got := BlockHashes(4, []int{1, 2, 3}); len(got) != 0 {
		t.Errorf("short sequence produced %d hashes, want 0", len(got))
	}
	if got := BlockHashes(4, []int{1, 2, 3, 4, 5}); len(got) != 1 {
		t.Errorf("1.25-block sequence produced %d hashes, want 1", len(got))
	}
	if got := BlockHashes(0, []int{1, 2, 3}); got != nil {
		t.Errorf("zero block size produced %v, want nil", got)
	}
}

func TestBytes_ContentSensitivity(t *testing.T) {
	a := Bytes([]byte{1, 2, 3})
	b := Bytes([]byte{1, 2, 4})
	if a == b {
		t.Error("distinct payloads share a digest")
	}
	if a != Bytes([]byte{1, 2, 3}) {
		t.Error("digest is not deterministic")
	}
}
