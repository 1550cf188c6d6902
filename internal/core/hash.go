package core

import (
	"math/rand/v2"

	"github.com/twmb/murmur3"
)

// NormalizedHash maps identifier into [1, bound] using MurmurHash3 (x86,
// 32-bit, seed 0) over "groupID:identifier". The result is stable across
// processes and matches other Unleash client implementations. A bound below
// 1 yields 0.
func NormalizedHash(identifier, groupID string, bound int) int {
	if bound < 1 {
		return 0
	}
	sum := murmur3.StringSum32(groupID + ":" + identifier)
	return int(sum%uint32(bound)) + 1
}

// RandomSource draws an integer uniformly from [1, n].
type RandomSource func(n int) int

func defaultRandom(n int) int {
	if n < 1 {
		return 0
	}
	return rand.IntN(n) + 1
}
