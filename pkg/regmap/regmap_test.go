package regmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecTable(t *testing.T) {
	want := Map{RAX, RDI, RSI, RDX, R9, R8, RBX, R13, R14, R15, RBP}
	assert.Equal(t, want, Default())
}

func TestRegisterOutOfRangePanics(t *testing.T) {
	m := Default()
	assert.Panics(t, func() { m.Register(11) })
}

func TestCalleeSavedOrderAndMembership(t *testing.T) {
	m := Default()
	assert.Equal(t, []int{RBP, RBX, R13, R14, R15}, m.CalleeSaved())
}

func TestCalleeSavedOmitsAbsentCandidates(t *testing.T) {
	// A map that never assigns rbx or r14 to any eBPF register should not
	// list them as callee-saved even though they're in the candidate set.
	m := Default()
	m[6] = RSI  // previously rbx, now aliases r2's register
	m[8] = RDI  // previously r14, now aliases r1's register
	saved := m.CalleeSaved()
	assert.NotContains(t, saved, RBX)
	assert.NotContains(t, saved, R14)
}

func TestWithOffsetRotationIsPermutation(t *testing.T) {
	base := Default()
	rotated := base.WithOffset(3)

	seen := make(map[int]bool, NumRegisters)
	for _, r := range rotated {
		seen[r] = true
	}
	assert.Len(t, seen, NumRegisters, "rotation must not duplicate or drop a register")

	for i := 0; i < NumRegisters; i++ {
		assert.Equal(t, base[(i+3)%NumRegisters], rotated[i])
	}
}

func TestWithOffsetShuffleIsPermutationAndDeterministic(t *testing.T) {
	base := Default()
	shuffled := base.WithOffset(42)

	seen := make(map[int]bool, NumRegisters)
	for _, r := range shuffled {
		seen[r] = true
	}
	require.Len(t, seen, NumRegisters)

	// Same seed must reproduce the same permutation.
	again := base.WithOffset(42)
	assert.Equal(t, shuffled, again)
}

func TestWithOffsetShuffleDiffersFromIdentityForSomeSeed(t *testing.T) {
	base := Default()
	differs := false
	for seed := 11; seed < 20; seed++ {
		if base.WithOffset(seed) != base {
			differs = true
			break
		}
	}
	assert.True(t, differs, "expected at least one seed in range to actually permute the map")
}
