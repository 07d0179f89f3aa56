package region

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestAllocStress is end-to-end scenario 2 from spec.md §8: NUM allocations
// of increasing size, filled with a per-slot byte value, half freed at
// random, freed slots reallocated to double size with the extension filled
// and verified, then everything freed in reverse order. check_alloc (here,
// Check + CheckNoAdjacentFree) must hold after every single operation, and
// the region must end up as exactly one Free chunk spanning its length.
func TestAllocStress(t *testing.T) {
	const num = 100
	r, err := New(testBase + 0x10000000) // distinct base from region_test.go's
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	checkInvariants := func() {
		require.NoError(t, r.Check())
		require.NoError(t, r.CheckNoAdjacentFree())
	}

	ptrs := make([]uintptr, num)
	sizes := make([]int, num)
	for i := 0; i < num; i++ {
		size := 256 + 64*i
		ptr, err := r.Alloc(size)
		require.NoError(t, err)
		r.Write(ptr, bytesOf(byte(i), size))
		ptrs[i] = ptr
		sizes[i] = size
		checkInvariants()
	}

	rng := rand.New(rand.NewSource(0))
	freed := make([]bool, num)
	for i := 0; i < num; i++ {
		if rng.Intn(2) == 0 {
			r.Free(ptrs[i])
			freed[i] = true
			checkInvariants()
		}
	}

	for i := 0; i < num; i++ {
		if !freed[i] {
			continue
		}
		newSize := sizes[i] * 2
		ptr, err := r.Alloc(newSize)
		require.NoError(t, err)
		r.Write(ptr, bytesOf(byte(i), sizes[i]))
		extension := bytesOf(byte(i), newSize-sizes[i])
		for j, b := range extension {
			r.Read(ptr, newSize)[sizes[i]+j] = b
		}
		got := r.Read(ptr, newSize)
		for j, b := range got {
			require.Equalf(t, byte(i), b, "slot %d byte %d mismatch after grow", i, j)
		}
		ptrs[i] = ptr
		checkInvariants()
	}

	for i := num - 1; i >= 0; i-- {
		r.Free(ptrs[i])
		checkInvariants()
	}

	require.NoError(t, r.CheckNoAdjacentFree())
	require.Equal(t, r.firstChunk(), r.lastChunk, "exactly one chunk should remain")
	require.Equal(t, statusFree, chunkStatus(r.headerAt(r.lastChunk).status))
	require.Equal(t, r.Len(), r.headerAt(r.lastChunk).size)
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
