package region

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase uintptr = 0x50000000

func newTestRegion(t *testing.T) *Region {
	t.Helper()
	r, err := New(testBase)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestAllocFreeRoundTrip(t *testing.T) {
	r := newTestRegion(t)

	ptr, err := r.Alloc(100)
	require.NoError(t, err)
	require.NotZero(t, ptr)

	data := bytes.Repeat([]byte{0x7a}, 100)
	r.Write(ptr, data)
	assert.Equal(t, data, r.Read(ptr, 100))

	require.NoError(t, r.Check())
	r.Free(ptr)
	require.NoError(t, r.Check())
}

func TestSplitLeavesTailFree(t *testing.T) {
	r := newTestRegion(t)

	a, err := r.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, r.Check())
	require.NoError(t, r.CheckNoAdjacentFree())
	require.NotEqual(t, r.firstChunk(), r.lastChunk, "allocation should have split off a tail chunk")
	assert.Equal(t, statusFree, chunkStatus(r.headerAt(r.lastChunk).status))

	r.Free(a)
	require.NoError(t, r.Check())
}

func TestCoalesceOnFree(t *testing.T) {
	r := newTestRegion(t)

	a, err := r.Alloc(128)
	require.NoError(t, err)
	b, err := r.Alloc(128)
	require.NoError(t, err)
	c, err := r.Alloc(128)
	require.NoError(t, err)

	r.Free(b)
	require.NoError(t, r.Check())
	r.Free(a)
	require.NoError(t, r.Check())
	require.NoError(t, r.CheckNoAdjacentFree())
	r.Free(c)
	require.NoError(t, r.Check())
	require.NoError(t, r.CheckNoAdjacentFree())
}

func TestReallocShrinkPreservesPrefix(t *testing.T) {
	r := newTestRegion(t)

	ptr, err := r.Alloc(512)
	require.NoError(t, err)
	data := bytes.Repeat([]byte{0x11}, 512)
	r.Write(ptr, data)

	newPtr, err := r.Realloc(ptr, 64)
	require.NoError(t, err)
	assert.Equal(t, data[:64], r.Read(newPtr, 64))
	require.NoError(t, r.Check())
}

func TestReallocCopyGrowPreservesPrefix(t *testing.T) {
	r := newTestRegion(t)

	ptr, err := r.Alloc(64)
	require.NoError(t, err)
	data := bytes.Repeat([]byte{0x22}, 64)
	r.Write(ptr, data)

	// keep the following-chunk path unavailable for in-place grow by
	// allocating a neighbor that stays allocated.
	_, err = r.Alloc(64)
	require.NoError(t, err)

	newPtr, err := r.Realloc(ptr, 4096)
	require.NoError(t, err)
	assert.Equal(t, data, r.Read(newPtr, 64))
	require.NoError(t, r.Check())
}

// TestReallocInPlaceGrowNoCopy is end-to-end scenario 6 from spec.md §8:
// allocate A and B, free B, grow A into B's space, and confirm no copy
// occurred by asserting the returned pointer is address-identical.
func TestReallocInPlaceGrowNoCopy(t *testing.T) {
	r := newTestRegion(t)

	a, err := r.Alloc(256)
	require.NoError(t, err)
	b, err := r.Alloc(256)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x33}, 256)
	r.Write(a, data)

	r.Free(b)

	grown, err := r.Realloc(a, 384)
	require.NoError(t, err)
	assert.Equal(t, a, grown, "in-place grow must not move the chunk")
	assert.Equal(t, data, r.Read(grown, 256))
	require.NoError(t, r.Check())
}

func TestFreeZeroing(t *testing.T) {
	r := newTestRegion(t)

	ptr, err := r.Alloc(256)
	require.NoError(t, err)
	r.Write(ptr, bytes.Repeat([]byte{0xff}, 256))
	r.Free(ptr)

	r.ZeroFreeChunks()

	addr := r.firstChunk()
	for {
		h := r.headerAt(addr)
		if chunkStatus(h.status) == statusFree {
			for _, b := range r.userBytes(addr) {
				assert.Zero(t, b)
			}
		}
		if addr == r.lastChunk {
			break
		}
		addr = r.nextAddr(addr)
	}
}

func TestFreeOfInvalidPointerPanics(t *testing.T) {
	r := newTestRegion(t)
	ptr, err := r.Alloc(64)
	require.NoError(t, err)
	r.Free(ptr)

	assert.Panics(t, func() {
		r.Free(ptr) // double free
	})
}

func TestGrowOnExhaustion(t *testing.T) {
	r := newTestRegion(t)

	// Allocate enough 1KiB chunks to exceed the initial single-increment
	// mapping and force at least one grow.
	var ptrs []uintptr
	for i := 0; i < 100; i++ {
		ptr, err := r.Alloc(1024)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	require.NoError(t, r.Check())
	assert.Greater(t, r.Len(), GrowIncrement)

	for _, ptr := range ptrs {
		r.Free(ptr)
	}
	require.NoError(t, r.Check())
}

// TestSnapshotRoundTrip covers spec.md §8's "round-trip snapshot" property:
// compressing a region and decompressing into a fresh region at the same
// base reproduces identical header bytes and the same lastChunk.
func TestSnapshotRoundTrip(t *testing.T) {
	src, err := New(testBase)
	require.NoError(t, err)

	a, err := src.Alloc(300)
	require.NoError(t, err)
	src.Write(a, bytes.Repeat([]byte{0x42}, 300))
	b, err := src.Alloc(500)
	require.NoError(t, err)
	src.Free(b)

	compressed, err := src.CompressSnapshot()
	require.NoError(t, err)

	length := src.Len()
	wantBytes := make([]byte, length)
	copy(wantBytes, src.Bytes())
	wantLastChunk := src.lastChunk

	require.NoError(t, src.Close())

	dst := NewEmpty(testBase)
	t.Cleanup(func() { _ = dst.Close() })
	require.NoError(t, dst.Reserve(length))
	require.NoError(t, dst.DecompressInto(compressed))
	require.NoError(t, dst.RebuildLastChunk())

	assert.Equal(t, wantBytes, dst.Bytes())
	assert.Equal(t, wantLastChunk, dst.lastChunk)
	require.NoError(t, dst.Check())
}
