// Package region implements the fixed-base linear heap described in
// spec.md §3/§4.1: a chunked, coalescing free-list allocator whose byte
// layout is identical on every process that maps it at the same base
// address, so a flat copy of its bytes is a valid replica without
// relocation.
//
// The allocator is deliberately single-threaded, process-global state with
// no internal locking (spec.md §5): a caller issuing concurrent calls must
// serialize access itself. This mirrors the unsynchronized global arrays in
// original_source/lib.c.
package region

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/janneku/remotethread/common"
)

// DefaultBase is the region's fixed virtual address, chosen low enough to
// sit outside the range ASLR typically hands out for the main mapping and
// heap, per spec.md §6.
const DefaultBase uintptr = 0x40000000

const (
	growPages = 16
	pageSize  = 4096
	// GrowIncrement is the coarse unit the region grows by, per spec.md
	// §3: "multiples of 16 × 4 KiB pages".
	GrowIncrement = uint64(growPages * pageSize)
)

// Region is the fixed-base heap. The zero value is not usable; construct
// one with New or NewEmpty.
type Region struct {
	base      uintptr
	length    uint64
	data      []byte
	cursor    uintptr // 0 means "region start"
	lastChunk uintptr // 0 means "no chunks yet"
	logger    common.Logger
}

// New maps one growth increment at base and returns a Region containing a
// single Free chunk spanning it — the client side's starting state.
func New(base uintptr) (*Region, error) {
	r := NewEmpty(base)
	if err := r.grow(GrowIncrement); err != nil {
		return nil, err
	}
	return r, nil
}

// NewEmpty returns a Region with nothing mapped yet, for the slave side,
// which reserves its mapping explicitly via Reserve once it knows the
// snapshot's length.
func NewEmpty(base uintptr) *Region {
	return &Region{base: base, logger: common.Default}
}

// Base returns the region's fixed virtual base address.
func (r *Region) Base() uintptr { return r.base }

// Len returns the region's current total length in bytes.
func (r *Region) Len() uint64 { return r.length }

// Bytes returns the region's full backing slice, [Base, Base+Len), for
// snapshotting. Callers must not retain it past a Close/Reserve.
func (r *Region) Bytes() []byte { return r.data }

// Reserve grows an empty region directly to exactly length bytes in one
// mapping, as the slave does immediately after reading a Call header
// (spec.md §4.4 step 3). length must already be a multiple of
// GrowIncrement, since it was produced by the client's own grow calls.
func (r *Region) Reserve(length uint64) error {
	if r.length != 0 {
		return errors.New("region: Reserve called on a non-empty region")
	}
	return r.grow(length)
}

// Close unmaps the region's backing memory.
func (r *Region) Close() error {
	if r.length == 0 {
		return nil
	}
	err := munmapFixed(r.base, int(r.length))
	r.data = nil
	r.length = 0
	r.lastChunk = 0
	r.cursor = 0
	return err
}

func roundUp(n, multiple uint64) uint64 {
	if n%multiple == 0 {
		return n
	}
	return n + (multiple - n%multiple)
}

func (r *Region) firstChunk() uintptr { return r.base }

// nextAddr returns the chunk physically following addr, wrapping to the
// first chunk if addr is the last chunk — used by the next-fit scan.
func (r *Region) nextAddr(addr uintptr) uintptr {
	if addr == r.lastChunk {
		return r.firstChunk()
	}
	h := r.headerAt(addr)
	return addr + uintptr(h.size)
}

// grow requests a new anonymous mapping contiguous with the current region
// end, sized to cover at least minBytes, forms it into a single Free
// chunk, and coalesces it backward into the former last chunk if that was
// Free. Fails if the mapping cannot be placed exactly at the required
// address (spec.md §4.1's hard OOM failure).
func (r *Region) grow(minBytes uint64) error {
	size := roundUp(minBytes, GrowIncrement)
	addr := r.base + uintptr(r.length)

	if _, err := mmapFixed(addr, int(size)); err != nil {
		return errors.Wrap(err, "region: grow")
	}

	oldLength := r.length
	oldLast := r.lastChunk
	r.length += size
	r.data = unsafe.Slice((*byte)(unsafe.Pointer(r.base)), int(r.length))

	h := r.headerAt(addr)
	h.size = size
	h.status = uint64(statusFree)

	if oldLength == 0 {
		h.prev = 0
		r.lastChunk = addr
		return nil
	}

	h.prev = uint64(oldLast)
	r.lastChunk = addr

	if chunkStatus(r.headerAt(oldLast).status) == statusFree {
		r.mergeForward(oldLast, addr)
	}
	return nil
}

// mergeForward absorbs src (the chunk physically immediately following
// dst) into dst: dst grows by src's size, src becomes a Tombstone, and the
// chunk after src (if any) has its back-pointer repaired to dst, or
// lastChunk is updated if src was last. If the cursor pointed at the
// absorbed chunk, it is reset to the region start — the general rule from
// spec.md §3 ("reset to the region start when invalidated by a merge that
// absorbs it"). Free's own coalesce step overrides this afterward by
// pointing the cursor at the surviving merged chunk instead.
func (r *Region) mergeForward(dstAddr, srcAddr uintptr) {
	dst := r.headerAt(dstAddr)
	src := r.headerAt(srcAddr)
	srcSize := src.size
	wasLast := r.lastChunk == srcAddr

	src.status = uint64(statusTombstone)
	dst.size += srcSize

	if wasLast {
		r.lastChunk = dstAddr
	} else {
		nextAddr := srcAddr + uintptr(srcSize)
		r.headerAt(nextAddr).prev = uint64(dstAddr)
	}
	if r.cursor == srcAddr {
		r.cursor = 0
	}
}

// splitIfRoom splits the chunk at addr so its head becomes exactly need
// bytes (header included), provided the trailing remainder would itself be
// at least MinChunkSize; the tail becomes a new Free chunk. Reports whether
// a split occurred.
func (r *Region) splitIfRoom(addr uintptr, need uint64) bool {
	h := r.headerAt(addr)
	if h.size < need+MinChunkSize {
		return false
	}
	tailAddr := addr + uintptr(need)
	tail := r.headerAt(tailAddr)
	tail.prev = uint64(addr)
	tail.size = h.size - need
	tail.status = uint64(statusFree)

	wasLast := r.lastChunk == addr
	h.size = need
	if wasLast {
		r.lastChunk = tailAddr
	} else {
		nextAddr := tailAddr + uintptr(tail.size)
		r.headerAt(nextAddr).prev = uint64(tailAddr)
	}
	return true
}

// findFreeChunk performs the next-fit circular scan from the cursor,
// growing the region on a full wrap with no hit.
func (r *Region) findFreeChunk(need uint64) (uintptr, error) {
	if r.lastChunk == 0 {
		if err := r.grow(need); err != nil {
			return 0, err
		}
	}
	start := r.cursor
	if start == 0 {
		start = r.firstChunk()
	}

	addr := start
	for {
		h := r.headerAt(addr)
		if chunkStatus(h.status) == statusFree && h.size >= need {
			r.splitIfRoom(addr, need)
			r.headerAt(addr).status = uint64(statusAllocated)
			r.cursor = addr
			return addr, nil
		}
		next := r.nextAddr(addr)
		if next == start {
			if err := r.grow(need); err != nil {
				return 0, err
			}
			grown := r.lastChunk
			gh := r.headerAt(grown)
			if chunkStatus(gh.status) != statusFree || gh.size < need {
				return 0, errors.New("region: grow did not yield a usable chunk")
			}
			r.splitIfRoom(grown, need)
			r.headerAt(grown).status = uint64(statusAllocated)
			r.cursor = grown
			return grown, nil
		}
		addr = next
	}
}

// Alloc reserves a chunk with at least size bytes of user-visible storage
// and returns the address of its first user byte. Returns ErrOOM if the
// region could not be grown.
func (r *Region) Alloc(size int) (uintptr, error) {
	need := roundUpChunk(chunkHeaderSize + uint64(size))
	addr, err := r.findFreeChunk(need)
	if err != nil {
		r.logger.Warnf("region: alloc(%d) failed: %s", size, err)
		return 0, ErrOOM
	}
	return userPtrFor(addr), nil
}

// Free releases a previously allocated chunk, coalescing with a Free
// neighbor on either side. ptr==0 is a no-op. Freeing a pointer that does
// not reference an Allocated chunk is a programmer fault and panics.
func (r *Region) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	addr := headerPtrFor(ptr)
	h := r.headerAt(addr)
	if chunkStatus(h.status) != statusAllocated {
		r.logger.Panic(errors.Wrapf(ErrInvalidPtr, "free at %#x (status=%s)", addr, chunkStatus(h.status)))
	}
	h.status = uint64(statusFree)

	survivor := addr
	if prevAddr := uintptr(h.prev); prevAddr != 0 && chunkStatus(r.headerAt(prevAddr).status) == statusFree {
		r.mergeForward(prevAddr, survivor)
		survivor = prevAddr
	}
	if survivor != r.lastChunk {
		nextAddr := survivor + uintptr(r.headerAt(survivor).size)
		if chunkStatus(r.headerAt(nextAddr).status) == statusFree {
			r.mergeForward(survivor, nextAddr)
		}
	}
	r.cursor = survivor
}

// Realloc resizes the chunk at ptr to newSize user-visible bytes, via an
// in-place shrink, an in-place grow absorbing a following Free neighbor, or
// a copy-grow via fresh allocation. ptr==0 behaves as Alloc(newSize).
func (r *Region) Realloc(ptr uintptr, newSize int) (uintptr, error) {
	if ptr == 0 {
		return r.Alloc(newSize)
	}
	addr := headerPtrFor(ptr)
	h := r.headerAt(addr)
	if chunkStatus(h.status) != statusAllocated {
		r.logger.Panic(errors.Wrapf(ErrInvalidPtr, "realloc at %#x (status=%s)", addr, chunkStatus(h.status)))
	}

	newNeed := roundUpChunk(chunkHeaderSize + uint64(newSize))
	oldSize := h.size

	if newNeed <= oldSize {
		if r.splitIfRoom(addr, newNeed) {
			tailAddr := addr + uintptr(newNeed)
			if tailAddr != r.lastChunk {
				nextAddr := tailAddr + uintptr(r.headerAt(tailAddr).size)
				if chunkStatus(r.headerAt(nextAddr).status) == statusFree {
					r.mergeForward(tailAddr, nextAddr)
				}
			}
		}
		return ptr, nil
	}

	if addr != r.lastChunk {
		nextAddr := addr + uintptr(oldSize)
		next := r.headerAt(nextAddr)
		if chunkStatus(next.status) == statusFree && oldSize+next.size >= newNeed {
			r.mergeForward(addr, nextAddr)
			if r.headerAt(addr).size >= newNeed+MinChunkSize {
				r.splitIfRoom(addr, newNeed)
			}
			return ptr, nil
		}
	}

	newPtr, err := r.Alloc(newSize)
	if err != nil {
		return 0, err
	}
	oldUserLen := int(oldSize - chunkHeaderSize)
	n := oldUserLen
	if newSize < n {
		n = newSize
	}
	copy(r.userBytes(headerPtrFor(newPtr))[:n], r.userBytes(addr)[:n])
	r.Free(ptr)
	return newPtr, nil
}

// UserLen returns the number of user-visible bytes available at ptr, i.e.
// the chunk size minus the header.
func (r *Region) UserLen(ptr uintptr) int {
	h := r.headerAt(headerPtrFor(ptr))
	return int(h.size - chunkHeaderSize)
}

// Write copies data into the chunk at ptr, which must have at least
// len(data) user bytes available.
func (r *Region) Write(ptr uintptr, data []byte) {
	copy(r.userBytes(headerPtrFor(ptr)), data)
}

// Read returns the n user bytes starting at ptr, as a slice aliasing the
// region's backing memory directly (not a copy).
func (r *Region) Read(ptr uintptr, n int) []byte {
	return r.userBytes(headerPtrFor(ptr))[:n]
}

// ZeroFreeChunks walks every chunk and zeroes the user bytes of every Free
// one. This must run immediately before a snapshot is compressed: stale
// freed data both inflates the compressed payload and can leak caller
// state to the worker (spec.md §4.1's snapshot hook).
func (r *Region) ZeroFreeChunks() {
	if r.lastChunk == 0 {
		return
	}
	addr := r.firstChunk()
	for {
		h := r.headerAt(addr)
		if chunkStatus(h.status) == statusFree {
			ub := r.userBytes(addr)
			for i := range ub {
				ub[i] = 0
			}
		}
		if addr == r.lastChunk {
			return
		}
		addr = r.nextAddr(addr)
	}
}

// RebuildLastChunk walks the chunk tiling from the region start and sets
// lastChunk to whichever tile's end coincides with the region's end. This
// is the only bookkeeping a replica needs to reconstruct after a raw byte
// copy: every header field is already valid because B and L are identical
// on both sides (spec.md §4.1's "address-identical layout").
func (r *Region) RebuildLastChunk() error {
	if r.length == 0 {
		return errors.New("region: RebuildLastChunk called on an empty region")
	}
	addr := r.firstChunk()
	end := r.base + uintptr(r.length)
	for {
		h := r.headerAt(addr)
		nextAddr := addr + uintptr(h.size)
		if nextAddr == end {
			r.lastChunk = addr
			r.cursor = 0
			return nil
		}
		if nextAddr > end || h.size < MinChunkSize {
			return errors.Errorf("region: corrupt chunk tiling at %#x", addr)
		}
		addr = nextAddr
	}
}

// Check walks the region verifying spec.md §3's invariants 1, 2, and 5: the
// prev chain matches iteration order, every chunk size is a MinChunkSize
// multiple and sizes sum to the region length, and lastChunk is the final
// tile. It also rejects a Tombstone reachable from the walk (invariant 4).
// It does not check invariant 3 (no two adjacent Free chunks), which
// Free/Alloc maintain structurally; a caller wanting a fuller audit should
// additionally call CheckNoAdjacentFree.
func (r *Region) Check() error {
	if r.lastChunk == 0 {
		if r.length != 0 {
			return errors.New("region: lastChunk unset on a non-empty region")
		}
		return nil
	}
	addr := r.firstChunk()
	var prev uintptr
	var total uint64
	for {
		h := r.headerAt(addr)
		if uintptr(h.prev) != prev {
			return errors.Wrapf(ErrCorrupt, "chunk %#x has prev %#x, want %#x", addr, h.prev, prev)
		}
		if h.size%MinChunkSize != 0 || h.size < MinChunkSize {
			return errors.Wrapf(ErrCorrupt, "chunk %#x has invalid size %d", addr, h.size)
		}
		if chunkStatus(h.status) == statusTombstone {
			return errors.Wrapf(ErrCorrupt, "tombstone chunk %#x reachable from walk", addr)
		}
		total += h.size
		if addr == r.lastChunk {
			break
		}
		prev = addr
		addr = addr + uintptr(h.size)
	}
	if total != r.length {
		return errors.Wrapf(ErrCorrupt, "chunk sizes sum to %d, region length is %d", total, r.length)
	}
	end := r.base + uintptr(r.length)
	if addr+uintptr(r.headerAt(addr).size) != end {
		return errors.Wrapf(ErrCorrupt, "lastChunk %#x does not end at region end %#x", addr, end)
	}
	return nil
}

// CheckNoAdjacentFree verifies invariant 3 (no two adjacent chunks are both
// Free) separately from Check, since it is O(n) extra bookkeeping only
// needed by tests, not by ordinary operation.
func (r *Region) CheckNoAdjacentFree() error {
	if r.lastChunk == 0 {
		return nil
	}
	addr := r.firstChunk()
	prevFree := false
	for {
		h := r.headerAt(addr)
		free := chunkStatus(h.status) == statusFree
		if free && prevFree {
			return errors.Wrapf(ErrCorrupt, "chunk %#x and its predecessor are both Free", addr)
		}
		prevFree = free
		if addr == r.lastChunk {
			return nil
		}
		addr = r.nextAddr(addr)
	}
}
