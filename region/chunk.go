package region

import (
	"reflect"
	"unsafe"

	"github.com/JeffreyRichter/enum/enum"
)

// chunkStatus discriminates a chunk's lifecycle state. Tombstone chunks are
// transient: they exist only mid-coalesce and are never reachable from a
// walk starting at the region's first chunk.
type chunkStatus uint64

const (
	statusFree chunkStatus = iota
	statusAllocated
	statusTombstone
)

// Free, Allocated and Tombstone exist so enum.StringInt has zero-arg
// methods to reflect over, the same EAutoLoginType-style pattern azcopy
// uses for its own small status enums (common/environment.go's
// AutoLoginType.String). The iota constants above remain the values
// actually stored and compared throughout this package; these methods only
// give the reflection-based stringifier symbol names to find.
func (chunkStatus) Free() chunkStatus      { return statusFree }
func (chunkStatus) Allocated() chunkStatus { return statusAllocated }
func (chunkStatus) Tombstone() chunkStatus { return statusTombstone }

func (s chunkStatus) String() string {
	return enum.StringInt(s, reflect.TypeOf(s))
}

// chunkHeader is the on-the-wire, in-region layout of one chunk's metadata.
// All three fields are uint64 so the Go compiler lays them out with no
// padding — this is read directly out of mapped process memory via
// unsafe.Pointer, in the same style as azcopy's ste.JobPartPlanHeader: the
// header's address comes from the region's backing slice, never from a
// Go-managed struct allocation, so the byte layout is exactly what a
// snapshot ships to the replica.
type chunkHeader struct {
	prev   uint64 // absolute address of the previous chunk's header, 0 if none
	size   uint64 // total chunk size including this header, a multiple of MinChunkSize
	status uint64 // chunkStatus
}

const chunkHeaderSize = uint64(unsafe.Sizeof(chunkHeader{}))

// MinChunkSize is the smallest possible chunk, header included.
const MinChunkSize = 64

// headerAt returns the chunk header living at the given absolute address.
// addr must be within [r.base, r.base+r.length) and must be a chunk
// boundary; the caller (always internal allocator code) is responsible for
// that invariant.
func (r *Region) headerAt(addr uintptr) *chunkHeader {
	return (*chunkHeader)(unsafe.Pointer(addr))
}

// userBytes returns the slice of user-owned bytes following a chunk's
// header, addressed directly into the mapped region.
func (r *Region) userBytes(addr uintptr) []byte {
	h := r.headerAt(addr)
	start := addr + uintptr(chunkHeaderSize)
	n := h.size - chunkHeaderSize
	return unsafe.Slice((*byte)(unsafe.Pointer(start)), int(n))
}

// userPtrFor returns the address of addr's user bytes (i.e. addr plus the
// header size) — the pointer value handed back to callers of Alloc/Realloc.
func userPtrFor(addr uintptr) uintptr {
	return addr + uintptr(chunkHeaderSize)
}

// headerPtrFor recovers a chunk's header address from a user pointer
// previously returned by Alloc/Realloc.
func headerPtrFor(userPtr uintptr) uintptr {
	return userPtr - uintptr(chunkHeaderSize)
}

// roundUpChunk rounds need (header included) up to the next multiple of
// MinChunkSize, matching spec.md §4.1's "header_size + requested is a
// multiple of 64" sizing rule.
func roundUpChunk(totalWithHeader uint64) uint64 {
	rem := totalWithHeader % MinChunkSize
	if rem == 0 {
		return totalWithHeader
	}
	return totalWithHeader + (MinChunkSize - rem)
}
