// Package remotethread offloads an in-process function call, together with
// a snapshot of a fixed-address heap region, to a remote worker machine: the
// worker re-execs the identical binary, reconstructs the region at the same
// virtual address, invokes the function, and streams back the reply.
//
// A host program calls Init once at startup, registers its worker functions
// with RegisterFunc, allocates parameter buffers with Alloc, and issues
// Call to run them remotely.
package remotethread

import (
	"sync"

	"github.com/janneku/remotethread/common"
	"github.com/janneku/remotethread/region"
)

var (
	regionOnce sync.Once
	theRegion  *region.Region
	regionErr  error
)

// theRegionSingleton lazily maps the process-global region at its fixed
// base the first time any allocator operation is used. spec.md §9 names
// this "a singleton object ... stored behind a one-shot initializer" as
// the idiomatic substitute for a systems language's global mutable statics
// in a language where those don't exist; sync.Once is that initializer.
func theRegionSingleton() (*region.Region, error) {
	regionOnce.Do(func() {
		theRegion, regionErr = region.New(region.DefaultBase)
	})
	return theRegion, regionErr
}

// Alloc reserves size bytes in the process-global region and returns a
// pointer usable as a Call parameter address. Returns 0 on failure.
func Alloc(size int) uintptr {
	r, err := theRegionSingleton()
	if err != nil {
		logger().Warnf("remotethread: region unavailable: %s", err)
		return 0
	}
	ptr, err := r.Alloc(size)
	if err != nil {
		return 0
	}
	return ptr
}

// Free releases a pointer previously returned by Alloc or Realloc. A zero
// pointer is a no-op.
func Free(ptr uintptr) {
	r, err := theRegionSingleton()
	if err != nil {
		return
	}
	r.Free(ptr)
}

// Realloc resizes a previously allocated pointer. ptr==0 behaves as Alloc.
// Returns 0 on failure, leaving the original chunk untouched.
func Realloc(ptr uintptr, newSize int) uintptr {
	r, err := theRegionSingleton()
	if err != nil {
		logger().Warnf("remotethread: region unavailable: %s", err)
		return 0
	}
	newPtr, err := r.Realloc(ptr, newSize)
	if err != nil {
		return 0
	}
	return newPtr
}

// Write copies data into the region at ptr.
func Write(ptr uintptr, data []byte) {
	r, err := theRegionSingleton()
	if err != nil {
		return
	}
	r.Write(ptr, data)
}

// Read returns the n bytes of region memory starting at ptr.
func Read(ptr uintptr, n int) []byte {
	r, err := theRegionSingleton()
	if err != nil {
		return nil
	}
	return r.Read(ptr, n)
}

// CheckAlloc walks the region verifying its structural invariants; intended
// for debug builds and tests, mirroring original_source/lib.c's
// dump_alloc/check_alloc.
func CheckAlloc() error {
	r, err := theRegionSingleton()
	if err != nil {
		return err
	}
	return r.Check()
}

// logger returns the package-wide logger. A package-level indirection
// rather than a bare common.Default reference so tests can swap it.
func logger() common.Logger {
	return common.Default
}
