package region

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// noFile is the fd argument for an anonymous mapping.
const noFile = ^uintptr(0)

// mmapFixed maps length bytes of anonymous private memory at exactly addr,
// failing rather than silently relocating if the range is unavailable.
//
// golang.org/x/sys/unix.Mmap (the teacher's common/mmf_unix.go wrapper) has
// no fixed-address parameter, so the raw mmap(2) syscall is invoked
// directly with MAP_FIXED_NOREPLACE — chosen over plain MAP_FIXED per
// spec.md §9's normative resolution of the "mmap sentinel" design note:
// MAP_FIXED always "succeeds" by silently clobbering whatever was already
// mapped there, which would violate the documented "fails when the mapping
// cannot be placed at the required address" contract; MAP_FIXED_NOREPLACE
// returns EEXIST instead.
func mmapFixed(addr uintptr, length int) ([]byte, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE),
		noFile,
		0,
	)
	if errno != 0 {
		return nil, errors.Wrapf(errno, "mmap %#x (%d bytes)", addr, length)
	}
	if r1 != addr {
		_, _, _ = unix.Syscall(unix.SYS_MUNMAP, r1, uintptr(length), 0)
		return nil, errors.Errorf("mmap placed region at %#x, wanted %#x", r1, addr)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(r1)), length), nil
}

// munmapFixed releases a mapping obtained from mmapFixed.
func munmapFixed(addr uintptr, length int) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(length), 0)
	if errno != 0 {
		return errors.Wrapf(errno, "munmap %#x (%d bytes)", addr, length)
	}
	return nil
}
