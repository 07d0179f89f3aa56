package region

import "github.com/pkg/errors"

// ErrOOM is returned by Alloc/Realloc when growing the region failed —
// spec.md §4.1's "Fails when the mapping cannot be placed at the required
// address", surfaced to the caller as out-of-memory.
var ErrOOM = errors.New("region: out of memory")

// ErrInvalidPtr is a programmer fault: freeing or reallocating a pointer
// that does not reference a chunk header marked Allocated. Per spec.md §4.1
// this is fatal, not recoverable — callers should let it panic via
// common.Logger.Panic rather than branch on it.
var ErrInvalidPtr = errors.New("region: pointer does not reference an allocated chunk")

// ErrCorrupt is returned by Check when a region invariant from spec.md §3
// does not hold.
var ErrCorrupt = errors.New("region: invariant violation")
