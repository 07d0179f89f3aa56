package remotethread

import (
	"hash/fnv"
	"sync"
)

// Func is the user-supplied worker function signature from spec.md §6:
// given the parameter bytes and their length, produce a reply payload or
// nil to signal failure. The slave allocates param as a region-backed
// slice; the returned reply is allocated off-region and freed by the slave
// after it is sent.
type Func func(param []byte) []byte

// FuncRef identifies a registered Func across the wire. The original C
// implementation sent a live function pointer as Call.Eip and had the
// slave call it directly — Go cannot cast an arbitrary uint64 into a
// callable value, and spec.md §9 itself flags the raw-address approach as
// fragile ("model as execute symbol... rather than sending a live
// address"). FuncRef is that symbol: a deterministic FNV-1a hash of the
// name the function was registered under, carried in the wire's Eip field
// in place of an instruction address.
type FuncRef uint64

var (
	registryMu sync.RWMutex
	registry   = map[FuncRef]Func{}
	names      = map[FuncRef]string{}
)

// RegisterFunc associates fn with name and returns its FuncRef. Both the
// client and the slave run the identical binary and therefore execute the
// identical init-time registration calls, so a FuncRef computed by the
// client always resolves to the same Func in the slave process.
func RegisterFunc(name string, fn Func) FuncRef {
	ref := hashFuncName(name)

	registryMu.Lock()
	defer registryMu.Unlock()
	if existing, ok := names[ref]; ok && existing != name {
		panic("remotethread: FuncRef collision between " + existing + " and " + name)
	}
	registry[ref] = fn
	names[ref] = name
	return ref
}

// lookupFunc resolves a FuncRef received over the wire back to a Func, as
// the slave does just before invoking it.
func lookupFunc(ref FuncRef) (Func, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[ref]
	return fn, ok
}

func hashFuncName(name string) FuncRef {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return FuncRef(h.Sum64())
}
