// Command remotethread-alloctest ports original_source/alloc-test.c: a
// local stress test of the region allocator's alloc/free/realloc paths and
// invariants, with no network calls involved.
package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"

	"github.com/janneku/remotethread"
)

const numAllocs = 100

func main() {
	args, err := remotethread.Init(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "remotethread-alloctest",
		Short: "Stress-test the region allocator",
		RunE:  run,
	}
	root.SetArgs(args[1:])
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ptrs := make([]uintptr, numAllocs)
	sizes := make([]int, numAllocs)

	for i := 0; i < numAllocs; i++ {
		size := 256 + 64*i
		ptr := remotethread.Alloc(size)
		if ptr == 0 {
			return fmt.Errorf("alloc %d (size %d) failed", i, size)
		}
		remotethread.Write(ptr, fillBytes(byte(i), size))
		ptrs[i], sizes[i] = ptr, size
		if err := remotethread.CheckAlloc(); err != nil {
			return fmt.Errorf("after alloc %d: %w", i, err)
		}
	}
	fmt.Printf("allocated %d chunks\n", numAllocs)

	rng := rand.New(rand.NewSource(1))
	freed := make([]bool, numAllocs)
	for i := 0; i < numAllocs; i++ {
		if rng.Intn(2) == 0 {
			remotethread.Free(ptrs[i])
			freed[i] = true
			if err := remotethread.CheckAlloc(); err != nil {
				return fmt.Errorf("after free %d: %w", i, err)
			}
		}
	}
	fmt.Println("freed half the chunks")

	for i := 0; i < numAllocs; i++ {
		if !freed[i] {
			continue
		}
		newSize := sizes[i] * 2
		ptr := remotethread.Alloc(newSize)
		if ptr == 0 {
			return fmt.Errorf("alloc into freed slot %d failed", i)
		}
		remotethread.Write(ptr, fillBytes(byte(i), newSize))
		got := remotethread.Read(ptr, newSize)
		for j, b := range got {
			if b != byte(i) {
				return fmt.Errorf("slot %d byte %d corrupted after alloc", i, j)
			}
		}
		ptrs[i] = ptr
		sizes[i] = newSize
		if err := remotethread.CheckAlloc(); err != nil {
			return fmt.Errorf("after refill %d: %w", i, err)
		}
	}
	fmt.Println("refilled the freed half with larger chunks")

	// Realloc's grow path (in-place extend or copy-to-a-new-chunk) is only
	// exercised by growing a pointer that is still allocated -- a freed
	// pointer can't legally be passed to Realloc at all, and ptr==0 just
	// dispatches to Alloc per its own doc comment. So grow every surviving
	// original slot in place here instead.
	for i := 0; i < numAllocs; i++ {
		if freed[i] {
			continue
		}
		oldSize := sizes[i]
		newSize := oldSize * 2
		ptr := remotethread.Realloc(ptrs[i], newSize)
		if ptr == 0 {
			return fmt.Errorf("realloc grow %d failed", i)
		}
		got := remotethread.Read(ptr, newSize)
		for j := 0; j < oldSize; j++ {
			if got[j] != byte(i) {
				return fmt.Errorf("slot %d byte %d corrupted after realloc grow", i, j)
			}
		}
		remotethread.Write(ptr, fillBytes(byte(i), newSize))
		ptrs[i], sizes[i] = ptr, newSize
		if err := remotethread.CheckAlloc(); err != nil {
			return fmt.Errorf("after realloc grow %d: %w", i, err)
		}
	}
	fmt.Println("realloc-grew and verified the untouched half")

	for i := numAllocs - 1; i >= 0; i-- {
		remotethread.Free(ptrs[i])
		if err := remotethread.CheckAlloc(); err != nil {
			return fmt.Errorf("after final free %d: %w", i, err)
		}
	}
	fmt.Println("freed everything; all invariants held throughout")
	return nil
}

func fillBytes(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
