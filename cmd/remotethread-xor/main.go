// Command remotethread-xor ports original_source/test.c's example: a 1 MiB
// buffer is filled with a deterministic PRNG stream, split into 8 chunks,
// and each chunk's two 64 KiB halves are XORed together remotely.
package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/janneku/remotethread"
)

const (
	bufferLen = 1 << 20 // 1 MiB
	numChunks = 8
	chunkLen  = bufferLen / numChunks // 128 KiB
	halfLen   = chunkLen / 2          // 64 KiB
)

// Registered at package init time, before main ever calls Init: the slave
// replica re-execs this identical binary and must reach the same
// RegisterFunc call before Init's slave-mode dispatch runs and looks up
// this FuncRef.
var xorFunc = remotethread.RegisterFunc("remotethread-xor.xorHalves", xorHalves)

func xorHalves(param []byte) []byte {
	if len(param) != chunkLen {
		return nil
	}
	out := make([]byte, halfLen)
	for i := range out {
		out[i] = param[i] ^ param[i+halfLen]
	}
	return out
}

var okStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
var failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))

func main() {
	args, err := remotethread.Init(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render(err.Error()))
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "remotethread-xor",
		Short: "XOR the two halves of 8 buffer chunks on remote workers",
		RunE:  run,
	}
	root.SetArgs(args[1:])
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	data := make([]byte, bufferLen)
	rand.New(rand.NewSource(0)).Read(data)

	handles := make([]*remotethread.CallHandle, numChunks)
	for i := 0; i < numChunks; i++ {
		chunk := data[i*chunkLen : (i+1)*chunkLen]
		h, err := remotethread.Call(xorFunc, chunk)
		if err != nil {
			return fmt.Errorf("call %d: %w", i, err)
		}
		handles[i] = h
	}

	failed := 0
	for i, h := range handles {
		reply, err := h.Wait()
		h.Destroy()
		if err != nil {
			fmt.Println(failStyle.Render(fmt.Sprintf("chunk %d: %s", i, err)))
			failed++
			continue
		}

		chunk := data[i*chunkLen : (i+1)*chunkLen]
		want := make([]byte, halfLen)
		for j := range want {
			want[j] = chunk[j] ^ chunk[j+halfLen]
		}
		if !bytes.Equal(reply, want) {
			fmt.Println(failStyle.Render(fmt.Sprintf("chunk %d: reply mismatch", i)))
			failed++
			continue
		}
		fmt.Println(okStyle.Render(fmt.Sprintf("chunk %d: OK (%d bytes)", i, len(reply))))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d chunks failed", failed, numChunks)
	}
	return nil
}
