package remotethread

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterFuncIsStableAndDistinct(t *testing.T) {
	ref1 := RegisterFunc("test.alpha", func(p []byte) []byte { return p })
	ref2 := RegisterFunc("test.alpha", func(p []byte) []byte { return p })
	ref3 := RegisterFunc("test.beta", func(p []byte) []byte { return p })

	assert.Equal(t, ref1, ref2, "registering the same name twice must yield the same FuncRef")
	assert.NotEqual(t, ref1, ref3)
}

func TestLookupFuncResolvesRegisteredRef(t *testing.T) {
	ref := RegisterFunc("test.gamma", func(p []byte) []byte {
		out := make([]byte, len(p))
		for i, b := range p {
			out[i] = b ^ 0xff
		}
		return out
	})

	fn, ok := lookupFunc(ref)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x00, 0xff}, fn([]byte{0xff, 0x00}))
}

func TestLookupFuncUnknownRef(t *testing.T) {
	_, ok := lookupFunc(FuncRef(0xdeadbeef))
	assert.False(t, ok)
}
