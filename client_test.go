package remotethread

import (
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janneku/remotethread/rtserver"
)

// TestMain makes this test binary double as the slave replica it spawns:
// when re-exec'd with the slave sentinel (exactly as rtserver.spawnSlave
// invokes a real worker), Init dispatches straight into runSlave and never
// reaches m.Run(). This is the same Init(os.Args) call any host program's
// main would make; only the path the process takes afterward differs.
func TestMain(m *testing.M) {
	if _, err := Init(os.Args); err != nil {
		os.Exit(1)
	}
	os.Exit(m.Run())
}

var echoUpperFunc = RegisterFunc("remotethread_test.echoUpper", echoUpper)

func echoUpper(param []byte) []byte {
	out := make([]byte, len(param))
	for i, b := range param {
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		out[i] = b
	}
	return out
}

var alwaysFailFunc = RegisterFunc("remotethread_test.alwaysFail", func(param []byte) []byte {
	return nil
})

// resetRegionSingletonForTest tears down the process-global region so each
// round-trip test starts from a clean mapping, the way a freshly started
// process would.
func resetRegionSingletonForTest(t *testing.T) {
	t.Helper()
	if theRegion != nil {
		require.NoError(t, theRegion.Close())
	}
	theRegion = nil
	regionErr = nil
	regionOnce = sync.Once{}
}

// startRealSlaveServer brings up a real rtserver.Server listening on an
// ephemeral loopback port, spawning genuine re-exec'd slave processes (this
// same test binary, re-invoked via TestMain above) the way spec.md §4.5
// describes, and points Call at it. This is a real loopback-exec round
// trip rather than an in-process fake slave: a true second process
// is unavoidable here, since the slave must map the region at the exact
// same fixed virtual address the client already holds mapped in this
// process, which two halves of one process could never do at once.
func startRealSlaveServer(t *testing.T) {
	t.Helper()
	resetRegionSingletonForTest(t)
	t.Cleanup(func() { resetRegionSingletonForTest(t) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	origPort := dialPort
	dialPort = port
	t.Cleanup(func() { dialPort = origPort })

	srv := rtserver.New(ln, 4)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx) }()

	selfPath, err := os.Executable()
	require.NoError(t, err)
	_, err = Init([]string{selfPath, "--remotethread", "127.0.0.1"})
	require.NoError(t, err)
}

// TestCallRoundTripThroughRealSlaveProcess is the hard-part coverage spec.md
// §1 calls out: Call ships the running binary and a region snapshot over a
// real TCP connection, rtserver execs a genuine second OS process from
// that shipped binary, and that process's runSlaveInner reconstructs the
// region, looks up the registered function by its FuncRef, and streams
// back a reply that Wait reads to completion.
func TestCallRoundTripThroughRealSlaveProcess(t *testing.T) {
	startRealSlaveServer(t)

	h, err := Call(echoUpperFunc, []byte("hello, remotethread"))
	require.NoError(t, err)
	defer h.Destroy()

	reply, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO, REMOTETHREAD"), reply)
}

// TestCallRoundTripSlaveErrorReply exercises runSlaveInner's error-reply
// path: a registered function that returns no reply causes the real slave
// process to send a StatusError Reply, which Wait must surface as an error.
func TestCallRoundTripSlaveErrorReply(t *testing.T) {
	startRealSlaveServer(t)

	h, err := Call(alwaysFailFunc, []byte("x"))
	require.NoError(t, err)
	defer h.Destroy()

	_, err = h.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server returned an error")
}
