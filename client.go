package remotethread

import (
	"math/rand/v2"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/janneku/remotethread/rtio"
	"github.com/janneku/remotethread/rtproto"
)

var warnNoServersOnce sync.Once

// dialPort is the port Call dials on each configured server. A package-level
// indirection over rtproto.DefaultPort, the same testability idiom as
// config.go's exitProcess, so round-trip tests can point Call at a
// listener bound to an ephemeral port instead of the well-known one.
var dialPort = rtproto.DefaultPort

var (
	ownBinaryOnce  sync.Once
	ownBinaryBytes []byte
	ownBinaryErr   error
)

// readOwnBinary reads OwnBinaryPath once per process and caches the result:
// the running binary's contents cannot change for the life of the process,
// so every Call after the first reuses the same bytes instead of paying a
// fresh multi-megabyte os.ReadFile for each outstanding call.
func readOwnBinary() ([]byte, error) {
	ownBinaryOnce.Do(func() {
		ownBinaryBytes, ownBinaryErr = os.ReadFile(OwnBinaryPath())
	})
	return ownBinaryBytes, ownBinaryErr
}

// Call implements spec.md §4.3's call operation: it picks a server at
// random, ships the running binary and a compressed snapshot of the
// process-global region carrying an in-region copy of param, and returns a
// CallHandle for retrieving the reply. fn must have been registered with
// RegisterFunc in this same binary.
//
// Any socket, I/O, compression, or allocation failure fails the whole
// operation, releases whatever partial resources were acquired, and
// returns a nil handle.
func Call(fn FuncRef, param []byte) (*CallHandle, error) {
	srv, err := pickServer()
	if err != nil {
		return nil, err
	}

	r, err := theRegionSingleton()
	if err != nil {
		logger().Warnf("remotethread: region unavailable: %s", err)
		return nil, err
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(srv, strconv.Itoa(dialPort)))
	if err != nil {
		logger().Warnf("remotethread: connecting to %s failed: %s", srv, err)
		return nil, errors.Wrap(err, "remotethread: connect")
	}
	ok := false
	defer func() {
		if !ok {
			_ = conn.Close()
		}
	}()

	binary, err := readOwnBinary()
	if err != nil {
		logger().Warnf("remotethread: reading own binary %q failed: %s", OwnBinaryPath(), err)
		return nil, errors.Wrap(err, "remotethread: read own binary")
	}

	if err := rtproto.WriteHello(conn, rtproto.Hello{Magic: rtproto.Magic, BinaryLen: uint32(len(binary))}); err != nil {
		logger().Warnf("remotethread: sending hello failed: %s", err)
		return nil, err
	}
	if err := rtio.WriteAll(conn, binary); err != nil {
		logger().Warnf("remotethread: sending binary failed: %s", err)
		return nil, err
	}

	paramPtr, err := r.Alloc(len(param))
	if err != nil {
		logger().Warnf("remotethread: allocating in-region parameter copy failed: %s", err)
		return nil, err
	}
	paramFreed := false
	defer func() {
		if !paramFreed {
			r.Free(paramPtr)
		}
	}()
	r.Write(paramPtr, param)

	compressed, err := r.CompressSnapshot()
	if err != nil {
		logger().Warnf("remotethread: compressing region snapshot failed: %s", err)
		return nil, err
	}

	call := rtproto.Call{
		AllocLen:      uint32(r.Len()),
		AllocComprLen: uint32(len(compressed)),
		ParamLen:      uint32(len(param)),
		Param:         uint64(paramPtr),
		Eip:           uint64(fn),
	}
	if err := rtproto.WriteCall(conn, call); err != nil {
		logger().Warnf("remotethread: sending call header failed: %s", err)
		return nil, err
	}
	if err := rtio.WriteAll(conn, compressed); err != nil {
		logger().Warnf("remotethread: sending compressed snapshot failed: %s", err)
		return nil, err
	}

	r.Free(paramPtr)
	paramFreed = true

	ok = true
	return newCallHandle(conn), nil
}

func pickServer() (string, error) {
	list := Servers()
	if len(list) == 0 {
		warnNoServersOnce.Do(func() {
			logger().Warnf("remotethread: no servers defined")
		})
		return "", errors.New("remotethread: no servers defined")
	}
	return list[rand.IntN(len(list))], nil
}
