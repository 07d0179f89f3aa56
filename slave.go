package remotethread

import (
	"net"
	"os"

	"github.com/pkg/errors"

	"github.com/janneku/remotethread/region"
	"github.com/janneku/remotethread/rtio"
	"github.com/janneku/remotethread/rtproto"
)

// runSlave is the slave entry point from spec.md §4.4, dispatched by Init
// when argv[1] is the slave sentinel. It never returns to its caller: the
// process exits with runSlaveInner's status.
func runSlave(fd int) {
	exitProcess(runSlaveInner(fd))
}

func runSlaveInner(fd int) int {
	if path := OwnBinaryPath(); path != "" {
		if err := os.Remove(path); err != nil {
			logger().Warnf("remotethread: slave: unlinking %q failed: %s", path, err)
		}
	}

	conn, err := connFromFd(fd)
	if err != nil {
		logger().Warnf("remotethread: slave: %s", err)
		return 1
	}
	defer conn.Close()

	call, err := rtproto.ReadCall(conn)
	if err != nil {
		sendErrorReply(conn)
		logger().Warnf("remotethread: slave: reading call header failed: %s", err)
		return 1
	}

	r := region.NewEmpty(region.DefaultBase)
	defer r.Close()

	if err := r.Reserve(uint64(call.AllocLen)); err != nil {
		sendErrorReply(conn)
		logger().Warnf("remotethread: slave: reserving region failed: %s", err)
		return 1
	}

	compressed := make([]byte, call.AllocComprLen)
	if err := rtio.ReadAll(conn, compressed); err != nil {
		sendErrorReply(conn)
		logger().Warnf("remotethread: slave: reading compressed snapshot failed: %s", err)
		return 1
	}

	if err := r.DecompressInto(compressed); err != nil {
		sendErrorReply(conn)
		logger().Warnf("remotethread: slave: decompressing snapshot failed: %s", err)
		return 1
	}

	if err := r.RebuildLastChunk(); err != nil {
		sendErrorReply(conn)
		logger().Warnf("remotethread: slave: rebuilding chunk metadata failed: %s", err)
		return 1
	}

	fn, ok := lookupFunc(FuncRef(call.Eip))
	if !ok {
		sendErrorReply(conn)
		logger().Warnf("remotethread: slave: no function registered for FuncRef %#x", call.Eip)
		return 1
	}

	param := r.Read(uintptr(call.Param), int(call.ParamLen))
	reply := fn(param)
	if reply == nil {
		sendErrorReply(conn)
		logger().Warnf("remotethread: slave: worker function returned no reply")
		return 1
	}

	if err := rtproto.WriteReply(conn, rtproto.Reply{Status: rtproto.StatusOK, ReplyLen: uint32(len(reply))}); err != nil {
		logger().Warnf("remotethread: slave: sending reply header failed: %s", err)
		return 1
	}
	if err := rtio.WriteAll(conn, reply); err != nil {
		logger().Warnf("remotethread: slave: sending reply body failed: %s", err)
		return 1
	}
	return 0
}

func sendErrorReply(conn net.Conn) {
	_ = rtproto.WriteReply(conn, rtproto.Reply{Status: rtproto.StatusError, ReplyLen: 0})
}

// connFromFd wraps an inherited socket file descriptor (argv[2], passed by
// the server as described in spec.md §4.5) as a net.Conn.
func connFromFd(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "remotethread-slave-socket")
	if f == nil {
		return nil, errors.Errorf("remotethread: fd %d is not valid", fd)
	}
	defer f.Close() // net.FileConn dups fd; our copy must be closed separately

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, errors.Wrapf(err, "remotethread: fd %d is not a usable socket", fd)
	}
	return conn, nil
}
