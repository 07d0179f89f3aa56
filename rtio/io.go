// Package rtio provides the stream I/O primitives the wire protocol is
// built on: writes and reads that retry across partial transfers and
// transient interruptions, and a non-blocking "bytes currently readable"
// query, grounded on original_source/utils.c's write_all/read_all/
// bytes_available trio.
package rtio

import (
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// WriteAll writes the whole of buf to w with a single Write call, relying on
// io.Writer's contract that a short write returns an error. It does not
// itself retry on short writes or EINTR: net.Conn and os.File already do that inside
// the runtime poller, which is why this is a thin wrapper over io.Writer
// rather than a raw syscall loop like the original's write_all.
func WriteAll(w io.Writer, buf []byte) error {
	_, err := w.Write(buf)
	if err != nil {
		return errors.Wrap(err, "write_all")
	}
	return nil
}

// ReadAll reads exactly len(buf) bytes from r, failing on EOF before buf is
// full.
func ReadAll(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return errors.Wrap(err, "read_all")
	}
	return nil
}

// ReadResult is the three-way outcome of a non-blocking read, replacing the
// original read_available's signed/unsigned overload of a single integer
// return (-1 cast to size_t on error looked like an enormous byte count).
type ReadResult int

const (
	// ReadOK means n bytes (n may be 0 only at EOF) were read into the
	// caller's buffer.
	ReadOK ReadResult = iota
	// ReadAgain means no data was available right now and the caller
	// should retry later; n is always 0.
	ReadAgain
	// ReadErr means the read failed outright (not EOF, not EAGAIN); n is
	// always 0.
	ReadErr
)

// ReadAvailable performs one non-blocking read of up to len(buf) bytes from
// conn, reading only what BytesAvailable currently reports so the call
// never blocks waiting for more. It returns ReadOK with n==0 at EOF.
func ReadAvailable(conn net.Conn, buf []byte) (ReadResult, int, error) {
	avail, err := BytesAvailable(conn)
	if err != nil {
		return ReadErr, 0, err
	}
	if avail == 0 {
		// FIONREAD==0 is ambiguous: it means either "nothing buffered yet" or
		// "peer closed and nothing was left to read". ConnClosed tells them
		// apart with a non-blocking MSG_PEEK rather than going through
		// raw.Read's poller-wait retry, which would block here instead of
		// reporting ReadAgain.
		closed, err := ConnClosed(conn)
		if err != nil {
			return ReadErr, 0, err
		}
		if closed {
			return ReadOK, 0, nil // EOF
		}
		return ReadAgain, 0, nil
	}
	want := len(buf)
	if avail < want {
		want = avail
	}

	sc, ok := conn.(syscall.Conn)
	if !ok {
		return ReadErr, 0, errors.New("connection does not support raw read")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return ReadErr, 0, errors.Wrap(err, "syscall conn")
	}

	var n int
	var readErr error
	ctlErr := raw.Read(func(fd uintptr) bool {
		n, readErr = unix.Read(int(fd), buf[:want])
		if readErr == unix.EAGAIN || readErr == unix.EWOULDBLOCK {
			return false // tell the runtime poller to wait and retry
		}
		return true
	})
	if ctlErr != nil {
		return ReadErr, 0, errors.Wrap(ctlErr, "raw read control")
	}
	if readErr != nil {
		return ReadErr, 0, errors.Wrap(readErr, "read_available")
	}
	if n == 0 {
		return ReadOK, 0, nil // EOF
	}
	return ReadOK, n, nil
}

// ConnClosed distinguishes "no bytes buffered yet" from "peer closed the
// connection" without blocking and without consuming any data: it peeks one
// byte with MSG_PEEK|MSG_DONTWAIT via raw.Control, which runs the syscall
// immediately instead of raw.Read's wait-for-readiness retry loop. A 0-byte,
// no-error peek means the peer sent a FIN with nothing left to read; EAGAIN
// means the socket is simply empty for now. Callers should only consult this
// once BytesAvailable has already reported 0, since a positive FIONREAD
// count already answers the question.
func ConnClosed(conn net.Conn) (bool, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return false, errors.New("connection does not support raw read")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false, errors.Wrap(err, "syscall conn")
	}

	var peek [1]byte
	var n int
	var peekErr error
	ctlErr := raw.Control(func(fd uintptr) {
		n, _, peekErr = unix.Recvfrom(int(fd), peek[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	})
	if ctlErr != nil {
		return false, errors.Wrap(ctlErr, "raw control")
	}
	if peekErr == unix.EAGAIN || peekErr == unix.EWOULDBLOCK {
		return false, nil
	}
	if peekErr != nil {
		return false, errors.Wrap(peekErr, "peek_eof")
	}
	return n == 0, nil
}

// BytesAvailable reports how many bytes can currently be read from conn
// without blocking, via ioctl(FIONREAD), matching original_source/utils.c's
// bytes_available.
func BytesAvailable(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, errors.New("connection does not support FIONREAD")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, errors.Wrap(err, "syscall conn")
	}

	var n int
	var ioctlErr error
	ctlErr := raw.Control(func(fd uintptr) {
		n, ioctlErr = unix.IoctlGetInt(int(fd), unix.FIONREAD)
	})
	if ctlErr != nil {
		return 0, errors.Wrap(ctlErr, "raw control")
	}
	if ioctlErr != nil {
		return 0, errors.Wrap(ioctlErr, "ioctl FIONREAD")
	}
	return n, nil
}
