// Package rtproto defines the three framed wire messages exchanged between
// the call client, the server, and the slave, and the helpers that read and
// write them with a bit-exact, unpadded layout.
//
// encoding/binary.Write/Read is used rather than unsafe struct casts: unlike
// the region's in-memory chunk headers (which really are read as raw
// process memory and need unsafe.Pointer), these structs only ever exist as
// serialized bytes on the wire, and binary.Write/Read already writes fields
// sequentially with no Go struct padding, which is exactly what "packed, no
// implicit padding" requires here.
package rtproto

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic identifies a Hello message. Chosen by the original protocol;
// carried forward unchanged since it is part of the wire contract.
const Magic uint32 = 0x4A33DE22

// SlaveArg is the sentinel argv[1] that triggers slave-mode dispatch.
const SlaveArg = "--remotethread-slave"

// DefaultPort is the server's default listening port.
const DefaultPort = 12950

// ReplyStatus discriminates a Reply's outcome.
type ReplyStatus uint8

const (
	StatusOK    ReplyStatus = 1
	StatusError ReplyStatus = 2
)

// Hello is sent first, client to server: the client's own binary length,
// followed out-of-struct by that many bytes of the binary itself.
type Hello struct {
	Magic     uint32
	BinaryLen uint32
}

// WriteHello writes the fixed Hello header. The binary bytes themselves are
// written separately by the caller via io.Copy/rtio.WriteAll.
func WriteHello(w io.Writer, h Hello) error {
	if err := binary.Write(w, binary.BigEndian, h); err != nil {
		return errors.Wrap(err, "write hello header")
	}
	return nil
}

// ReadHello reads and validates a Hello header, failing if the magic does
// not match.
func ReadHello(r io.Reader) (Hello, error) {
	var h Hello
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return Hello{}, errors.Wrap(err, "read hello header")
	}
	if h.Magic != Magic {
		return Hello{}, errors.Errorf("bad hello magic: %#x", h.Magic)
	}
	return h, nil
}

// Call is sent client to slave, after the server has exec'd the slave with
// the inherited connection. Param and Eip are raw host-order addresses,
// meaningful only because the slave re-execs the identical binary and maps
// the region at the same fixed base; they are never byte-swapped or
// translated.
type Call struct {
	AllocLen      uint32 // region length L in bytes
	AllocComprLen uint32 // compressed payload length that follows
	ParamLen      uint32 // length of the parameter buffer, inside the region
	Param         uint64 // virtual address of the parameter buffer
	Eip           uint64 // identifies the function to invoke; see remotethread.FuncRef
}

// hostOrder reorders v so that a big-endian write of the result puts v's
// host-order bytes on the wire, and a big-endian read followed by hostOrder
// recovers the host-order value. It is its own inverse.
func hostOrder(v uint64) uint64 {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], v)
	return binary.BigEndian.Uint64(b[:])
}

// WriteCall writes the fixed Call header. The compressed region payload is
// written separately by the caller.
func WriteCall(w io.Writer, c Call) error {
	c.Param, c.Eip = hostOrder(c.Param), hostOrder(c.Eip)
	if err := binary.Write(w, binary.BigEndian, c); err != nil {
		return errors.Wrap(err, "write call header")
	}
	return nil
}

// ReadCall reads a Call header.
func ReadCall(r io.Reader) (Call, error) {
	var c Call
	if err := binary.Read(r, binary.BigEndian, &c); err != nil {
		return Call{}, errors.Wrap(err, "read call header")
	}
	c.Param, c.Eip = hostOrder(c.Param), hostOrder(c.Eip)
	return c, nil
}

// Reply is sent slave to client: a status byte and a length, followed
// out-of-struct by ReplyLen bytes of payload (omitted on error).
type Reply struct {
	Status   ReplyStatus
	ReplyLen uint32
}

// WriteReply writes the fixed Reply header.
func WriteReply(w io.Writer, r Reply) error {
	if err := binary.Write(w, binary.BigEndian, r); err != nil {
		return errors.Wrap(err, "write reply header")
	}
	return nil
}

// ReadReply reads a Reply header.
func ReadReply(r io.Reader) (Reply, error) {
	var rep Reply
	if err := binary.Read(r, binary.BigEndian, &rep); err != nil {
		return Reply{}, errors.Wrap(err, "read reply header")
	}
	return rep, nil
}

// ReplyHeaderLen is the wire size, in bytes, of a Reply header: one status byte
// plus a 32-bit length, matching the original protocol's 5-byte header that
// CallHandle.Poll waits for before attempting a body read.
const ReplyHeaderLen = 1 + 4
