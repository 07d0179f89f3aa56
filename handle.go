package remotethread

import (
	"net"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/janneku/remotethread/rtio"
	"github.com/janneku/remotethread/rtproto"
)

type handleState int

const (
	stateAwaitingHeader handleState = iota
	stateAwaitingBody
	stateCompleted
	stateDestroyed
)

// CallHandle tracks one outstanding call's socket and partial reply,
// implementing the state machine from spec.md §4.3:
// Created -> AwaitingHeader -> AwaitingBody(pos) -> Completed, with
// Destroyed reachable (and terminal) from any state.
type CallHandle struct {
	id    uuid.UUID
	conn  net.Conn
	state handleState
	reply rtproto.Reply
	body  []byte
	pos   int
	err   error // set alongside state==stateCompleted iff the call failed
}

func newCallHandle(conn net.Conn) *CallHandle {
	return &CallHandle{id: uuid.New(), conn: conn, state: stateAwaitingHeader}
}

// Wait blocks until the reply is fully received and returns its payload.
// Calling Wait or Poll on a Destroyed handle is a programmer fault.
func (h *CallHandle) Wait() ([]byte, error) {
	if h.state == stateDestroyed {
		logger().Panic(errors.New("remotethread: Wait called on a destroyed CallHandle"))
	}
	if h.state == stateCompleted {
		return h.body, h.err
	}

	if h.state == stateAwaitingHeader {
		reply, err := rtproto.ReadReply(h.conn)
		if err != nil {
			h.state = stateCompleted
			h.err = err
			logger().Warnf("remotethread[%s]: reading reply header failed: %s", h.id, err)
			return nil, err
		}
		if err := h.acceptHeader(reply); err != nil {
			return nil, err
		}
	}

	if err := rtio.ReadAll(h.conn, h.body[h.pos:]); err != nil {
		h.state = stateCompleted
		h.err = err
		logger().Warnf("remotethread[%s]: reading reply body failed: %s", h.id, err)
		return nil, err
	}
	h.pos = len(h.body)
	h.finishBody()
	return h.body, nil
}

// Poll performs one non-blocking attempt to advance the reply read. It
// returns again=true if the reply is not yet fully available.
func (h *CallHandle) Poll() (reply []byte, again bool, err error) {
	if h.state == stateDestroyed {
		logger().Panic(errors.New("remotethread: Poll called on a destroyed CallHandle"))
	}
	if h.state == stateCompleted {
		return h.body, false, h.err
	}

	if h.state == stateAwaitingHeader {
		avail, err := rtio.BytesAvailable(h.conn)
		if err != nil {
			h.state = stateCompleted
			h.err = err
			logger().Warnf("remotethread[%s]: querying available reply bytes failed: %s", h.id, err)
			return nil, false, err
		}
		if avail < rtproto.ReplyHeaderLen {
			if avail == 0 {
				closed, err := rtio.ConnClosed(h.conn)
				if err != nil {
					h.state = stateCompleted
					h.err = err
					logger().Warnf("remotethread[%s]: checking connection state failed: %s", h.id, err)
					return nil, false, err
				}
				if closed {
					h.state = stateCompleted
					err := errors.New("remotethread: connection closed before reply header arrived")
					h.err = err
					logger().Warnf("remotethread[%s]: %s", h.id, err)
					return nil, false, err
				}
			}
			return nil, true, nil
		}
		reply, err := rtproto.ReadReply(h.conn)
		if err != nil {
			h.state = stateCompleted
			h.err = err
			logger().Warnf("remotethread[%s]: reading reply header failed: %s", h.id, err)
			return nil, false, err
		}
		if err := h.acceptHeader(reply); err != nil {
			return nil, false, err
		}
		if h.state == stateCompleted {
			// zero-length OK reply: already done
			return h.body, false, nil
		}
	}

	for h.pos < len(h.body) {
		result, n, err := rtio.ReadAvailable(h.conn, h.body[h.pos:])
		if err != nil {
			h.state = stateCompleted
			h.err = err
			logger().Warnf("remotethread[%s]: reading reply body failed: %s", h.id, err)
			return nil, false, err
		}
		switch result {
		case rtio.ReadAgain:
			return nil, true, nil
		case rtio.ReadOK:
			if n == 0 {
				h.state = stateCompleted
				err := errors.New("remotethread: connection closed before reply completed")
				h.err = err
				logger().Warnf("remotethread[%s]: %s", h.id, err)
				return nil, false, err
			}
			h.pos += n
		}
	}
	h.finishBody()
	return h.body, false, nil
}

// acceptHeader processes a just-read Reply header, failing on
// Reply.Status==Error and otherwise allocating the body buffer and moving
// to AwaitingBody (or straight to Completed if the reply is empty).
func (h *CallHandle) acceptHeader(reply rtproto.Reply) error {
	h.reply = reply
	if reply.Status == rtproto.StatusError {
		h.state = stateCompleted
		err := errors.New("remotethread: server returned an error")
		h.err = err
		logger().Warnf("remotethread[%s]: %s", h.id, err)
		return err
	}
	h.body = make([]byte, reply.ReplyLen)
	h.pos = 0
	if len(h.body) == 0 {
		h.state = stateCompleted
		return nil
	}
	h.state = stateAwaitingBody
	return nil
}

// finishBody marks the handle Completed and warns if the peer sent more
// bytes than reply_len promised — spec.md §4.3's "extra bytes beyond
// reply_len are silently ignored with a warning".
func (h *CallHandle) finishBody() {
	h.state = stateCompleted
	if avail, err := rtio.BytesAvailable(h.conn); err == nil && avail > 0 {
		logger().Warnf("remotethread[%s]: ignoring %d unexpected trailing bytes after reply", h.id, avail)
	}
}

// Destroy closes the handle's socket. Calling Destroy on an already
// destroyed handle is a programmer fault.
func (h *CallHandle) Destroy() {
	if h.state == stateDestroyed {
		logger().Panic(errors.New("remotethread: double Destroy on a CallHandle"))
	}
	h.state = stateDestroyed
	_ = h.conn.Close()
}
