package rpcsock

import (
	"net"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/viproma/coral-sub001/internal/coreerr"
	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/wire"
)

// ReplyFunc is called exactly once with the result of a Client.Call.
type ReplyFunc func(msgType uint16, body []byte, err error)

type pendingRequest struct {
	msgType uint16
	body    []byte
	timeout time.Duration
	reply   ReplyFunc
}

// Client is the request/reply client of spec.md §4.2: a FIFO of pending
// requests funneled one-at-a-time over a ReqSocket, with lazy HELLO
// version negotiation on the first call and per-request timeouts.
type Client struct {
	r          *reactor.Reactor
	sock       *ReqSocket
	maxVersion uint16

	negotiated        bool
	awaitingHello     bool
	negotiatedVersion uint16

	queue    []*pendingRequest
	inFlight *pendingRequest
	timer    reactor.TimerHandle

	closed bool
}

// NewClient connects conn as a ReqSocket and returns a Client willing to
// negotiate up to maxVersion.
func NewClient(r *reactor.Reactor, conn net.Conn, maxVersion uint16) *Client {
	c := &Client{r: r, maxVersion: maxVersion}
	c.sock = NewReqSocket(r, conn, c.handleMessage, c.handleClosed)
	return c
}

// Call enqueues a request. reply is invoked on the reactor goroutine
// exactly once, either with the response or a non-nil error (timeout,
// protocol mismatch, or connection loss).
func (c *Client) Call(msgType uint16, body []byte, timeout time.Duration, reply ReplyFunc) {
	if c.closed {
		reply(0, nil, coreerr.New(coreerr.CodeAborted, "rpcsock: client closed"))
		return
	}
	c.queue = append(c.queue, &pendingRequest{msgType: msgType, body: body, timeout: timeout, reply: reply})
	c.dispatchNext()
}

// Notify sends a fire-and-forget Normal message: no reply is awaited and
// none is matched up if one arrives. Used for spec.md §4.5's TERMINATE,
// which is unacknowledged by design so it makes progress even against a
// misbehaving peer. Requires a connection that has already completed
// HELLO negotiation (true for any Messenger past NotConnected).
func (c *Client) Notify(msgType uint16, body []byte) error {
	if c.closed {
		return coreerr.New(coreerr.CodeAborted, "rpcsock: client closed")
	}
	if err := c.sock.Send(wire.EncodeNormal(msgType, body)); err != nil {
		return coreerr.Wrap(coreerr.CodeConnectionRefused, 0, err, "rpcsock: sending notification")
	}
	return nil
}

// Close tears down the connection and fails every pending request.
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.timer.Cancel()
	_ = c.sock.Close()
	c.failAll(coreerr.New(coreerr.CodeCanceled, "rpcsock: client closed"))
}

func (c *Client) dispatchNext() {
	if c.closed || c.inFlight != nil || c.awaitingHello || len(c.queue) == 0 {
		return
	}
	if !c.negotiated {
		c.awaitingHello = true
		if err := c.sock.Send(wire.EncodeHello(c.maxVersion, nil)); err != nil {
			c.failAll(coreerr.Wrap(coreerr.CodeConnectionRefused, 0, err, "rpcsock: sending HELLO"))
			return
		}
		c.armTimeout(c.queue[0].timeout)
		return
	}
	c.sendHead()
}

func (c *Client) sendHead() {
	req := c.queue[0]
	c.queue = c.queue[1:]
	c.inFlight = req
	if err := c.sock.Send(wire.EncodeNormal(req.msgType, req.body)); err != nil {
		c.inFlight = nil
		req.reply(0, nil, coreerr.Wrap(coreerr.CodeConnectionRefused, 0, err, "rpcsock: sending request"))
		c.dispatchNext()
		return
	}
	c.armTimeout(req.timeout)
}

func (c *Client) armTimeout(d time.Duration) {
	c.timer.Cancel()
	if d <= 0 {
		return
	}
	h, err := c.r.ScheduleOnce(d, c.handleTimeout)
	if err == nil {
		c.timer = h
	}
}

func (c *Client) handleTimeout() {
	if c.awaitingHello {
		c.awaitingHello = false
		c.failAll(coreerr.New(coreerr.CodeTimedOut, "rpcsock: HELLO negotiation timed out"))
		_ = c.sock.Close()
		return
	}
	if c.inFlight == nil {
		return
	}
	req := c.inFlight
	c.inFlight = nil
	req.reply(0, nil, coreerr.New(coreerr.CodeTimedOut, "rpcsock: request timed out"))
	// spec.md §4.2: on timeout the socket is reset.
	_ = c.sock.Close()
}

func (c *Client) handleMessage(frames Frames) {
	c.timer.Cancel()
	env, err := wire.DecodeEnvelope(frames)
	if err != nil {
		c.failCurrent(coreerr.Wrap(coreerr.CodeBadMessage, 0, err, "rpcsock: malformed reply"))
		return
	}

	if c.awaitingHello {
		c.awaitingHello = false
		switch env.Kind {
		case wire.KindHello:
			c.negotiated = true
			c.negotiatedVersion = env.ProtocolVersion
			c.dispatchNext()
		case wire.KindDenied:
			c.failAll(coreerr.New(coreerr.CodeProtocolNotSupported, "rpcsock: HELLO denied: %s", env.Reason))
		default:
			c.failAll(coreerr.New(coreerr.CodeProtocolViolation, "rpcsock: expected HELLO/DENIED reply, got message type %d", env.MessageType))
		}
		return
	}

	if env.Kind != wire.KindNormal {
		c.failCurrent(coreerr.New(coreerr.CodeProtocolViolation, "rpcsock: unexpected envelope kind in reply"))
		return
	}

	req := c.inFlight
	c.inFlight = nil
	if req == nil {
		return
	}
	if env.MessageType == uint16(execproto.MsgError) {
		errBody, derr := execproto.DecodeError(env.Body)
		if derr != nil {
			req.reply(0, nil, coreerr.Wrap(coreerr.CodeBadMessage, 0, derr, "rpcsock: decoding ERROR body"))
		} else {
			req.reply(env.MessageType, env.Body, coreerr.ForSlave(codes.Code(errBody.Code), errBody.Slave, "%s", errBody.Message))
		}
	} else {
		req.reply(env.MessageType, env.Body, nil)
	}
	c.dispatchNext()
}

func (c *Client) failCurrent(err error) {
	if c.inFlight != nil {
		req := c.inFlight
		c.inFlight = nil
		req.reply(0, nil, err)
	}
	c.dispatchNext()
}

func (c *Client) failAll(err error) {
	if c.inFlight != nil {
		req := c.inFlight
		c.inFlight = nil
		req.reply(0, nil, err)
	}
	pending := c.queue
	c.queue = nil
	for _, req := range pending {
		req.reply(0, nil, err)
	}
}

func (c *Client) handleClosed() {
	c.closed = true
	c.timer.Cancel()
	c.failAll(coreerr.New(coreerr.CodeConnectionRefused, "rpcsock: connection closed"))
}
