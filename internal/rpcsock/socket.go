// Package rpcsock implements the request/reply transport of spec.md
// §4.2: RepSocket/ReqSocket over framed TCP connections, and the
// Client/Server abstractions layered on top that speak the
// HELLO/DENIED/Normal envelope (internal/wire) and negotiate a
// protocol version lazily on first use.
//
// Every socket is driven by one internal/reactor.Reactor: connection
// accept loops and per-connection read loops run as spawned pumps
// (spec.md §9's coroutine-elision guidance), and every observed message
// is delivered back onto the reactor's own goroutine, so the
// request/reply state machines below never see concurrent calls.
package rpcsock

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/wire"
)

// Frames is one multi-frame wire message, pre-envelope-decoding.
type Frames = [][]byte

// ConnID identifies one connection accepted by a RepSocket — the
// "opaque client-identity envelope" of spec.md §4.2.
type ConnID uint64

var nextConnID atomic.Uint64

func newConnID() ConnID { return ConnID(nextConnID.Add(1)) }

// RepSocket is the server role of spec.md §4.2: it binds a listener and
// delivers each inbound message, tagged with the ConnID it arrived on,
// to onRequest on the reactor's goroutine. A request is not replied to
// until the handler calls Send; calling Send again for an older request
// on the same connection, or never calling it, silently drops that
// request ("re-receiving without replying implicitly ignores the
// prior request" — spec.md §4.2) since a connection only ever has one
// request in flight on the wire (the Client enforces that property).
type RepSocket struct {
	r        *reactor.Reactor
	ln       net.Listener
	onAccept func(id ConnID)
	onClose  func(id ConnID)
	onReq    func(id ConnID, frames Frames)

	conns map[ConnID]net.Conn // touched only on the reactor goroutine
}

// NewRepSocket binds ln and starts accepting connections. onReq is
// called on the reactor goroutine for every inbound message. onAccept
// and onClose, if non-nil, are notified of connection lifecycle (a
// Server uses these to track per-connection negotiated state).
func NewRepSocket(r *reactor.Reactor, ln net.Listener, onAccept, onClose func(id ConnID), onReq func(id ConnID, frames Frames)) *RepSocket {
	s := &RepSocket{
		r:        r,
		ln:       ln,
		onAccept: onAccept,
		onClose:  onClose,
		onReq:    onReq,
		conns:    make(map[ConnID]net.Conn),
	}
	r.Spawn(context.Background(), s.acceptPump)
	return s
}

// Addr returns the socket's bound address.
func (s *RepSocket) Addr() net.Addr { return s.ln.Addr() }

func (s *RepSocket) acceptPump(ctx context.Context, deliver func(reactor.Handler)) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		id := newConnID()
		deliver(func() {
			s.conns[id] = conn
			if s.onAccept != nil {
				s.onAccept(id)
			}
		})
		s.r.Spawn(ctx, func(ctx context.Context, deliver func(reactor.Handler)) error {
			return readPump(ctx, conn, deliver, func(frames Frames) reactor.Handler {
				return func() { s.onReq(id, frames) }
			}, func() reactor.Handler {
				return func() { s.removeConn(id) }
			})
		})
	}
}

func (s *RepSocket) removeConn(id ConnID) {
	conn, ok := s.conns[id]
	if !ok {
		return
	}
	_ = conn.Close()
	delete(s.conns, id)
	if s.onClose != nil {
		s.onClose(id)
	}
}

// Send replies to the request that most recently arrived on id. Must be
// called from the reactor goroutine (i.e. from within onReq or a
// continuation posted back to the reactor).
func (s *RepSocket) Send(id ConnID, frames Frames) error {
	conn, ok := s.conns[id]
	if !ok {
		return fmt.Errorf("rpcsock: no such connection %d", id)
	}
	if err := wire.WriteMessage(conn, frames); err != nil {
		s.removeConn(id)
		return fmt.Errorf("rpcsock: sending reply: %w", err)
	}
	return nil
}

// Ignore drops the request that arrived on id without a reply. Present
// for symmetry with spec.md §4.2's Ignore operation; a handler that
// simply returns without calling Send has the same effect.
func (s *RepSocket) Ignore(ConnID) {}

// Close closes one connection.
func (s *RepSocket) Close(id ConnID) { s.removeConn(id) }

// CloseAll closes every connection and the listener.
func (s *RepSocket) CloseAll() error {
	for id := range s.conns {
		s.removeConn(id)
	}
	return s.ln.Close()
}

// ReqSocket is the client role of spec.md §4.2: Connect-only (dealer
// style), at most one request ever in flight (enforced by Client).
type ReqSocket struct {
	conn      net.Conn
	onMessage func(frames Frames)
	onClose   func()
}

// NewReqSocket wraps an already-established connection and starts its
// read pump. onMessage is called on the reactor goroutine for every
// inbound message.
func NewReqSocket(r *reactor.Reactor, conn net.Conn, onMessage func(frames Frames), onClose func()) *ReqSocket {
	s := &ReqSocket{conn: conn, onMessage: onMessage, onClose: onClose}
	r.Spawn(context.Background(), func(ctx context.Context, deliver func(reactor.Handler)) error {
		return readPump(ctx, conn, deliver, func(frames Frames) reactor.Handler {
			return func() { s.onMessage(frames) }
		}, func() reactor.Handler {
			return func() {
				if s.onClose != nil {
					s.onClose()
				}
			}
		})
	})
	return s
}

// Send writes one message. Must be called from the reactor goroutine.
func (s *ReqSocket) Send(frames Frames) error {
	if err := wire.WriteMessage(s.conn, frames); err != nil {
		return fmt.Errorf("rpcsock: sending request: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *ReqSocket) Close() error { return s.conn.Close() }

// readPump is the shared per-connection read loop used by both
// RepSocket and ReqSocket: block on wire.ReadMessage, and on each frame
// set or clean disconnect, deliver the corresponding handler back onto
// the reactor goroutine.
func readPump(ctx context.Context, conn net.Conn, deliver func(reactor.Handler), onFrames func(Frames) reactor.Handler, onClosed func() reactor.Handler) error {
	for {
		frames, err := wire.ReadMessage(conn)
		if err != nil {
			deliver(onClosed())
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		deliver(onFrames(frames))
	}
}
