package rpcsock

import (
	"net"
	"time"

	catrate "github.com/joeycumines/go-catrate"

	"github.com/viproma/coral-sub001/internal/coreerr"
	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/wire"
)

// helloRateLimit bounds how often one connection may (re)send HELLO,
// guarding a Server against a misbehaving or hostile peer retrying
// negotiation in a tight loop.
var helloRateLimit = map[time.Duration]int{time.Second: 5}

// RequestHandler answers one Normal request for an already-negotiated
// connection. ignore, if true, drops the request (spec.md §4.2's
// Ignore) instead of replying.
type RequestHandler func(id ConnID, negotiatedVersion uint16, msgType uint16, body []byte) (replyType uint16, replyBody []byte, ignore bool)

// Server couples a RepSocket to HELLO negotiation and a request handler
// (spec.md §4.2). Every accepted connection negotiates independently;
// version is the highest mutually supported by maxVersion and the
// client's offer.
type Server struct {
	rep        *RepSocket
	maxVersion uint16
	handle     RequestHandler

	negotiated map[ConnID]uint16
	helloLimit *catrate.Limiter

	onConnect    func(id ConnID)
	onDisconnect func(id ConnID)
	onNegotiated func(id ConnID, version uint16)
}

// NewServer binds ln and serves handle to every negotiated connection.
func NewServer(r *reactor.Reactor, ln net.Listener, maxVersion uint16, handle RequestHandler) *Server {
	s := &Server{
		maxVersion: maxVersion,
		handle:     handle,
		negotiated: make(map[ConnID]uint16),
		helloLimit: catrate.NewLimiter(helloRateLimit),
	}
	s.rep = NewRepSocket(r, ln,
		func(id ConnID) {
			if s.onConnect != nil {
				s.onConnect(id)
			}
		},
		func(id ConnID) {
			delete(s.negotiated, id)
			if s.onDisconnect != nil {
				s.onDisconnect(id)
			}
		},
		s.onRequest,
	)
	return s
}

// OnConnect registers fn to be called, on the reactor goroutine, for every
// newly accepted connection before HELLO negotiation. Only one callback is
// kept; call before any traffic is expected (there is no locking).
func (s *Server) OnConnect(fn func(id ConnID)) { s.onConnect = fn }

// OnDisconnect registers fn to be called, on the reactor goroutine, when a
// connection is closed (locally or by the peer).
func (s *Server) OnDisconnect(fn func(id ConnID)) { s.onDisconnect = fn }

// OnNegotiated registers fn to be called, on the reactor goroutine, the
// instant a connection completes HELLO negotiation — the NotConnected →
// Connected transition of spec.md §4.9.
func (s *Server) OnNegotiated(fn func(id ConnID, version uint16)) { s.onNegotiated = fn }

// Addr returns the socket's bound address.
func (s *Server) Addr() net.Addr { return s.rep.Addr() }

func (s *Server) onRequest(id ConnID, frames Frames) {
	env, err := wire.DecodeEnvelope(frames)
	if err != nil {
		_ = s.rep.Send(id, wire.EncodeDenied("malformed envelope"))
		return
	}

	switch env.Kind {
	case wire.KindHello:
		if _, ok := s.helloLimit.Allow(id); !ok {
			s.rep.Close(id)
			return
		}
		version := env.ProtocolVersion
		if version > s.maxVersion {
			version = s.maxVersion
		}
		s.negotiated[id] = version
		_ = s.rep.Send(id, wire.EncodeHello(version, nil))
		if s.onNegotiated != nil {
			s.onNegotiated(id, version)
		}

	case wire.KindNormal:
		version, ok := s.negotiated[id]
		if !ok {
			_ = s.rep.Send(id, wire.EncodeDenied("no HELLO negotiated on this connection"))
			return
		}
		replyType, replyBody, ignore := s.handle(id, version, env.MessageType, env.Body)
		if ignore {
			return
		}
		_ = s.rep.Send(id, wire.EncodeNormal(replyType, replyBody))

	default:
		_ = s.rep.Send(id, wire.EncodeDenied("unexpected envelope kind"))
	}
}

// Reply sends an out-of-band reply to the request most recently received
// on id. For handlers that can answer synchronously, returning a value
// from the RequestHandler is simpler; this exists for handlers that must
// suspend (spec.md §4.9's STEP, which waits on the variable subscriber
// before it can answer) — such a handler returns ignore=true and calls
// Reply itself once its continuation fires.
func (s *Server) Reply(id ConnID, msgType uint16, body []byte) error {
	return s.rep.Send(id, wire.EncodeNormal(msgType, body))
}

// Reply is a convenience for handlers that want to send an ERROR body.
func Reply(err *coreerr.Error) (msgType uint16, body []byte) {
	return uint16(execproto.MsgError), execproto.EncodeError(execproto.ErrorBody{
		Code:    int32(err.Code),
		Slave:   err.Slave,
		Message: err.Message,
	})
}

// CloseAll shuts the server's listener and every open connection.
func (s *Server) CloseAll() error { return s.rep.CloseAll() }
