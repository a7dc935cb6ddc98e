package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// HelloMagic is the fixed 6-byte prefix identifying a HELLO envelope
// (spec.md §4.4): \x01\x00 followed by ASCII "DSCP".
var HelloMagic = [6]byte{0x01, 0x00, 'D', 'S', 'C', 'P'}

// EnvelopeKind discriminates the three envelope shapes sharing the
// socket layer (spec.md §4.4). ERROR is a Normal message with a
// reserved type code, not a distinct wire shape, so it is not a kind
// here — see execproto.CodeError.
type EnvelopeKind int

const (
	KindNormal EnvelopeKind = iota
	KindHello
	KindDenied
)

// Envelope is a decoded first frame (plus optional second frame) of one
// wire message, prior to any protocol-specific body interpretation.
type Envelope struct {
	Kind EnvelopeKind

	// Populated when Kind == KindHello.
	ProtocolVersion uint16
	HelloBody       []byte // optional frame-2

	// Populated when Kind == KindDenied.
	Reason string

	// Populated when Kind == KindNormal.
	MessageType uint16
	Body        []byte // optional frame-2
}

// EncodeHello builds the frames for a HELLO envelope.
func EncodeHello(version uint16, body []byte) [][]byte {
	frame1 := make([]byte, 8)
	copy(frame1, HelloMagic[:])
	binary.LittleEndian.PutUint16(frame1[6:8], version)
	if len(body) == 0 {
		return [][]byte{frame1}
	}
	return [][]byte{frame1, body}
}

// EncodeDenied builds the frames for a DENIED envelope.
func EncodeDenied(reason string) [][]byte {
	return [][]byte{{0x00, 0x00}, []byte(reason)}
}

// EncodeNormal builds the frames for a Normal envelope with the given
// message-type code (spec.md §6.1's fixed numeric registry).
func EncodeNormal(msgType uint16, body []byte) [][]byte {
	frame1 := make([]byte, 2)
	binary.LittleEndian.PutUint16(frame1, msgType)
	if len(body) == 0 {
		return [][]byte{frame1}
	}
	return [][]byte{frame1, body}
}

// DecodeEnvelope classifies a raw multi-frame message. Discrimination
// rule (frame-1 only, per spec.md §4.4): exactly 2 zero bytes is
// DENIED; >=6 bytes matching HelloMagic is HELLO; any other 2-byte
// frame-1 is a little-endian Normal type code; every other frame-1 is
// rejected as malformed. Because DENIED can
// only be sent in direct reply to an attempted HELLO, and a Normal
// reply is only ever sent after a protocol version has been
// negotiated, these three shapes never collide in an actual session.
func DecodeEnvelope(frames [][]byte) (Envelope, error) {
	if len(frames) == 0 || len(frames) > 2 {
		return Envelope{}, fmt.Errorf("wire: envelope must have 1 or 2 frames, got %d", len(frames))
	}
	frame1 := frames[0]
	var body []byte
	if len(frames) == 2 {
		body = frames[1]
	}

	switch {
	case len(frame1) == 2 && frame1[0] == 0 && frame1[1] == 0:
		return Envelope{Kind: KindDenied, Reason: string(body)}, nil

	case len(frame1) >= 6 && bytes.Equal(frame1[:6], HelloMagic[:]):
		e := Envelope{Kind: KindHello, HelloBody: body}
		if len(frame1) >= 8 {
			e.ProtocolVersion = binary.LittleEndian.Uint16(frame1[6:8])
		}
		return e, nil

	case len(frame1) == 2:
		return Envelope{
			Kind:        KindNormal,
			MessageType: binary.LittleEndian.Uint16(frame1),
			Body:        body,
		}, nil

	default:
		return Envelope{}, fmt.Errorf("wire: malformed envelope: frame-1 is %d bytes", len(frame1))
	}
}

// WriteEnvelope frames and writes an already-built envelope (see
// EncodeHello/EncodeDenied/EncodeNormal) as one wire message.
func WriteEnvelope(w io.Writer, frames [][]byte) error {
	return WriteMessage(w, frames)
}

// ReadEnvelope reads one wire message and classifies it.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	frames, err := ReadMessage(r)
	if err != nil {
		return Envelope{}, err
	}
	return DecodeEnvelope(frames)
}
