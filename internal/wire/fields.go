// Package wire implements the message framing and field encoding of
// spec.md §4.4/§6: the HELLO/DENIED/Normal/ERROR envelopes, little-endian
// in-band integers, big-endian pub/sub topic prefixes, and
// length-delimited structured bodies.
//
// Structured bodies are encoded directly against
// google.golang.org/protobuf/encoding/protowire's field primitives
// (varint, fixed64, length-delimited) rather than through generated
// .pb.go code, since no protoc toolchain runs as part of building this
// module — see DESIGN.md. Field tags and wire types match what protoc
// would emit for the equivalent .proto, so the bodies remain decodable
// by a real protobuf implementation on the other end of the wire.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// FieldWriter accumulates a length-delimited message body field by
// field. Exported so other packages in this module (execproto) can
// build their own message bodies on the same primitives instead of
// duplicating protowire calls.
type FieldWriter struct{ buf []byte }

// NewFieldWriter returns an empty FieldWriter.
func NewFieldWriter() *FieldWriter { return &FieldWriter{} }

// VarintField writes field num as a varint, unless v is the zero value
// (proto3-style field omission).
func (w *FieldWriter) VarintField(num int, v uint64) {
	if v == 0 {
		return
	}
	w.buf = protowire.AppendTag(w.buf, protowire.Number(num), protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, v)
}

// Int32Field encodes a proto "int32"-style field: sign-extended to 64
// bits, not zigzag, matching protoc's behaviour for plain int32/int64.
func (w *FieldWriter) Int32Field(num int, v int32) {
	w.VarintField(num, uint64(int64(v)))
}

// Int64Field encodes a proto "int64"-style field.
func (w *FieldWriter) Int64Field(num int, v int64) {
	w.VarintField(num, uint64(v))
}

// BoolField encodes a proto "bool" field.
func (w *FieldWriter) BoolField(num int, v bool) {
	if !v {
		return
	}
	w.VarintField(num, 1)
}

// Fixed64Field encodes a proto "double" field.
func (w *FieldWriter) Fixed64Field(num int, v float64) {
	if v == 0 {
		return
	}
	w.buf = protowire.AppendTag(w.buf, protowire.Number(num), protowire.Fixed64Type)
	w.buf = protowire.AppendFixed64(w.buf, math.Float64bits(v))
}

// BytesField encodes a proto "bytes" field.
func (w *FieldWriter) BytesField(num int, v []byte) {
	if len(v) == 0 {
		return
	}
	w.buf = protowire.AppendTag(w.buf, protowire.Number(num), protowire.BytesType)
	w.buf = protowire.AppendBytes(w.buf, v)
}

// StringField encodes a proto "string" field.
func (w *FieldWriter) StringField(num int, v string) {
	w.BytesField(num, []byte(v))
}

// MessageField writes v (the already-encoded bytes of an embedded
// message) as a length-delimited field — protobuf represents embedded
// messages and bytes identically on the wire.
func (w *FieldWriter) MessageField(num int, v []byte) {
	w.BytesField(num, v)
}

// RepeatedMessageField writes one embedded-message field per element of
// vs — protobuf's non-packed repeated-message encoding: the same field
// number simply appears more than once.
func (w *FieldWriter) RepeatedMessageField(num int, vs [][]byte) {
	for _, v := range vs {
		w.MessageField(num, v)
	}
}

// Bytes returns the accumulated message body.
func (w *FieldWriter) Bytes() []byte { return w.buf }

// FieldReader walks a length-delimited message body field by field.
type FieldReader struct {
	buf []byte
}

// NewFieldReader returns a FieldReader over b.
func NewFieldReader(b []byte) *FieldReader { return &FieldReader{buf: b} }

// Next returns the next field's number and raw value bytes. For
// VarintType/Fixed64Type fields, value is the field's raw encoding,
// decodable with DecodeVarint/DecodeInt32/DecodeInt64/DecodeBool/
// DecodeFixed64Float. For BytesType fields, value is the field's
// contents directly (a string, nested message, or opaque bytes). ok is
// false once the buffer is exhausted.
func (r *FieldReader) Next() (num int, value []byte, ok bool, err error) {
	if len(r.buf) == 0 {
		return 0, nil, false, nil
	}
	n, typ, consumed := protowire.ConsumeTag(r.buf)
	if consumed < 0 {
		return 0, nil, false, fmt.Errorf("wire: malformed field tag: %w", protowire.ParseError(consumed))
	}
	r.buf = r.buf[consumed:]

	switch typ {
	case protowire.VarintType:
		v, n2 := protowire.ConsumeVarint(r.buf)
		if n2 < 0 {
			return 0, nil, false, fmt.Errorf("wire: malformed varint: %w", protowire.ParseError(n2))
		}
		value = protowire.AppendVarint(nil, v)
		r.buf = r.buf[n2:]
	case protowire.Fixed64Type:
		v, n2 := protowire.ConsumeFixed64(r.buf)
		if n2 < 0 {
			return 0, nil, false, fmt.Errorf("wire: malformed fixed64: %w", protowire.ParseError(n2))
		}
		value = protowire.AppendFixed64(nil, v)
		r.buf = r.buf[n2:]
	case protowire.BytesType:
		v, n2 := protowire.ConsumeBytes(r.buf)
		if n2 < 0 {
			return 0, nil, false, fmt.Errorf("wire: malformed length-delimited field: %w", protowire.ParseError(n2))
		}
		value = v
		r.buf = r.buf[n2:]
	default:
		n2 := protowire.ConsumeFieldValue(n, typ, r.buf)
		if n2 < 0 {
			return 0, nil, false, fmt.Errorf("wire: malformed field: %w", protowire.ParseError(n2))
		}
		r.buf = r.buf[n2:]
	}
	return int(n), value, true, nil
}

// DecodeVarint decodes a raw varint value as produced by Next.
func DecodeVarint(value []byte) uint64 {
	v, _ := protowire.ConsumeVarint(value)
	return v
}

// DecodeInt32 decodes a raw varint value as a sign-extended int32.
func DecodeInt32(value []byte) int32 {
	return int32(int64(DecodeVarint(value)))
}

// DecodeInt64 decodes a raw varint value as an int64.
func DecodeInt64(value []byte) int64 {
	return int64(DecodeVarint(value))
}

// DecodeBool decodes a raw varint value as a bool.
func DecodeBool(value []byte) bool {
	return DecodeVarint(value) != 0
}

// DecodeFixed64Float decodes a raw fixed64 value as a float64.
func DecodeFixed64Float(value []byte) float64 {
	v, _ := protowire.ConsumeFixed64(value)
	return math.Float64frombits(v)
}
