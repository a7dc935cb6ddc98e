package wire

import (
	"fmt"

	"github.com/viproma/coral-sub001/internal/model"
)

// Field numbers for the ScalarValue oneof (spec.md §6.1 pub/sub payload):
// type: int32, value: oneof(real double, integer int64, boolean bool, string bytes).
const (
	fieldScalarType    = 1
	fieldScalarReal    = 2
	fieldScalarInteger = 3
	fieldScalarBoolean = 4
	fieldScalarString  = 5
)

// EncodeScalarValue encodes v as a length-delimited protobuf-wire body.
func EncodeScalarValue(v model.ScalarValue) []byte {
	w := NewFieldWriter()
	w.VarintField(fieldScalarType, uint64(v.Type))
	switch v.Type {
	case model.DataTypeReal:
		w.Fixed64Field(fieldScalarReal, v.Real)
	case model.DataTypeInteger:
		w.Int64Field(fieldScalarInteger, v.Integer)
	case model.DataTypeBoolean:
		w.BoolField(fieldScalarBoolean, v.Boolean)
	case model.DataTypeString:
		w.StringField(fieldScalarString, v.String)
	}
	return w.Bytes()
}

// DecodeScalarValue parses the body produced by EncodeScalarValue.
func DecodeScalarValue(body []byte) (model.ScalarValue, error) {
	r := NewFieldReader(body)
	var v model.ScalarValue
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return model.ScalarValue{}, fmt.Errorf("wire: decoding ScalarValue: %w", err)
		}
		if !ok {
			break
		}
		switch num {
		case fieldScalarType:
			v.Type = model.DataType(DecodeVarint(value))
		case fieldScalarReal:
			v.Real = DecodeFixed64Float(value)
		case fieldScalarInteger:
			v.Integer = DecodeInt64(value)
		case fieldScalarBoolean:
			v.Boolean = DecodeBool(value)
		case fieldScalarString:
			v.String = string(value)
		}
	}
	return v, nil
}
