package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/viproma/coral-sub001/internal/model"
)

// TopicPrefixLen is the fixed size of a pub/sub topic prefix: 2-byte
// big-endian SlaveID || 4-byte big-endian VariableID (spec.md §4.3/§6.1).
// Big-endian (unlike the little-endian in-band protocol integers) so
// that lexicographic prefix matching on the wire equals numeric
// ordering — spec.md §4.4.
const TopicPrefixLen = 6

// EncodeTopicPrefix builds the 6-byte subscription/publish prefix for v.
func EncodeTopicPrefix(v model.Variable) [TopicPrefixLen]byte {
	var b [TopicPrefixLen]byte
	binary.BigEndian.PutUint16(b[0:2], uint16(v.Slave))
	binary.BigEndian.PutUint32(b[2:6], uint32(v.Variable))
	return b
}

// DecodeTopicPrefix parses a topic prefix produced by EncodeTopicPrefix.
// decode(encode(v)) == v for all Variable (spec.md §8).
func DecodeTopicPrefix(b []byte) (model.Variable, error) {
	if len(b) < TopicPrefixLen {
		return model.Variable{}, fmt.Errorf("wire: topic prefix too short: got %d bytes, want %d", len(b), TopicPrefixLen)
	}
	return model.Variable{
		Slave:    model.SlaveID(binary.BigEndian.Uint16(b[0:2])),
		Variable: model.VariableID(binary.BigEndian.Uint32(b[2:6])),
	}, nil
}
