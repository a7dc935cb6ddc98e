package wire

import (
	"fmt"

	"github.com/viproma/coral-sub001/internal/model"
)

// Field numbers for the pub/sub payload frame (spec.md §6.1): the step
// the value is valid at, plus the tagged value itself.
const (
	fieldPubSubStepID = 1
	fieldPubSubValue  = 2
)

// PubSubPayload is the decoded contents of a publisher message's second
// frame: the step a value was produced at, and the value itself.
type PubSubPayload struct {
	StepID model.StepID
	Value  model.ScalarValue
}

// EncodePubSubPayload builds the payload frame for Publisher.Publish.
func EncodePubSubPayload(p PubSubPayload) []byte {
	w := NewFieldWriter()
	w.Int32Field(fieldPubSubStepID, int32(p.StepID))
	w.MessageField(fieldPubSubValue, EncodeScalarValue(p.Value))
	return w.Bytes()
}

// DecodePubSubPayload parses a payload frame produced by
// EncodePubSubPayload.
func DecodePubSubPayload(body []byte) (PubSubPayload, error) {
	var p PubSubPayload
	r := NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return PubSubPayload{}, fmt.Errorf("wire: decoding pub/sub payload: %w", err)
		}
		if !ok {
			break
		}
		switch num {
		case fieldPubSubStepID:
			p.StepID = model.StepID(DecodeInt32(value))
		case fieldPubSubValue:
			v, err := DecodeScalarValue(value)
			if err != nil {
				return PubSubPayload{}, fmt.Errorf("wire: decoding pub/sub payload value: %w", err)
			}
			p.Value = v
		}
	}
	return p, nil
}
