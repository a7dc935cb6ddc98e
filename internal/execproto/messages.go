package execproto

import (
	"fmt"

	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/wire"
)

// Field numbers below are local to each message body and independent of
// MessageType; they follow the same proto3-style "small integer, skip
// zero values" convention as internal/wire/scalar.go.

// --- ERROR (spec.md §6.1, §7) ---

// ErrorBody is the body of an ERROR message: the error taxonomy code
// from internal/coreerr, the slave it concerns (InvalidSlaveID if none),
// and a human-readable message.
type ErrorBody struct {
	Code    int32
	Slave   model.SlaveID
	Message string
}

func EncodeError(b ErrorBody) []byte {
	w := wire.NewFieldWriter()
	w.Int32Field(1, b.Code)
	w.VarintField(2, uint64(b.Slave))
	w.StringField(3, b.Message)
	return w.Bytes()
}

func DecodeError(body []byte) (ErrorBody, error) {
	var b ErrorBody
	r := wire.NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return ErrorBody{}, fmt.Errorf("execproto: decoding ERROR: %w", err)
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			b.Code = wire.DecodeInt32(value)
		case 2:
			b.Slave = model.SlaveID(wire.DecodeVarint(value))
		case 3:
			b.Message = string(value)
		}
	}
	return b, nil
}

// --- Endpoint, embedded in SET_PEERS and the provider protocol ---

func encodeEndpoint(e model.Endpoint) []byte {
	w := wire.NewFieldWriter()
	w.StringField(1, e.Transport)
	w.StringField(2, e.Address)
	return w.Bytes()
}

func decodeEndpoint(body []byte) (model.Endpoint, error) {
	var e model.Endpoint
	r := wire.NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return model.Endpoint{}, fmt.Errorf("execproto: decoding Endpoint: %w", err)
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			e.Transport = string(value)
		case 2:
			e.Address = string(value)
		}
	}
	return e, nil
}

func encodeVariable(v model.Variable) []byte {
	w := wire.NewFieldWriter()
	w.VarintField(1, uint64(v.Slave))
	w.VarintField(2, uint64(v.Variable))
	return w.Bytes()
}

func decodeVariable(body []byte) (model.Variable, error) {
	var v model.Variable
	r := wire.NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return model.Variable{}, fmt.Errorf("execproto: decoding Variable: %w", err)
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			v.Slave = model.SlaveID(wire.DecodeVarint(value))
		case 2:
			v.Variable = model.VariableID(wire.DecodeVarint(value))
		}
	}
	return v, nil
}

// --- VariableSetting, embedded in SET_VARS ---

func encodeVariableSetting(s model.VariableSetting) []byte {
	w := wire.NewFieldWriter()
	w.VarintField(1, uint64(s.Variable))
	w.BoolField(2, s.HasValue())
	if s.HasValue() {
		w.MessageField(3, wire.EncodeScalarValue(s.Value()))
	}
	w.BoolField(4, s.HasConnection())
	if s.HasConnection() {
		w.MessageField(5, encodeVariable(s.ConnectedOutput()))
	}
	return w.Bytes()
}

func decodeVariableSetting(body []byte) (model.VariableSetting, error) {
	var (
		variable   model.VariableID
		hasValue   bool
		value      model.ScalarValue
		hasConn    bool
		connOutput model.Variable
	)
	r := wire.NewFieldReader(body)
	for {
		num, raw, ok, err := r.Next()
		if err != nil {
			return model.VariableSetting{}, fmt.Errorf("execproto: decoding VariableSetting: %w", err)
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			variable = model.VariableID(wire.DecodeVarint(raw))
		case 2:
			hasValue = wire.DecodeBool(raw)
		case 3:
			value, err = wire.DecodeScalarValue(raw)
			if err != nil {
				return model.VariableSetting{}, fmt.Errorf("execproto: decoding VariableSetting.value: %w", err)
			}
		case 4:
			hasConn = wire.DecodeBool(raw)
		case 5:
			connOutput, err = decodeVariable(raw)
			if err != nil {
				return model.VariableSetting{}, fmt.Errorf("execproto: decoding VariableSetting.connectedOutput: %w", err)
			}
		}
	}
	switch {
	case hasValue && hasConn:
		return model.NewCombinedSetting(variable, value, connOutput), nil
	case hasValue:
		return model.NewValueSetting(variable, value), nil
	case hasConn:
		return model.NewConnectionSetting(variable, connOutput), nil
	default:
		return model.VariableSetting{}, fmt.Errorf("execproto: VariableSetting for variable %d has neither value nor connection", variable)
	}
}

// --- SETUP (spec.md §6.1) ---

func EncodeSetup(s model.SlaveSetup) []byte {
	w := wire.NewFieldWriter()
	w.VarintField(1, uint64(s.SlaveID))
	w.StringField(2, s.SlaveName)
	w.StringField(3, s.ExecutionName)
	w.Fixed64Field(4, float64(s.StartTime))
	w.Fixed64Field(5, float64(s.StopTime))
	w.Fixed64Field(6, float64(s.VariableRecvTimeout))
	return w.Bytes()
}

func DecodeSetup(body []byte) (model.SlaveSetup, error) {
	var s model.SlaveSetup
	r := wire.NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return model.SlaveSetup{}, fmt.Errorf("execproto: decoding SETUP: %w", err)
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			s.SlaveID = model.SlaveID(wire.DecodeVarint(value))
		case 2:
			s.SlaveName = string(value)
		case 3:
			s.ExecutionName = string(value)
		case 4:
			s.StartTime = model.TimePoint(wire.DecodeFixed64Float(value))
		case 5:
			s.StopTime = model.TimePoint(wire.DecodeFixed64Float(value))
		case 6:
			s.VariableRecvTimeout = model.TimeDuration(wire.DecodeFixed64Float(value))
		}
	}
	return s, nil
}

// --- SET_VARS (spec.md §6.1) ---

func EncodeSetVars(settings []model.VariableSetting) []byte {
	w := wire.NewFieldWriter()
	for _, s := range settings {
		w.MessageField(1, encodeVariableSetting(s))
	}
	return w.Bytes()
}

func DecodeSetVars(body []byte) ([]model.VariableSetting, error) {
	var out []model.VariableSetting
	r := wire.NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("execproto: decoding SET_VARS: %w", err)
		}
		if !ok {
			break
		}
		if num != 1 {
			continue
		}
		s, err := decodeVariableSetting(value)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// --- SET_PEERS (spec.md §6.1): one DataPubEndpoint per peer slave ---

// Peer pairs a slave ID with the endpoint its published variables can be
// subscribed from.
type Peer struct {
	Slave           model.SlaveID
	DataPubEndpoint model.Endpoint
}

func encodePeer(p Peer) []byte {
	w := wire.NewFieldWriter()
	w.VarintField(1, uint64(p.Slave))
	w.MessageField(2, encodeEndpoint(p.DataPubEndpoint))
	return w.Bytes()
}

func decodePeer(body []byte) (Peer, error) {
	var p Peer
	r := wire.NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return Peer{}, fmt.Errorf("execproto: decoding Peer: %w", err)
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			p.Slave = model.SlaveID(wire.DecodeVarint(value))
		case 2:
			ep, err := decodeEndpoint(value)
			if err != nil {
				return Peer{}, err
			}
			p.DataPubEndpoint = ep
		}
	}
	return p, nil
}

func EncodeSetPeers(peers []Peer) []byte {
	w := wire.NewFieldWriter()
	for _, p := range peers {
		w.MessageField(1, encodePeer(p))
	}
	return w.Bytes()
}

func DecodeSetPeers(body []byte) ([]Peer, error) {
	var out []Peer
	r := wire.NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("execproto: decoding SET_PEERS: %w", err)
		}
		if !ok {
			break
		}
		if num != 1 {
			continue
		}
		p, err := decodePeer(value)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// --- STEP (spec.md §6.1, §4.7) ---

// StepBody is the body of a STEP message: the step being requested, the
// time it starts from, and its size.
type StepBody struct {
	StepID      model.StepID
	CurrentTime model.TimePoint
	StepSize    model.TimeDuration
}

func EncodeStep(s StepBody) []byte {
	w := wire.NewFieldWriter()
	w.Int32Field(1, int32(s.StepID))
	w.Fixed64Field(2, float64(s.CurrentTime))
	w.Fixed64Field(3, float64(s.StepSize))
	return w.Bytes()
}

func DecodeStep(body []byte) (StepBody, error) {
	var s StepBody
	r := wire.NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return StepBody{}, fmt.Errorf("execproto: decoding STEP: %w", err)
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			s.StepID = model.StepID(wire.DecodeInt32(value))
		case 2:
			s.CurrentTime = model.TimePoint(wire.DecodeFixed64Float(value))
		case 3:
			s.StepSize = model.TimeDuration(wire.DecodeFixed64Float(value))
		}
	}
	return s, nil
}

// --- DESCRIPTION (spec.md §6.1): VariableDescription, SlaveTypeDescription ---

func encodeVariableDescription(v model.VariableDescription) []byte {
	w := wire.NewFieldWriter()
	w.VarintField(1, uint64(v.ID))
	w.StringField(2, v.Name)
	w.VarintField(3, uint64(v.DataType))
	w.VarintField(4, uint64(v.Causality))
	w.VarintField(5, uint64(v.Variability))
	return w.Bytes()
}

func decodeVariableDescription(body []byte) (model.VariableDescription, error) {
	var v model.VariableDescription
	r := wire.NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return model.VariableDescription{}, fmt.Errorf("execproto: decoding VariableDescription: %w", err)
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			v.ID = model.VariableID(wire.DecodeVarint(value))
		case 2:
			v.Name = string(value)
		case 3:
			v.DataType = model.DataType(wire.DecodeVarint(value))
		case 4:
			v.Causality = model.Causality(wire.DecodeVarint(value))
		case 5:
			v.Variability = model.Variability(wire.DecodeVarint(value))
		}
	}
	return v, nil
}

// EncodeDescription encodes the DESCRIPTION reply to a DESCRIBE request:
// a slave's assigned ID/name plus its full type description.
func EncodeDescription(d model.SlaveDescription) []byte {
	w := wire.NewFieldWriter()
	w.VarintField(1, uint64(d.ID))
	w.StringField(2, d.Name)
	w.MessageField(3, encodeSlaveTypeDescription(d.Type))
	return w.Bytes()
}

func DecodeDescription(body []byte) (model.SlaveDescription, error) {
	var d model.SlaveDescription
	r := wire.NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return model.SlaveDescription{}, fmt.Errorf("execproto: decoding DESCRIPTION: %w", err)
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			d.ID = model.SlaveID(wire.DecodeVarint(value))
		case 2:
			d.Name = string(value)
		case 3:
			t, err := decodeSlaveTypeDescription(value)
			if err != nil {
				return model.SlaveDescription{}, err
			}
			d.Type = t
		}
	}
	return d, nil
}

func encodeSlaveTypeDescription(t model.SlaveTypeDescription) []byte {
	w := wire.NewFieldWriter()
	w.StringField(1, t.Name)
	w.StringField(2, t.UUID)
	w.StringField(3, t.Description)
	w.StringField(4, t.Author)
	w.StringField(5, t.Version)
	for _, v := range t.Variables {
		w.RepeatedMessageField(6, [][]byte{encodeVariableDescription(v)})
	}
	return w.Bytes()
}

func decodeSlaveTypeDescription(body []byte) (model.SlaveTypeDescription, error) {
	t := model.SlaveTypeDescription{Variables: map[model.VariableID]model.VariableDescription{}}
	r := wire.NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return model.SlaveTypeDescription{}, fmt.Errorf("execproto: decoding SlaveTypeDescription: %w", err)
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			t.Name = string(value)
		case 2:
			t.UUID = string(value)
		case 3:
			t.Description = string(value)
		case 4:
			t.Author = string(value)
		case 5:
			t.Version = string(value)
		case 6:
			v, err := decodeVariableDescription(value)
			if err != nil {
				return model.SlaveTypeDescription{}, err
			}
			t.Variables[v.ID] = v
		}
	}
	return t, nil
}

// --- Slave-provider protocol (spec.md §6.1, component J) ---

// EncodeSlaveTypeList encodes the reply to GET_SLAVE_TYPES.
func EncodeSlaveTypeList(types []model.SlaveTypeDescription) []byte {
	w := wire.NewFieldWriter()
	for _, t := range types {
		w.MessageField(1, encodeSlaveTypeDescription(t))
	}
	return w.Bytes()
}

func DecodeSlaveTypeList(body []byte) ([]model.SlaveTypeDescription, error) {
	var out []model.SlaveTypeDescription
	r := wire.NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("execproto: decoding SlaveTypeList: %w", err)
		}
		if !ok {
			break
		}
		if num != 1 {
			continue
		}
		t, err := decodeSlaveTypeDescription(value)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// InstantiateSlaveRequest is the body of an INSTANTIATE_SLAVE request: the
// slave type to instantiate and how long the caller is willing to wait
// for the provider to spawn it (spec.md §4.10).
type InstantiateSlaveRequest struct {
	UUID    string
	Timeout model.TimeDuration
}

func EncodeInstantiateSlaveRequest(r InstantiateSlaveRequest) []byte {
	w := wire.NewFieldWriter()
	w.StringField(1, r.UUID)
	w.Fixed64Field(2, float64(r.Timeout))
	return w.Bytes()
}

func DecodeInstantiateSlaveRequest(body []byte) (InstantiateSlaveRequest, error) {
	var req InstantiateSlaveRequest
	r := wire.NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return InstantiateSlaveRequest{}, fmt.Errorf("execproto: decoding InstantiateSlaveRequest: %w", err)
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			req.UUID = string(value)
		case 2:
			req.Timeout = model.TimeDuration(wire.DecodeFixed64Float(value))
		}
	}
	return req, nil
}

// EncodeSlaveLocator encodes the SLAVE_LOCATOR reply to a successful
// INSTANTIATE_SLAVE.
func EncodeSlaveLocator(l model.SlaveLocator) []byte {
	w := wire.NewFieldWriter()
	w.MessageField(1, encodeEndpoint(l.ControlEndpoint))
	w.MessageField(2, encodeEndpoint(l.DataPubEndpoint))
	return w.Bytes()
}

func DecodeSlaveLocator(body []byte) (model.SlaveLocator, error) {
	var l model.SlaveLocator
	r := wire.NewFieldReader(body)
	for {
		num, value, ok, err := r.Next()
		if err != nil {
			return model.SlaveLocator{}, fmt.Errorf("execproto: decoding SlaveLocator: %w", err)
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			ep, err := decodeEndpoint(value)
			if err != nil {
				return model.SlaveLocator{}, err
			}
			l.ControlEndpoint = ep
		case 2:
			ep, err := decodeEndpoint(value)
			if err != nil {
				return model.SlaveLocator{}, err
			}
			l.DataPubEndpoint = ep
		}
	}
	return l, nil
}
