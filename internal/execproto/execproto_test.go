package execproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viproma/coral-sub001/internal/model"
)

func TestErrorRoundTrip(t *testing.T) {
	in := ErrorBody{Code: 7, Slave: 3, Message: "boom"}
	out, err := DecodeError(EncodeError(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSetupRoundTrip(t *testing.T) {
	in := model.SlaveSetup{
		SlaveID:             5,
		SlaveName:           "tank1",
		ExecutionName:       "demo",
		StartTime:           0,
		StopTime:            10.5,
		VariableRecvTimeout: 0.25,
	}
	out, err := DecodeSetup(EncodeSetup(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSetVarsRoundTrip(t *testing.T) {
	in := []model.VariableSetting{
		model.NewValueSetting(1, model.RealValue(3.14)),
		model.NewConnectionSetting(2, model.Variable{Slave: 9, Variable: 4}),
		model.NewConnectionSetting(3, model.NoVariable),
		model.NewCombinedSetting(4, model.IntegerValue(42), model.Variable{Slave: 1, Variable: 1}),
	}
	out, err := DecodeSetVars(EncodeSetVars(in))
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, in[i].HasValue(), out[i].HasValue())
		if in[i].HasValue() {
			assert.True(t, in[i].Value().Equal(out[i].Value()))
		}
		assert.Equal(t, in[i].HasConnection(), out[i].HasConnection())
		if in[i].HasConnection() {
			assert.Equal(t, in[i].ConnectedOutput(), out[i].ConnectedOutput())
		}
	}
}

func TestSetPeersRoundTrip(t *testing.T) {
	in := []Peer{
		{Slave: 1, DataPubEndpoint: model.Endpoint{Transport: "tcp", Address: "10.0.0.1:5555"}},
		{Slave: 2, DataPubEndpoint: model.Endpoint{Transport: "tcp", Address: "10.0.0.2:5556"}},
	}
	out, err := DecodeSetPeers(EncodeSetPeers(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestStepRoundTrip(t *testing.T) {
	in := StepBody{StepID: 12, CurrentTime: 1.5, StepSize: 0.1}
	out, err := DecodeStep(EncodeStep(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDescriptionRoundTrip(t *testing.T) {
	in := model.SlaveDescription{
		ID:   4,
		Name: "tank1",
		Type: model.SlaveTypeDescription{
			Name:        "WaterTank",
			UUID:        "11111111-1111-1111-1111-111111111111",
			Description: "a tank",
			Author:      "acme",
			Version:     "1.0",
			Variables: map[model.VariableID]model.VariableDescription{
				1: {ID: 1, Name: "level", DataType: model.DataTypeReal, Causality: model.CausalityOutput, Variability: model.VariabilityContinuous},
				2: {ID: 2, Name: "inflow", DataType: model.DataTypeReal, Causality: model.CausalityInput, Variability: model.VariabilityContinuous},
			},
		},
	}
	out, err := DecodeDescription(EncodeDescription(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSlaveTypeListRoundTrip(t *testing.T) {
	in := []model.SlaveTypeDescription{
		{Name: "A", UUID: "u1", Variables: map[model.VariableID]model.VariableDescription{}},
		{Name: "B", UUID: "u2", Variables: map[model.VariableID]model.VariableDescription{
			1: {ID: 1, Name: "x", DataType: model.DataTypeBoolean},
		}},
	}
	out, err := DecodeSlaveTypeList(EncodeSlaveTypeList(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestInstantiateSlaveRoundTrip(t *testing.T) {
	reqIn := InstantiateSlaveRequest{UUID: "abc-123", Timeout: 5}
	reqOut, err := DecodeInstantiateSlaveRequest(EncodeInstantiateSlaveRequest(reqIn))
	require.NoError(t, err)
	assert.Equal(t, reqIn, reqOut)

	locIn := model.SlaveLocator{
		ControlEndpoint: model.Endpoint{Transport: "tcp", Address: "10.0.0.1:6000"},
		DataPubEndpoint: model.Endpoint{Transport: "tcp", Address: "10.0.0.1:6001"},
	}
	locOut, err := DecodeSlaveLocator(EncodeSlaveLocator(locIn))
	require.NoError(t, err)
	assert.Equal(t, locIn, locOut)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "STEP", MsgStep.String())
	assert.Equal(t, "UNKNOWN", MessageType(255).String())
}
