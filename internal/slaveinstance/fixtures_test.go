package slaveinstance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viproma/coral-sub001/internal/model"
)

func TestIdentityCopiesInputsToOutputs(t *testing.T) {
	s := NewIdentity()
	ok, err := s.SetRealVariable(VarRealIn, 3.5)
	require.NoError(t, err)
	assert.True(t, ok)

	out, err := s.GetRealVariable(VarRealOut)
	require.NoError(t, err)
	assert.Equal(t, 3.5, out)

	ok, err = s.DoStep(0, 1.0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdentityRefusesLargeStep(t *testing.T) {
	s := NewIdentity()
	s.FailAbove = 0.5
	ok, err := s.DoStep(0, 1.0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DoStep(0, 0.5)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoggerRecordsSnapshotsPerStep(t *testing.T) {
	l := NewLogger(2)
	_, _ = l.SetRealVariable(1, 1.0)
	_, _ = l.SetRealVariable(2, 2.0)
	_, err := l.DoStep(0, 1.0)
	require.NoError(t, err)

	require.Len(t, l.Log, 1)
	assert.Equal(t, model.TimePoint(1.0), l.Log[0].Time)
	assert.Equal(t, []float64{1.0, 2.0}, l.Log[0].Values)
}

func TestGetSetScalarDispatchByType(t *testing.T) {
	s := NewIdentity()
	desc := s.TypeDescription().Variables[VarRealIn]

	ok, err := SetScalar(s, VarRealIn, model.RealValue(7.5))
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := GetScalar(s, model.VariableDescription{ID: VarRealOut, DataType: model.DataTypeReal})
	require.NoError(t, err)
	assert.Equal(t, 7.5, v.Real)
	_ = desc
}
