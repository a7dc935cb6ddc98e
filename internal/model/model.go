// Package model defines the data types shared by every other package in
// this module: slave/variable identifiers, the tagged scalar value union,
// variable/slave/slave-type descriptions, and the connection primitives
// (Endpoint, SlaveLocator). None of these types carry behavior beyond
// simple validation — they are the vocabulary the rest of the runtime is
// written in.
package model

import (
	"fmt"
	"regexp"
)

// SlaveID uniquely identifies a slave within one execution. Zero is
// reserved to mean "invalid" / "no slave".
type SlaveID uint16

// InvalidSlaveID is the reserved sentinel meaning "no slave".
const InvalidSlaveID SlaveID = 0

// IsValid reports whether id refers to a real slave slot.
func (id SlaveID) IsValid() bool { return id != InvalidSlaveID }

// VariableID uniquely identifies a variable within one slave type.
type VariableID uint32

// StepID identifies a time step within one execution. It increases
// strictly monotonically from 0; -1 is the reserved "invalid" sentinel.
type StepID int32

// InvalidStepID is the reserved sentinel meaning "no step" / "not yet
// started".
const InvalidStepID StepID = -1

// TimePoint is simulated time, in seconds, measured from the execution's
// start time.
type TimePoint float64

// TimeDuration is a simulated time interval, in seconds.
type TimeDuration float64

// Variable identifies one (slave, variable) pair. The zero value, with
// an invalid SlaveID, denotes "no variable" / "broken connection".
type Variable struct {
	Slave    SlaveID
	Variable VariableID
}

// IsValid reports whether v names a real variable (i.e. its slave ID is
// not the invalid sentinel).
func (v Variable) IsValid() bool { return v.Slave.IsValid() }

// NoVariable is the "disconnect" / "no variable" sentinel.
var NoVariable = Variable{Slave: InvalidSlaveID}

// DataType enumerates the scalar wire-transportable value kinds. Array
// and binary variables are explicitly out of scope (spec.md §1).
type DataType int

const (
	DataTypeUnspecified DataType = iota
	DataTypeReal
	DataTypeInteger
	DataTypeBoolean
	DataTypeString
)

func (d DataType) String() string {
	switch d {
	case DataTypeReal:
		return "real"
	case DataTypeInteger:
		return "integer"
	case DataTypeBoolean:
		return "boolean"
	case DataTypeString:
		return "string"
	default:
		return "unspecified"
	}
}

// Causality describes the role a variable plays in its slave.
type Causality int

const (
	CausalityUnspecified Causality = iota
	CausalityParameter
	CausalityCalculatedParameter
	CausalityInput
	CausalityOutput
	CausalityLocal
)

func (c Causality) String() string {
	switch c {
	case CausalityParameter:
		return "parameter"
	case CausalityCalculatedParameter:
		return "calculated-parameter"
	case CausalityInput:
		return "input"
	case CausalityOutput:
		return "output"
	case CausalityLocal:
		return "local"
	default:
		return "unspecified"
	}
}

// Variability describes how a variable's value may change over time.
type Variability int

const (
	VariabilityUnspecified Variability = iota
	VariabilityConstant
	VariabilityFixed
	VariabilityTunable
	VariabilityDiscrete
	VariabilityContinuous
)

func (v Variability) String() string {
	switch v {
	case VariabilityConstant:
		return "constant"
	case VariabilityFixed:
		return "fixed"
	case VariabilityTunable:
		return "tunable"
	case VariabilityDiscrete:
		return "discrete"
	case VariabilityContinuous:
		return "continuous"
	default:
		return "unspecified"
	}
}

// ScalarValue is a tagged union over the four wire-transportable scalar
// kinds. The zero value has DataTypeUnspecified and carries no payload.
type ScalarValue struct {
	Type    DataType
	Real    float64
	Integer int64
	Boolean bool
	String  string
}

// RealValue builds a ScalarValue of type real.
func RealValue(v float64) ScalarValue { return ScalarValue{Type: DataTypeReal, Real: v} }

// IntegerValue builds a ScalarValue of type integer.
func IntegerValue(v int64) ScalarValue { return ScalarValue{Type: DataTypeInteger, Integer: v} }

// BooleanValue builds a ScalarValue of type boolean.
func BooleanValue(v bool) ScalarValue { return ScalarValue{Type: DataTypeBoolean, Boolean: v} }

// StringValue builds a ScalarValue of type string.
func StringValue(v string) ScalarValue { return ScalarValue{Type: DataTypeString, String: v} }

// Equal reports whether two scalar values carry the same type and payload.
func (v ScalarValue) Equal(other ScalarValue) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case DataTypeReal:
		return v.Real == other.Real
	case DataTypeInteger:
		return v.Integer == other.Integer
	case DataTypeBoolean:
		return v.Boolean == other.Boolean
	case DataTypeString:
		return v.String == other.String
	default:
		return true
	}
}

func (v ScalarValue) String() string {
	switch v.Type {
	case DataTypeReal:
		return fmt.Sprintf("%g", v.Real)
	case DataTypeInteger:
		return fmt.Sprintf("%d", v.Integer)
	case DataTypeBoolean:
		return fmt.Sprintf("%t", v.Boolean)
	case DataTypeString:
		return v.String
	default:
		return "<unspecified>"
	}
}

// VariableDescription is an immutable description of one variable of a
// slave type. Names are unique within a slave type.
type VariableDescription struct {
	ID          VariableID
	Name        string
	DataType    DataType
	Causality   Causality
	Variability Variability
}

// SlaveTypeDescription is an immutable, reusable description of a slave
// type: the blueprint a provider instantiates slaves from.
type SlaveTypeDescription struct {
	Name        string
	UUID        string // universally unique, see github.com/google/uuid
	Description string
	Author      string
	Version     string
	Variables   map[VariableID]VariableDescription
}

// VariableByName looks up a variable description by name. Returns false if no
// variable with that name exists.
func (t SlaveTypeDescription) VariableByName(name string) (VariableDescription, bool) {
	for _, v := range t.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return VariableDescription{}, false
}

// slaveNamePattern is the required format for a human-readable slave name
// assigned within an execution: spec.md §3.
var slaveNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidSlaveName reports whether name satisfies the required slave-name
// pattern.
func ValidSlaveName(name string) bool { return slaveNamePattern.MatchString(name) }

// SlaveDescription is a SlaveTypeDescription plus the SlaveID and
// human-readable name assigned to one instance within an execution.
type SlaveDescription struct {
	Type SlaveTypeDescription
	ID   SlaveID
	Name string
}

// VariableSetting is a per-input command that may assign a value,
// (dis)connect the input to/from a remote output, or both. At least one
// of Value or ConnectedOutput must be present; use HasValue/HasConnection
// to check which.
type VariableSetting struct {
	Variable VariableID

	hasValue bool
	value    ScalarValue

	hasConnection    bool
	connectedOutput  Variable // NoVariable means "disconnect"
}

// NewValueSetting builds a VariableSetting that only assigns a value.
func NewValueSetting(v VariableID, value ScalarValue) VariableSetting {
	return VariableSetting{Variable: v, hasValue: true, value: value}
}

// NewConnectionSetting builds a VariableSetting that only (dis)connects an
// input. Pass model.NoVariable to disconnect.
func NewConnectionSetting(v VariableID, output Variable) VariableSetting {
	return VariableSetting{Variable: v, hasConnection: true, connectedOutput: output}
}

// NewCombinedSetting builds a VariableSetting that does both at once.
func NewCombinedSetting(v VariableID, value ScalarValue, output Variable) VariableSetting {
	return VariableSetting{Variable: v, hasValue: true, value: value, hasConnection: true, connectedOutput: output}
}

// HasValue reports whether this setting assigns a value.
func (s VariableSetting) HasValue() bool { return s.hasValue }

// Value returns the value to assign. Only meaningful if HasValue is true.
func (s VariableSetting) Value() ScalarValue { return s.value }

// HasConnection reports whether this setting changes the input's
// connection.
func (s VariableSetting) HasConnection() bool { return s.hasConnection }

// ConnectedOutput returns the connection target. NoVariable means
// "disconnect". Only meaningful if HasConnection is true.
func (s VariableSetting) ConnectedOutput() Variable { return s.connectedOutput }

// Valid reports whether at least one of value/connection is present, per
// spec.md §3's invariant on VariableSetting.
func (s VariableSetting) Valid() bool { return s.hasValue || s.hasConnection }

// Endpoint is a transport-qualified network address, e.g.
// ("tcp", "10.0.0.4:54321"). Transport is stringly typed because the
// wire framing (internal/wire) is transport-agnostic; only TCP is
// required by the current protocol.
type Endpoint struct {
	Transport string
	Address   string
}

func (e Endpoint) String() string { return e.Transport + "://" + e.Address }

// SlaveLocator is the pair of endpoints needed to address one slave: its
// control-protocol endpoint and its data (pub/sub) publisher endpoint.
type SlaveLocator struct {
	ControlEndpoint Endpoint
	DataPubEndpoint Endpoint
}

// SlaveSetup carries the execution-wide parameters sent to a slave on
// SETUP (spec.md §6.1): the execution's time bounds, the slave's
// assigned identity, and the variable-receipt timeout the slave must
// itself enforce when waiting for peer values (spec.md §4.3, §4.9).
type SlaveSetup struct {
	SlaveID             SlaveID
	SlaveName           string
	ExecutionName       string
	StartTime           TimePoint
	StopTime            TimePoint
	VariableRecvTimeout TimeDuration
}
