// Package execproto defines the two application-level protocols of
// spec.md §6.1: the execution protocol (master↔slave) and the
// slave-provider protocol, sharing the HELLO/DENIED/Normal/ERROR
// envelope of internal/wire. Message-type numeric codes are fixed by
// the spec and MUST NOT be renumbered — mixed-version federations and
// cross-language compatibility depend on them.
package execproto

// MessageType is the 16-bit little-endian code carried in a Normal
// envelope's frame-1 (spec.md §6.1).
type MessageType uint16

// Execution protocol message types. Numeric values are fixed by
// spec.md §6.1's table.
const (
	MsgHelloOK     MessageType = 0 // HELLO / OK
	MsgDenied      MessageType = 1 // not used as a Normal code in practice (DENIED is its own envelope); reserved to keep the table's numbering
	MsgError       MessageType = 2
	MsgTerminate   MessageType = 3
	MsgDescribe    MessageType = 4
	MsgDescription MessageType = 5
	MsgSetup       MessageType = 6
	MsgSetVars     MessageType = 7
	MsgSetPeers    MessageType = 8
	MsgResendVars  MessageType = 9
	MsgStep        MessageType = 10
	MsgStepOK      MessageType = 11
	MsgStepFailed  MessageType = 12
	MsgAcceptStep  MessageType = 13
	MsgReady       MessageType = 14
)

func (m MessageType) String() string {
	switch m {
	case MsgHelloOK:
		return "HELLO/OK"
	case MsgError:
		return "ERROR"
	case MsgTerminate:
		return "TERMINATE"
	case MsgDescribe:
		return "DESCRIBE"
	case MsgDescription:
		return "DESCRIPTION"
	case MsgSetup:
		return "SETUP"
	case MsgSetVars:
		return "SET_VARS"
	case MsgSetPeers:
		return "SET_PEERS"
	case MsgResendVars:
		return "RESEND_VARS"
	case MsgStep:
		return "STEP"
	case MsgStepOK:
		return "STEP_OK"
	case MsgStepFailed:
		return "STEP_FAILED"
	case MsgAcceptStep:
		return "ACCEPT_STEP"
	case MsgReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Slave-provider protocol message types, sharing the same envelope
// shape but a separate numbering space (spec.md §6.1).
const (
	ProviderMsgHelloOK           MessageType = 0
	ProviderMsgError             MessageType = 2
	ProviderMsgGetSlaveTypes     MessageType = 20
	ProviderMsgSlaveTypeList     MessageType = 21
	ProviderMsgInstantiateSlave  MessageType = 22
	ProviderMsgSlaveLocator      MessageType = 23
)

// ProtocolVersion is the currently-implemented version of both
// protocols (spec.md §4.2: "negotiated version starts at 0").
const ProtocolVersion uint16 = 0
