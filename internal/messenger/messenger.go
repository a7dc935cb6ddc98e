// Package messenger implements the client half of the master↔slave
// control protocol (spec.md §4.5): one operation per RPC, each taking a
// timeout and a completion callback invoked on the reactor goroutine,
// layered over an internal/rpcsock.Client the way the teacher's
// generated gRPC client stubs layer one method per RPC over a
// grpc.ClientConn.
package messenger

import (
	"time"

	"github.com/viproma/coral-sub001/internal/coreerr"
	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/rpcsock"
)

// State is a messenger's externally visible lifecycle state (spec.md §4.5).
type State int

const (
	NotConnected State = iota
	Connected
	Busy
	Ready
	StepOk
	StepFailed
	Disconnected
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Connected:
		return "Connected"
	case Busy:
		return "Busy"
	case Ready:
		return "Ready"
	case StepOk:
		return "StepOk"
	case StepFailed:
		return "StepFailed"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Messenger drives one slave's control connection through the state
// diagram in spec.md §4.5. It does not dial or negotiate itself — the
// caller (internal/slavectrl) hands it an already-connected
// rpcsock.Client, which is equivalent to the NotConnected → Connected
// transition.
type Messenger struct {
	client *rpcsock.Client
	state  State
}

// New wraps an already-connected client. The messenger starts Connected;
// call Setup to reach Ready.
func New(client *rpcsock.Client) *Messenger {
	return &Messenger{client: client, state: Connected}
}

// State returns the messenger's current state.
func (m *Messenger) State() State { return m.state }

func (m *Messenger) precondition(op string, allowed ...State) *coreerr.Error {
	for _, s := range allowed {
		if m.state == s {
			return nil
		}
	}
	return coreerr.PreconditionViolation(op, m.state.String())
}

func (m *Messenger) enterBusy() State {
	prev := m.state
	m.state = Busy
	return prev
}

// Setup issues SETUP, the post-HELLO handshake described in spec.md §4.6.
// Valid only from Connected; on success the messenger transitions to
// Ready, on failure to Disconnected (the connection is assumed unusable).
func (m *Messenger) Setup(setup model.SlaveSetup, timeout time.Duration, onDone func(err error)) {
	if err := m.precondition("Setup", Connected); err != nil {
		onDone(err)
		return
	}
	m.enterBusy()
	m.client.Call(uint16(execproto.MsgSetup), execproto.EncodeSetup(setup), timeout, func(msgType uint16, body []byte, err error) {
		if err != nil {
			m.state = Disconnected
			onDone(err)
			return
		}
		m.state = Ready
		onDone(nil)
	})
}

// GetDescription issues DESCRIBE. Valid only from Ready; state is
// unchanged on completion.
func (m *Messenger) GetDescription(timeout time.Duration, onDone func(model.SlaveDescription, error)) {
	if err := m.precondition("GetDescription", Ready); err != nil {
		onDone(model.SlaveDescription{}, err)
		return
	}
	prev := m.enterBusy()
	m.client.Call(uint16(execproto.MsgDescribe), nil, timeout, func(msgType uint16, body []byte, err error) {
		if err != nil {
			m.state = Disconnected
			onDone(model.SlaveDescription{}, err)
			return
		}
		desc, derr := execproto.DecodeDescription(body)
		m.state = prev
		if derr != nil {
			onDone(model.SlaveDescription{}, coreerr.Wrap(coreerr.CodeBadMessage, 0, derr, "messenger: decoding DESCRIPTION"))
			return
		}
		onDone(desc, nil)
	})
}

// SetVariables issues SET_VARS. Valid only from Ready.
func (m *Messenger) SetVariables(settings []model.VariableSetting, timeout time.Duration, onDone func(error)) {
	if err := m.precondition("SetVariables", Ready); err != nil {
		onDone(err)
		return
	}
	prev := m.enterBusy()
	m.client.Call(uint16(execproto.MsgSetVars), execproto.EncodeSetVars(settings), timeout, func(msgType uint16, body []byte, err error) {
		if err != nil {
			m.state = Disconnected
			onDone(err)
			return
		}
		m.state = prev
		onDone(nil)
	})
}

// SetPeers issues SET_PEERS. Valid only from Ready.
func (m *Messenger) SetPeers(peers []execproto.Peer, timeout time.Duration, onDone func(error)) {
	if err := m.precondition("SetPeers", Ready); err != nil {
		onDone(err)
		return
	}
	prev := m.enterBusy()
	m.client.Call(uint16(execproto.MsgSetPeers), execproto.EncodeSetPeers(peers), timeout, func(msgType uint16, body []byte, err error) {
		if err != nil {
			m.state = Disconnected
			onDone(err)
			return
		}
		m.state = prev
		onDone(nil)
	})
}

// ResendVars issues RESEND_VARS. Valid only from Ready.
func (m *Messenger) ResendVars(timeout time.Duration, onDone func(error)) {
	if err := m.precondition("ResendVars", Ready); err != nil {
		onDone(err)
		return
	}
	prev := m.enterBusy()
	m.client.Call(uint16(execproto.MsgResendVars), nil, timeout, func(msgType uint16, body []byte, err error) {
		if err != nil {
			m.state = Disconnected
			onDone(err)
			return
		}
		m.state = prev
		onDone(nil)
	})
}

// Step issues STEP. Valid only from Ready; transitions to StepOk on
// success, StepFailed if the slave refuses the step
// (coreerr.CodeCannotPerformTimestep), or Disconnected on any other
// error (network failure or timeout).
func (m *Messenger) Step(s execproto.StepBody, timeout time.Duration, onDone func(error)) {
	if err := m.precondition("Step", Ready); err != nil {
		onDone(err)
		return
	}
	m.enterBusy()
	m.client.Call(uint16(execproto.MsgStep), execproto.EncodeStep(s), timeout, func(msgType uint16, body []byte, err error) {
		if err != nil {
			if coreerr.IsCannotPerformTimestep(err) {
				m.state = StepFailed
			} else {
				m.state = Disconnected
			}
			onDone(err)
			return
		}
		m.state = StepOk
		onDone(nil)
	})
}

// AcceptStep issues ACCEPT_STEP. Valid only from StepOk; transitions
// back to Ready on success.
func (m *Messenger) AcceptStep(timeout time.Duration, onDone func(error)) {
	if err := m.precondition("AcceptStep", StepOk); err != nil {
		onDone(err)
		return
	}
	m.enterBusy()
	m.client.Call(uint16(execproto.MsgAcceptStep), nil, timeout, func(msgType uint16, body []byte, err error) {
		if err != nil {
			m.state = Disconnected
			onDone(err)
			return
		}
		m.state = Ready
		onDone(nil)
	})
}

// Terminate sends TERMINATE without waiting for acknowledgement (spec.md
// §4.5: fire-and-forget, valid from any state except NotConnected or
// already Disconnected), then transitions to Disconnected locally.
func (m *Messenger) Terminate() {
	if m.state == NotConnected || m.state == Disconnected {
		return
	}
	_ = m.client.Notify(uint16(execproto.MsgTerminate), nil)
	m.state = Disconnected
}

// Close tears down the underlying connection locally, without notifying
// the peer, and transitions to Disconnected.
func (m *Messenger) Close() {
	if m.state == NotConnected {
		return
	}
	m.client.Close()
	m.state = Disconnected
}
