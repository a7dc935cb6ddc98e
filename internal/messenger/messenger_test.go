package messenger

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/rpcsock"
)

// echoServer replies with a canned response per message type, simulating
// a slave agent well enough to drive a Messenger through its states.
func echoServer(t *testing.T, r *reactor.Reactor) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := rpcsock.NewServer(r, ln, execproto.ProtocolVersion, func(id rpcsock.ConnID, version uint16, msgType uint16, body []byte) (uint16, []byte, bool) {
		switch execproto.MessageType(msgType) {
		case execproto.MsgSetup:
			return uint16(execproto.MsgReady), nil, false
		case execproto.MsgDescribe:
			desc := model.SlaveDescription{ID: 1, Name: "mock", Type: model.SlaveTypeDescription{Name: "mocktype"}}
			return uint16(execproto.MsgDescription), execproto.EncodeDescription(desc), false
		case execproto.MsgSetVars, execproto.MsgSetPeers, execproto.MsgResendVars, execproto.MsgAcceptStep:
			return uint16(execproto.MsgHelloOK), nil, false
		case execproto.MsgStep:
			return uint16(execproto.MsgStepOK), nil, false
		default:
			return uint16(execproto.MsgHelloOK), nil, false
		}
	})
	t.Cleanup(func() { _ = srv.CloseAll() })
	return ln.Addr()
}

func TestMessengerFullLifecycle(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	addr := echoServer(t, r)

	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		conn, derr := net.Dial("tcp", addr.String())
		require.NoError(t, derr)
		client := rpcsock.NewClient(r, conn, execproto.ProtocolVersion)
		m := New(client)
		assert.Equal(t, Connected, m.State())

		m.Setup(model.SlaveSetup{SlaveID: 1}, time.Second, func(err error) {
			require.NoError(t, err)
			assert.Equal(t, Ready, m.State())

			m.GetDescription(time.Second, func(desc model.SlaveDescription, err error) {
				require.NoError(t, err)
				assert.Equal(t, "mock", desc.Name)
				assert.Equal(t, Ready, m.State())

				m.Step(execproto.StepBody{StepID: 1}, time.Second, func(err error) {
					require.NoError(t, err)
					assert.Equal(t, StepOk, m.State())

					m.AcceptStep(time.Second, func(err error) {
						require.NoError(t, err)
						assert.Equal(t, Ready, m.State())
						m.Terminate()
						assert.Equal(t, Disconnected, m.State())
						close(done)
					})
				})
			})
		})
	}))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("lifecycle never completed")
	}
}

func TestMessengerPreconditionViolation(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	addr := echoServer(t, r)

	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		conn, derr := net.Dial("tcp", addr.String())
		require.NoError(t, derr)
		client := rpcsock.NewClient(r, conn, execproto.ProtocolVersion)
		m := New(client)

		// GetDescription before Setup: messenger is only Connected, not Ready.
		m.GetDescription(time.Second, func(desc model.SlaveDescription, err error) {
			assert.Error(t, err)
			close(done)
		})
	}))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("precondition check never completed")
	}
}
