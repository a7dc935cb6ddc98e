package slavectrl

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

func setupServer(t *testing.T, r *reactor.Reactor) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := rpcsock.NewServer(r, ln, execproto.ProtocolVersion, func(id rpcsock.ConnID, version uint16, msgType uint16, body []byte) (uint16, []byte, bool) {
		switch execproto.MessageType(msgType) {
		case execproto.MsgSetup:
			return uint16(execproto.MsgReady), nil, false
		case execproto.MsgStep:
			return uint16(execproto.MsgStepOK), nil, false
		case execproto.MsgAcceptStep:
			return uint16(execproto.MsgHelloOK), nil, false
		default:
			return uint16(execproto.MsgHelloOK), nil, false
		}
	})
	t.Cleanup(func() { _ = srv.CloseAll() })
	return ln.Addr()
}

func TestControllerConnectAndStep(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	addr := setupServer(t, r)

	var ctrl *Controller
	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		ctrl = New(r, Config{
			Endpoint:              model.Endpoint{Transport: "tcp", Address: addr.String()},
			MaxVersion:            execproto.ProtocolVersion,
			MaxConnectionAttempts: 3,
			ConnectTimeout:        time.Second,
			SetupTimeout:          time.Second,
			Setup:                 model.SlaveSetup{SlaveID: 1},
		})
		ctrl.Connect(ctx, func(err error) {
			require.NoError(t, err)
			assert.Equal(t, Ready, ctrl.State())

			ctrl.Step(execproto.StepBody{StepID: 1}, time.Second, func(err error) {
				require.NoError(t, err)
				assert.Equal(t, StepOk, ctrl.State())

				ctrl.AcceptStep(time.Second, func(err error) {
					require.NoError(t, err)
					assert.Equal(t, Ready, ctrl.State())
					close(done)
				})
			})
		})
	}))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("controller lifecycle never completed")
	}
}

func TestControllerConnectGivesUpAfterMaxAttempts(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	// Bind and immediately close a listener to get a port nothing is
	// listening on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var ctrl *Controller
	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		ctrl = New(r, Config{
			Endpoint:              model.Endpoint{Transport: "tcp", Address: addr},
			MaxVersion:            execproto.ProtocolVersion,
			MaxConnectionAttempts: 2,
			ConnectTimeout:        200 * time.Millisecond,
			SetupTimeout:          200 * time.Millisecond,
		})
		ctrl.Connect(ctx, func(err error) {
			assert.Error(t, err)
			assert.Equal(t, NotConnected, ctrl.State())
			close(done)
		})
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("controller never gave up")
	}
}
