package provider

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/messenger"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/rpcsock"
	"github.com/viproma/coral-sub001/internal/slaveinstance"
)

func newRunningReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()
	return r
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func dialClient(t *testing.T, r *reactor.Reactor, addr net.Addr) *rpcsock.Client {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	return rpcsock.NewClient(r, conn, execproto.ProtocolVersion)
}

func TestProviderListsCatalog(t *testing.T) {
	r := newRunningReactor(t)
	creator := InProcessSlaveCreator{
		Desc:        slaveinstance.NewIdentity().TypeDescription(),
		NewInstance: func() slaveinstance.Instance { return slaveinstance.NewIdentity() },
		MaxVersion:  execproto.ProtocolVersion,
	}
	p := New(r, listen(t), execproto.ProtocolVersion, []SlaveCreator{creator})
	t.Cleanup(func() { _ = p.Close() })

	var client *rpcsock.Client
	done := make(chan struct{})
	var got []model.SlaveTypeDescription
	require.NoError(t, r.Post(func() {
		client = dialClient(t, r, p.Addr())
		client.Call(uint16(execproto.ProviderMsgGetSlaveTypes), nil, time.Second, func(msgType uint16, body []byte, err error) {
			require.NoError(t, err)
			require.Equal(t, uint16(execproto.ProviderMsgSlaveTypeList), msgType)
			got, err = execproto.DecodeSlaveTypeList(body)
			require.NoError(t, err)
			close(done)
		})
	}))

	select {
	case <-done:
		require.Len(t, got, 1)
		assert.Equal(t, creator.Desc.UUID, got[0].UUID)
	case <-time.After(5 * time.Second):
		t.Fatal("get-slave-types never completed")
	}
}

func TestProviderInstantiateSlaveReturnsLocator(t *testing.T) {
	r := newRunningReactor(t)
	creator := InProcessSlaveCreator{
		Desc:        slaveinstance.NewIdentity().TypeDescription(),
		NewInstance: func() slaveinstance.Instance { return slaveinstance.NewIdentity() },
		MaxVersion:  execproto.ProtocolVersion,
	}
	p := New(r, listen(t), execproto.ProtocolVersion, []SlaveCreator{creator})
	t.Cleanup(func() { _ = p.Close() })

	var client *rpcsock.Client
	done := make(chan struct{})
	var locator model.SlaveLocator
	require.NoError(t, r.Post(func() {
		client = dialClient(t, r, p.Addr())
		req := execproto.InstantiateSlaveRequest{UUID: creator.Desc.UUID, Timeout: 2}
		client.Call(uint16(execproto.ProviderMsgInstantiateSlave), execproto.EncodeInstantiateSlaveRequest(req), 2*time.Second, func(msgType uint16, body []byte, err error) {
			require.NoError(t, err)
			require.Equal(t, uint16(execproto.ProviderMsgSlaveLocator), msgType)
			locator, err = execproto.DecodeSlaveLocator(body)
			require.NoError(t, err)
			close(done)
		})
	}))

	select {
	case <-done:
		assert.Equal(t, "tcp", locator.ControlEndpoint.Transport)
		assert.NotEmpty(t, locator.ControlEndpoint.Address)
		assert.NotEmpty(t, locator.DataPubEndpoint.Address)
	case <-time.After(5 * time.Second):
		t.Fatal("instantiate-slave never completed")
	}
}

func TestProviderInstantiateUnknownTypeFails(t *testing.T) {
	r := newRunningReactor(t)
	p := New(r, listen(t), execproto.ProtocolVersion, nil)
	t.Cleanup(func() { _ = p.Close() })

	var client *rpcsock.Client
	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		client = dialClient(t, r, p.Addr())
		req := execproto.InstantiateSlaveRequest{UUID: "not-a-real-uuid", Timeout: 1}
		client.Call(uint16(execproto.ProviderMsgInstantiateSlave), execproto.EncodeInstantiateSlaveRequest(req), time.Second, func(msgType uint16, body []byte, err error) {
			assert.Error(t, err)
			close(done)
		})
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("instantiate-slave never completed")
	}
}

func TestProviderAdvertisesOverBeacon(t *testing.T) {
	r := newRunningReactor(t)
	p := New(r, listen(t), execproto.ProtocolVersion, nil)
	t.Cleanup(func() { _ = p.Close() })

	discoveryLn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = discoveryLn.Close() })

	require.NoError(t, p.Advertise(discoveryLn.LocalAddr().String(), 1, "prov-1", 10*time.Millisecond))

	buf := make([]byte, 64)
	require.NoError(t, discoveryLn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := discoveryLn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}
