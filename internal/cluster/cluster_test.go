package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/provider"
	"github.com/viproma/coral-sub001/internal/reactor"
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

// waitForOnReactor polls probe until it returns true or the deadline passes,
// driven from the test goroutine (not the reactor) since Cluster's
// state is only ever safe to read from the reactor goroutine — these
// tests post a probe closure each tick instead of reading fields directly.
func waitForOnReactor(t *testing.T, r *reactor.Reactor, timeout time.Duration, probe func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		done := make(chan bool, 1)
		require.NoError(t, r.Post(func() { done <- probe() }))
		if <-done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestClusterDiscoversProviderAndMergesCatalog(t *testing.T) {
	r := newRunningReactor(t)

	pr := provider.New(r, listen(t), execproto.ProtocolVersion, []provider.SlaveCreator{
		provider.InProcessSlaveCreator{
			Desc:        slaveinstance.NewIdentity().TypeDescription(),
			NewInstance: func() slaveinstance.Instance { return slaveinstance.NewIdentity() },
			MaxVersion:  execproto.ProtocolVersion,
		},
	})
	t.Cleanup(func() { _ = pr.Close() })

	var cl *Cluster
	clusterAddrCh := make(chan string, 1)
	require.NoError(t, r.Post(func() {
		var err error
		cl, err = New(r, "127.0.0.1:0", 9, 200*time.Millisecond, 15*time.Millisecond, execproto.ProtocolVersion, time.Second)
		require.NoError(t, err)
		clusterAddrCh <- cl.tracker.Addr().String()
	}))
	discoveryAddr := <-clusterAddrCh
	t.Cleanup(func() { _ = cl.Close() })

	require.NoError(t, pr.Advertise(discoveryAddr, 9, "prov-1", 15*time.Millisecond))

	waitForOnReactor(t, r, 5*time.Second, func() bool {
		return len(cl.SlaveTypes()) == 1
	})

	var got map[string]SlaveType
	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		got = cl.SlaveTypes()
		close(done)
	}))
	<-done
	require.Len(t, got, 1)
	for _, st := range got {
		assert.Equal(t, "prov-1", st.Providers[0])
	}
}

func TestClusterInstantiateSlaveDispatchesToProvider(t *testing.T) {
	r := newRunningReactor(t)
	desc := slaveinstance.NewIdentity().TypeDescription()

	pr := provider.New(r, listen(t), execproto.ProtocolVersion, []provider.SlaveCreator{
		provider.InProcessSlaveCreator{
			Desc:        desc,
			NewInstance: func() slaveinstance.Instance { return slaveinstance.NewIdentity() },
			MaxVersion:  execproto.ProtocolVersion,
		},
	})
	t.Cleanup(func() { _ = pr.Close() })

	var cl *Cluster
	clusterAddrCh := make(chan string, 1)
	require.NoError(t, r.Post(func() {
		var err error
		cl, err = New(r, "127.0.0.1:0", 3, 200*time.Millisecond, 15*time.Millisecond, execproto.ProtocolVersion, time.Second)
		require.NoError(t, err)
		clusterAddrCh <- cl.tracker.Addr().String()
	}))
	discoveryAddr := <-clusterAddrCh
	t.Cleanup(func() { _ = cl.Close() })

	require.NoError(t, pr.Advertise(discoveryAddr, 3, "prov-1", 15*time.Millisecond))
	waitForOnReactor(t, r, 5*time.Second, func() bool { return len(cl.SlaveTypes()) == 1 })

	done := make(chan struct{})
	var locator model.SlaveLocator
	var instErr error
	require.NoError(t, r.Post(func() {
		cl.InstantiateSlave(desc.UUID, 2, func(l model.SlaveLocator, err error) {
			locator, instErr = l, err
			close(done)
		})
	}))

	select {
	case <-done:
		require.NoError(t, instErr)
		assert.NotEmpty(t, locator.ControlEndpoint.Address)
	case <-time.After(5 * time.Second):
		t.Fatal("instantiate-slave never completed")
	}
}
