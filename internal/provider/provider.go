// Package provider implements the slave provider of spec.md §4.10: a
// process that serves a two-request request/reply protocol
// (GET_SLAVE_TYPES, answered with the whole slave-type catalog in one
// reply, and INSTANTIATE_SLAVE) and
// advertises itself via internal/discovery's Beacon. It plays the same
// role coral/dsb's dsb::provider::SlaveProvider does around a
// dsb::bus::SlaveProviderOps, generalized from a fixed vector of
// SlaveCreator to the same interface defined here.
package provider

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/viproma/coral-sub001/internal/coreerr"
	"github.com/viproma/coral-sub001/internal/discovery"
	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/rpcsock"
)

// SlaveCreator creates slaves of one type. Instantiate may block (e.g. on
// forking a helper process and waiting for it to report its endpoints,
// per ExecSlaveCreator); callers must run it off the reactor thread,
// which Provider does via reactor.Promisify.
type SlaveCreator interface {
	Description() model.SlaveTypeDescription
	Instantiate(ctx context.Context, timeout time.Duration) (model.SlaveLocator, error)
}

// Provider serves the slave-provider protocol over a fixed catalog of
// SlaveCreator and, once Advertise is called, announces itself on UDP.
type Provider struct {
	r       *reactor.Reactor
	srv     *rpcsock.Server
	catalog []SlaveCreator
	beacon  *discovery.Beacon
}

// New binds ln and serves catalog's slave types to every negotiated
// connection.
func New(r *reactor.Reactor, ln net.Listener, maxVersion uint16, catalog []SlaveCreator) *Provider {
	p := &Provider{r: r, catalog: catalog}
	p.srv = rpcsock.NewServer(r, ln, maxVersion, p.handle)
	return p
}

// Addr returns the provider's request/reply listening address.
func (p *Provider) Addr() net.Addr { return p.srv.Addr() }

// Advertise starts a Beacon announcing this provider's existence to
// destAddr every period. The payload is the provider's TCP port, encoded
// as a little-endian uint16 (matching the original's beaconPayload in
// provider_provider.cpp, which packs dsb::net::zmqx::EndpointPort the
// same way).
func (p *Provider) Advertise(destAddr string, partitionID uint32, serviceID string, period time.Duration) error {
	port, err := portOf(p.Addr())
	if err != nil {
		return err
	}
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, port)
	b, err := discovery.NewBeacon(p.r, destAddr, partitionID, "slave_provider", serviceID, payload, period)
	if err != nil {
		return err
	}
	p.beacon = b
	return nil
}

func portOf(addr net.Addr) (uint16, error) {
	tcpAddr, err := net.ResolveTCPAddr(addr.Network(), addr.String())
	if err != nil {
		return 0, err
	}
	return uint16(tcpAddr.Port), nil
}

// Close stops advertising (if Advertise was called) and closes the
// request/reply server.
func (p *Provider) Close() error {
	if p.beacon != nil {
		_ = p.beacon.Close()
	}
	return p.srv.CloseAll()
}

func (p *Provider) handle(id rpcsock.ConnID, _ uint16, msgType uint16, body []byte) (uint16, []byte, bool) {
	switch execproto.MessageType(msgType) {
	case execproto.ProviderMsgGetSlaveTypes:
		types := make([]model.SlaveTypeDescription, len(p.catalog))
		for i, c := range p.catalog {
			types[i] = c.Description()
		}
		return uint16(execproto.ProviderMsgSlaveTypeList), execproto.EncodeSlaveTypeList(types), false

	case execproto.ProviderMsgInstantiateSlave:
		req, err := execproto.DecodeInstantiateSlaveRequest(body)
		if err != nil {
			t, b := rpcsock.Reply(coreerr.Wrap(coreerr.CodeBadMessage, model.InvalidSlaveID, err, "provider: malformed instantiate-slave request"))
			return t, b, false
		}
		p.instantiate(id, req)
		return 0, nil, true

	default:
		t, b := rpcsock.Reply(coreerr.New(coreerr.CodeProtocolViolation, "provider: unexpected message type %d", msgType))
		return t, b, false
	}
}

// instantiate looks up req.UUID in the catalog and, if found, runs its
// Instantiate off the reactor thread (it may block), replying
// asynchronously once it settles — the same suspend-and-resume shape
// internal/slaveagent uses for STEP.
func (p *Provider) instantiate(id rpcsock.ConnID, req execproto.InstantiateSlaveRequest) {
	var creator SlaveCreator
	for _, c := range p.catalog {
		if c.Description().UUID == req.UUID {
			creator = c
			break
		}
	}
	if creator == nil {
		t, b := rpcsock.Reply(coreerr.New(coreerr.CodeOperationFailed, "provider: unknown slave type %q", req.UUID))
		_ = p.srv.Reply(id, t, b)
		return
	}

	// ctx is plain background, not a derived timeout context: Instantiate
	// itself enforces timeout (it knows best whether a helper process can
	// still be killed cleanly mid-spawn), the same way net.DialTimeout
	// self-enforces in internal/slavectrl's dial rather than racing an
	// external context against AwaitPromise.
	timeout := time.Duration(float64(req.Timeout) * float64(time.Second))
	ctx := context.Background()
	prom := p.r.Promisify(ctx, func(ctx context.Context) (any, error) {
		return creator.Instantiate(ctx, timeout)
	})
	p.r.AwaitPromise(ctx, prom, func(result any) {
		if err, ok := result.(error); ok {
			t, b := rpcsock.Reply(coreerr.Wrap(coreerr.CodeOperationFailed, model.InvalidSlaveID, err, "provider: instantiate-slave %q failed", req.UUID))
			_ = p.srv.Reply(id, t, b)
			return
		}
		locator := result.(model.SlaveLocator)
		_ = p.srv.Reply(id, uint16(execproto.ProviderMsgSlaveLocator), execproto.EncodeSlaveLocator(locator))
	})
}
