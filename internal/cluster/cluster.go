// Package cluster implements the provider-cluster client of spec.md
// §4.10 (component L): the master-side aggregate that discovers slave
// providers via internal/discovery, queries each one's catalog over a
// short-lived internal/rpcsock client, and merges the results into a
// by-UUID SlaveType registry an execution can instantiate slaves from.
package cluster

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/viproma/coral-sub001/internal/coreerr"
	"github.com/viproma/coral-sub001/internal/discovery"
	"github.com/viproma/coral-sub001/internal/execproto"
	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/rpcsock"
)

// SlaveType is one slave type known to the cluster, merged across every
// provider currently advertising it.
type SlaveType struct {
	Description model.SlaveTypeDescription
	Providers   []string // provider serviceIDs currently offering this type
}

type providerEntry struct {
	addr string // host:port of the provider's request/reply server
}

// Cluster tracks providers of service-type "slave_provider" and the
// slave-type catalog they collectively advertise. Grounded structurally
// on agentmanager.Manager's in-memory registry (component L; see DESIGN.md's internal/cluster entry), but
// single-threaded: every method and every callback below runs on r's
// reactor goroutine, so no mutex is needed — spec.md §9's ordering
// guarantee ("within one reactor, handlers are serialised") does the
// work a RWMutex would in a multi-threaded registry.
//
// Cyclic-lifetime note (spec.md §9's "Cyclic lifetimes" guidance,
// carried over from the FMU-cache/importer weak-reference pattern):
// the cluster owns the tracker, and the tracker's callbacks below
// close only over plain data (service IDs, a *Cluster method value) —
// there is no story of the tracker holding a strong reference back
// into cluster-owned state beyond calling a method on it, so cleanup
// is simply Cluster.Close → Tracker.Close with no separate
// handle/lookup table needed; Go's garbage collector (unlike the
// predecessor's shared_ptr/weak_ptr pairs) does not leak on a plain
// object-to-object reference cycle, so the indirection that pattern
// existed for is not required here — see DESIGN.md's Open Questions.
type Cluster struct {
	r            *reactor.Reactor
	tracker      *discovery.Tracker
	maxVersion   uint16
	queryTimeout time.Duration

	providers  map[string]providerEntry                // serviceID -> connection info
	types      map[string]SlaveType                    // UUID -> merged description
	byProvider map[string][]model.SlaveTypeDescription // serviceID -> its catalog, for clean removal
}

// New starts tracking slave providers: listenAddr is the local UDP
// socket to listen for beacons on, partitionID scopes the federation,
// providerTimeout bounds how long a provider may stay silent before
// being dropped, and sweepInterval governs how often that's checked
// (internal/discovery.NewTracker). maxVersion/queryTimeout govern the
// short-lived rpcsock.Client connections used to query each provider's
// catalog.
func New(r *reactor.Reactor, listenAddr string, partitionID uint32, providerTimeout, sweepInterval time.Duration, maxVersion uint16, queryTimeout time.Duration) (*Cluster, error) {
	tracker, err := discovery.NewTracker(r, listenAddr, partitionID, sweepInterval)
	if err != nil {
		return nil, err
	}
	c := &Cluster{
		r:            r,
		tracker:      tracker,
		maxVersion:   maxVersion,
		queryTimeout: queryTimeout,
		providers:    make(map[string]providerEntry),
		types:        make(map[string]SlaveType),
		byProvider:   make(map[string][]model.SlaveTypeDescription),
	}
	tracker.Register(discovery.Registration{
		ServiceType:      "slave_provider",
		Timeout:          providerTimeout,
		OnAppeared:       c.onProviderSeen,
		OnPayloadChanged: c.onProviderSeen,
		OnDisappeared:    c.onProviderGone,
	})
	return c, nil
}

// SlaveTypes returns a snapshot of every slave type currently known,
// keyed by UUID.
func (c *Cluster) SlaveTypes() map[string]SlaveType {
	out := make(map[string]SlaveType, len(c.types))
	for k, v := range c.types {
		out[k] = v
	}
	return out
}

func (c *Cluster) onProviderSeen(serviceID string, payload []byte) {
	host, ok := c.tracker.SourceHost("slave_provider", serviceID)
	if !ok || len(payload) != 2 {
		return
	}
	port := binary.LittleEndian.Uint16(payload)
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	c.providers[serviceID] = providerEntry{addr: addr}
	c.queryCatalog(serviceID, addr)
}

func (c *Cluster) onProviderGone(serviceID string) {
	delete(c.providers, serviceID)
	for _, t := range c.byProvider[serviceID] {
		c.removeProviderFromType(t.UUID, serviceID)
	}
	delete(c.byProvider, serviceID)
}

func (c *Cluster) removeProviderFromType(uuid, serviceID string) {
	st, ok := c.types[uuid]
	if !ok {
		return
	}
	kept := st.Providers[:0]
	for _, p := range st.Providers {
		if p != serviceID {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		delete(c.types, uuid)
		return
	}
	st.Providers = kept
	c.types[uuid] = st
}

// queryCatalog opens a short-lived control connection to addr, issues
// GET_SLAVE_TYPES, and merges the reply into c.types, then closes the
// connection — matching spec.md §4.10's "opens a short-lived
// request/reply client to each discovered provider". The dial itself is
// a blocking call, so it runs via Promisify/AwaitPromise rather than
// directly on the reactor goroutine (spec.md §5: "a handler may not
// block"), the same pattern internal/provider.Provider.instantiate uses
// for its own blocking call. ctx is plain background, not a derived
// timeout context: the dial already self-enforces via c.queryTimeout.
func (c *Cluster) queryCatalog(serviceID, addr string) {
	ctx := context.Background()
	prom := c.r.Promisify(ctx, func(ctx context.Context) (any, error) {
		return net.DialTimeout("tcp", addr, c.queryTimeout)
	})
	c.r.AwaitPromise(ctx, prom, func(result any) {
		if _, ok := result.(error); ok {
			return
		}
		conn := result.(net.Conn)
		client := rpcsock.NewClient(c.r, conn, c.maxVersion)
		client.Call(uint16(execproto.ProviderMsgGetSlaveTypes), nil, c.queryTimeout, func(msgType uint16, body []byte, err error) {
			defer client.Close()
			if err != nil || execproto.MessageType(msgType) != execproto.ProviderMsgSlaveTypeList {
				return
			}
			types, derr := execproto.DecodeSlaveTypeList(body)
			if derr != nil {
				return
			}
			c.mergeCatalog(serviceID, types)
		})
	})
}

func (c *Cluster) mergeCatalog(serviceID string, types []model.SlaveTypeDescription) {
	c.byProvider[serviceID] = types
	for _, t := range types {
		st, ok := c.types[t.UUID]
		if !ok {
			c.types[t.UUID] = SlaveType{Description: t, Providers: []string{serviceID}}
			continue
		}
		st.Description = t
		if !containsString(st.Providers, serviceID) {
			st.Providers = append(st.Providers, serviceID)
		}
		c.types[t.UUID] = st
	}
}

// InstantiateSlave dispatches INSTANTIATE_SLAVE to exactly one provider
// known to offer uuid (the first one recorded), per spec.md §4.10's
// `InstantiateSlave(providerID, uuid, timeout)`.
func (c *Cluster) InstantiateSlave(uuid string, timeout model.TimeDuration, onDone func(model.SlaveLocator, error)) {
	st, ok := c.types[uuid]
	if !ok || len(st.Providers) == 0 {
		onDone(model.SlaveLocator{}, coreerr.New(coreerr.CodeOperationFailed, "cluster: no provider offers slave type %q", uuid))
		return
	}
	c.InstantiateSlaveFrom(st.Providers[0], uuid, timeout, onDone)
}

// InstantiateSlaveFrom dispatches INSTANTIATE_SLAVE to the named
// provider specifically. As in queryCatalog, the dial is blocking and so
// runs via Promisify/AwaitPromise rather than directly on the reactor
// goroutine; ctx is plain background since wait already bounds the dial.
func (c *Cluster) InstantiateSlaveFrom(providerID, uuid string, timeout model.TimeDuration, onDone func(model.SlaveLocator, error)) {
	pe, ok := c.providers[providerID]
	if !ok {
		onDone(model.SlaveLocator{}, coreerr.New(coreerr.CodeOperationFailed, "cluster: unknown provider %q", providerID))
		return
	}
	wait := time.Duration(float64(timeout) * float64(time.Second))
	ctx := context.Background()
	prom := c.r.Promisify(ctx, func(ctx context.Context) (any, error) {
		return net.DialTimeout("tcp", pe.addr, wait)
	})
	c.r.AwaitPromise(ctx, prom, func(result any) {
		if err, ok := result.(error); ok {
			onDone(model.SlaveLocator{}, coreerr.Wrap(coreerr.CodeConnectionRefused, model.InvalidSlaveID, err, "cluster: dialing provider %q", providerID))
			return
		}
		conn := result.(net.Conn)
		client := rpcsock.NewClient(c.r, conn, c.maxVersion)
		req := execproto.InstantiateSlaveRequest{UUID: uuid, Timeout: timeout}
		client.Call(uint16(execproto.ProviderMsgInstantiateSlave), execproto.EncodeInstantiateSlaveRequest(req), wait, func(msgType uint16, body []byte, err error) {
			defer client.Close()
			if err != nil {
				onDone(model.SlaveLocator{}, err)
				return
			}
			if execproto.MessageType(msgType) == execproto.MsgError {
				eb, _ := execproto.DecodeError(body)
				onDone(model.SlaveLocator{}, coreerr.New(codes.Code(eb.Code), "%s", eb.Message))
				return
			}
			locator, derr := execproto.DecodeSlaveLocator(body)
			if derr != nil {
				onDone(model.SlaveLocator{}, coreerr.Wrap(coreerr.CodeBadMessage, model.InvalidSlaveID, derr, "cluster: decoding slave locator"))
				return
			}
			onDone(locator, nil)
		})
	})
}

// Close stops tracking providers.
func (c *Cluster) Close() error { return c.tracker.Close() }

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
