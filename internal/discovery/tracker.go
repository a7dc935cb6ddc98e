package discovery

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/viproma/coral-sub001/internal/reactor"
)

// Registration tells a Tracker to watch one service type and how to
// report changes in it. Timeout bounds how long a service may stay
// silent before it is considered gone (spec.md §4.10).
type Registration struct {
	ServiceType      string
	Timeout          time.Duration
	OnAppeared       func(serviceID string, payload []byte)
	OnPayloadChanged func(serviceID string, payload []byte)
	OnDisappeared    func(serviceID string)
}

type trackedEntry struct {
	lastSeen time.Time
	payload  []byte
	host     string
}

// Tracker listens for discovery datagrams and maintains, per registered
// service type, a table of service-id → (last-seen, payload). Entries
// that go quiet for longer than their registration's Timeout are swept
// and re-fire OnAppeared if they reappear (spec.md §4.10: "Reconstruction
// after silence re-fires appeared").
type Tracker struct {
	r           *reactor.Reactor
	conn        *net.UDPConn
	partitionID uint32

	regs  map[string]Registration
	table map[string]map[string]*trackedEntry

	sweepTimer reactor.TimerHandle
}

// NewTracker binds listenAddr and starts watching for datagrams tagged
// with partitionID. sweepInterval governs how often stale entries are
// checked against their registration's Timeout; it should be
// meaningfully smaller than the shortest registered Timeout.
func NewTracker(r *reactor.Reactor, listenAddr string, partitionID uint32, sweepInterval time.Duration) (*Tracker, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	t := &Tracker{
		r:           r,
		conn:        conn,
		partitionID: partitionID,
		regs:        make(map[string]Registration),
		table:       make(map[string]map[string]*trackedEntry),
	}
	r.Spawn(context.Background(), t.readPump)
	h, err := r.ScheduleRepeating(sweepInterval, -1, t.sweepOnce)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	t.sweepTimer = h
	return t, nil
}

// Addr returns the tracker's bound UDP listening address.
func (t *Tracker) Addr() net.Addr { return t.conn.LocalAddr() }

// Register starts watching reg.ServiceType. Registering the same service
// type again replaces the prior registration's callbacks and timeout but
// keeps the existing table entries.
func (t *Tracker) Register(reg Registration) { t.regs[reg.ServiceType] = reg }

func (t *Tracker) readPump(ctx context.Context, deliver func(reactor.Handler)) error {
	buf := make([]byte, 2048)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		dg, derr := Decode(buf[:n])
		if derr != nil {
			continue // malformed datagram, not from this protocol; drop silently
		}
		host := from.IP.String()
		deliver(func() { t.onDatagram(dg, host) })
	}
}

func (t *Tracker) onDatagram(dg Datagram, host string) {
	if dg.PartitionID != t.partitionID {
		return
	}
	reg, ok := t.regs[dg.ServiceType]
	if !ok {
		return
	}
	byID, ok := t.table[dg.ServiceType]
	if !ok {
		byID = make(map[string]*trackedEntry)
		t.table[dg.ServiceType] = byID
	}

	now := time.Now()
	entry, existed := byID[dg.ServiceID]
	if !existed {
		byID[dg.ServiceID] = &trackedEntry{lastSeen: now, payload: dg.Payload, host: host}
		if reg.OnAppeared != nil {
			reg.OnAppeared(dg.ServiceID, dg.Payload)
		}
		return
	}

	changed := !bytes.Equal(entry.payload, dg.Payload)
	entry.lastSeen = now
	entry.host = host
	if changed {
		entry.payload = dg.Payload
		if reg.OnPayloadChanged != nil {
			reg.OnPayloadChanged(dg.ServiceID, dg.Payload)
		}
	}
}

// SourceHost returns the IP address the most recent datagram from
// (serviceType, serviceID) arrived from — the host half of the
// host:port a caller needs to actually connect to that service, the
// port half coming from the service's own payload (e.g. a slave
// provider's request/reply listening port).
func (t *Tracker) SourceHost(serviceType, serviceID string) (string, bool) {
	byID, ok := t.table[serviceType]
	if !ok {
		return "", false
	}
	entry, ok := byID[serviceID]
	if !ok {
		return "", false
	}
	return entry.host, true
}

func (t *Tracker) sweepOnce() {
	now := time.Now()
	for serviceType, byID := range t.table {
		reg := t.regs[serviceType]
		for id, entry := range byID {
			if now.Sub(entry.lastSeen) > reg.Timeout {
				delete(byID, id)
				if reg.OnDisappeared != nil {
					reg.OnDisappeared(id)
				}
			}
		}
	}
}

// Close stops the sweep timer and closes the listening socket.
func (t *Tracker) Close() error {
	t.sweepTimer.Cancel()
	return t.conn.Close()
}
