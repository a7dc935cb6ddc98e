package discovery

import (
	"net"
	"time"

	"github.com/viproma/coral-sub001/internal/reactor"
)

// Beacon periodically sends a Datagram identifying one service to a fixed
// UDP destination (spec.md §4.10). period is driven by the owning
// reactor's timer, matching every other periodic activity in this
// module (cf. the teacher's gossip/probe cadence in connection
// management, generalized from TCP keepalive polling to a UDP send).
type Beacon struct {
	conn *net.UDPConn
	dest *net.UDPAddr

	partitionID uint32
	serviceType string
	serviceID   string
	payload     []byte

	timer reactor.TimerHandle
}

// NewBeacon opens a UDP socket and starts announcing (partitionID,
// serviceType, serviceID, payload) to destAddr every period. The first
// announcement is sent immediately.
func NewBeacon(r *reactor.Reactor, destAddr string, partitionID uint32, serviceType, serviceID string, payload []byte, period time.Duration) (*Beacon, error) {
	addr, err := net.ResolveUDPAddr("udp", destAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	b := &Beacon{
		conn:        conn,
		dest:        addr,
		partitionID: partitionID,
		serviceType: serviceType,
		serviceID:   serviceID,
		payload:     payload,
	}
	b.send()
	h, err := r.ScheduleRepeating(period, -1, b.send)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.timer = h
	return b, nil
}

func (b *Beacon) send() {
	data, err := Encode(Datagram{
		PartitionID: b.partitionID,
		ServiceType: b.serviceType,
		ServiceID:   b.serviceID,
		Payload:     b.payload,
	})
	if err != nil {
		return
	}
	_, _ = b.conn.WriteToUDP(data, b.dest)
}

// SetPayload updates the payload carried by subsequent announcements
// (e.g. a slave provider whose listening port changed).
func (b *Beacon) SetPayload(payload []byte) { b.payload = payload }

// Close stops announcing and releases the socket.
func (b *Beacon) Close() error {
	b.timer.Cancel()
	return b.conn.Close()
}
