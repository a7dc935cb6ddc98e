// Package discovery implements the UDP service-discovery fabric of
// spec.md §4.10 / §6.1: a Beacon that periodically announces one
// service's existence, and a Tracker that watches for beacons and fires
// appeared/payload-changed/disappeared events per registered service
// type. Used by slave providers to announce themselves and by the
// master-side provider-cluster client (internal/cluster) to find them.
package discovery

import (
	"encoding/binary"
	"fmt"
)

// magic identifies a discovery datagram; anything else is silently
// ignored (spec.md §6.1).
const magic = "COBE"

// maxServiceField bounds service-type/service-id length, matching the
// single-byte length prefix the wire format uses.
const maxServiceField = 255

// Datagram is one discovery announcement: which federation
// (PartitionID) and service (ServiceType, ServiceID) it's from, plus an
// opaque Payload (for a slave provider, the TCP port its request/reply
// server listens on).
type Datagram struct {
	PartitionID uint32
	ServiceType string
	ServiceID   string
	Payload     []byte
}

// Encode renders d per spec.md §6.1's fixed format:
//
//	magic(4) | partition_id(u32 LE) | service_type_len(u8) | service_type
//	  | service_id_len(u8) | service_id | payload_len(u16 LE) | payload
func Encode(d Datagram) ([]byte, error) {
	if len(d.ServiceType) > maxServiceField {
		return nil, fmt.Errorf("discovery: service type %q exceeds %d bytes", d.ServiceType, maxServiceField)
	}
	if len(d.ServiceID) > maxServiceField {
		return nil, fmt.Errorf("discovery: service id %q exceeds %d bytes", d.ServiceID, maxServiceField)
	}
	if len(d.Payload) > 0xFFFF {
		return nil, fmt.Errorf("discovery: payload of %d bytes exceeds 65535", len(d.Payload))
	}

	buf := make([]byte, 0, 4+4+1+len(d.ServiceType)+1+len(d.ServiceID)+2+len(d.Payload))
	buf = append(buf, magic...)
	buf = binary.LittleEndian.AppendUint32(buf, d.PartitionID)
	buf = append(buf, byte(len(d.ServiceType)))
	buf = append(buf, d.ServiceType...)
	buf = append(buf, byte(len(d.ServiceID)))
	buf = append(buf, d.ServiceID...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(d.Payload)))
	buf = append(buf, d.Payload...)
	return buf, nil
}

// Decode parses b into a Datagram, validating the magic prefix and every
// length field against the actual buffer size.
func Decode(b []byte) (Datagram, error) {
	if len(b) < len(magic)+4+1 {
		return Datagram{}, fmt.Errorf("discovery: datagram too short (%d bytes)", len(b))
	}
	if string(b[:len(magic)]) != magic {
		return Datagram{}, fmt.Errorf("discovery: bad magic %q", b[:len(magic)])
	}
	b = b[len(magic):]

	var d Datagram
	d.PartitionID = binary.LittleEndian.Uint32(b)
	b = b[4:]

	typeLen := int(b[0])
	b = b[1:]
	if len(b) < typeLen+1 {
		return Datagram{}, fmt.Errorf("discovery: truncated service type")
	}
	d.ServiceType = string(b[:typeLen])
	b = b[typeLen:]

	idLen := int(b[0])
	b = b[1:]
	if len(b) < idLen+2 {
		return Datagram{}, fmt.Errorf("discovery: truncated service id")
	}
	d.ServiceID = string(b[:idLen])
	b = b[idLen:]

	payloadLen := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < payloadLen {
		return Datagram{}, fmt.Errorf("discovery: truncated payload")
	}
	d.Payload = append([]byte(nil), b[:payloadLen]...)
	return d, nil
}
