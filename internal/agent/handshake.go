package agent

import (
	"encoding/binary"
)

// Application-level handshake packet: "ICEH"(4) | Type(1) | Timestamp32(4).
const helloSize = 9

// Handshake packet types.
const (
	helloRequest  byte = 0x01
	helloResponse byte = 0x02
)

var helloMagic = [4]byte{'I', 'C', 'E', 'H'}

func encodeHello(t byte, ts uint32) []byte {
	b := make([]byte, helloSize)
	copy(b[0:4], helloMagic[:])
	b[4] = t
	binary.BigEndian.PutUint32(b[5:9], ts)
	return b
}

// decodeHello returns the packet type and timestamp. Packets not
// matching the magic belong to the application data stream and yield
// ok == false.
func decodeHello(b []byte) (t byte, ts uint32, ok bool) {
	if len(b) != helloSize {
		return 0, 0, false
	}
	if b[0] != helloMagic[0] || b[1] != helloMagic[1] ||
		b[2] != helloMagic[2] || b[3] != helloMagic[3] {
		return 0, 0, false
	}
	t = b[4]
	if t != helloRequest && t != helloResponse {
		return 0, 0, false
	}
	return t, binary.BigEndian.Uint32(b[5:9]), true
}
