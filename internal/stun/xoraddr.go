package stun

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// Address families from RFC 5389 Section 15.1.
const (
	familyIPv4 uint16 = 0x01
	familyIPv6 uint16 = 0x02
)

// XORMappedAddress implements XOR-MAPPED-ADDRESS attribute.
//
// RFC 5389 Section 15.2
type XORMappedAddress struct {
	IP   net.IP
	Port int
}

func (a XORMappedAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// ErrUnsupportedFamily means that an address family other than IPv4 was
// encountered. This agent gathers IPv4 candidates only.
var ErrUnsupportedFamily = errors.New("address family is not supported")

// AddToAs adds XORMappedAddress with specified type t to m.
//
// Used to share the XOR address codec with XOR-PEER-ADDRESS and
// XOR-RELAYED-ADDRESS which have identical encoding.
func (a XORMappedAddress) AddToAs(m *Message, t AttrType) error {
	ip4 := a.IP.To4()
	if ip4 == nil {
		return ErrUnsupportedFamily
	}
	value := make([]byte, 8)
	// value[0] is zero (reserved).
	bin.PutUint16(value[0:2], familyIPv4)
	bin.PutUint16(value[2:4], uint16(a.Port)^uint16(magicCookie>>16))
	bin.PutUint32(value[4:8], bin.Uint32(ip4)^uint32(magicCookie))
	m.Add(t, value)
	return nil
}

// GetFromAs decodes XORMappedAddress attribute value in message m with
// specified type t.
func (a *XORMappedAddress) GetFromAs(m *Message, t AttrType) error {
	v, err := m.Get(t)
	if err != nil {
		return err
	}
	if len(v) < 8 {
		return errors.Errorf("%s value is too short: %d bytes", t, len(v))
	}
	if family := uint16(v[1]); family != familyIPv4 {
		return ErrUnsupportedFamily
	}
	a.Port = int(bin.Uint16(v[2:4]) ^ uint16(magicCookie>>16))
	ip := make(net.IP, net.IPv4len)
	bin.PutUint32(ip, bin.Uint32(v[4:8])^uint32(magicCookie))
	a.IP = ip
	return nil
}

// AddTo adds XOR-MAPPED-ADDRESS to m.
func (a XORMappedAddress) AddTo(m *Message) error {
	return a.AddToAs(m, AttrXORMappedAddress)
}

// GetFrom decodes XOR-MAPPED-ADDRESS attribute in message.
func (a *XORMappedAddress) GetFrom(m *Message) error {
	return a.GetFromAs(m, AttrXORMappedAddress)
}
