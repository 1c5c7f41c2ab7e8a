// Package turn implements the RFC 5766 TURN client used by the NAT
// traversal agent: allocation with long-term credentials, refresh,
// permissions, channel binding and the relay data path.
package turn

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/raydienull/subsystem-ice/internal/stun"
)

// bin is shorthand for binary.BigEndian.
var bin = binary.BigEndian

// DefaultPort for TURN is same as STUN.
const DefaultPort = stun.DefaultPort

// Message types from RFC 5766.
var (
	AllocateRequest         = stun.NewType(stun.MethodAllocate, stun.ClassRequest)
	AllocateSuccess         = stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse)
	AllocateError           = stun.NewType(stun.MethodAllocate, stun.ClassErrorResponse)
	RefreshRequest          = stun.NewType(stun.MethodRefresh, stun.ClassRequest)
	RefreshSuccess          = stun.NewType(stun.MethodRefresh, stun.ClassSuccessResponse)
	RefreshError            = stun.NewType(stun.MethodRefresh, stun.ClassErrorResponse)
	CreatePermissionRequest = stun.NewType(stun.MethodCreatePermission, stun.ClassRequest)
	CreatePermissionSuccess = stun.NewType(stun.MethodCreatePermission, stun.ClassSuccessResponse)
	CreatePermissionError   = stun.NewType(stun.MethodCreatePermission, stun.ClassErrorResponse)
	ChannelBindRequest      = stun.NewType(stun.MethodChannelBind, stun.ClassRequest)
	ChannelBindSuccess      = stun.NewType(stun.MethodChannelBind, stun.ClassSuccessResponse)
	ChannelBindError        = stun.NewType(stun.MethodChannelBind, stun.ClassErrorResponse)
	SendIndication          = stun.NewType(stun.MethodSend, stun.ClassIndication)
	DataIndication          = stun.NewType(stun.MethodData, stun.ClassIndication)
)

// BadAttrLength means that length for attribute is invalid.
type BadAttrLength struct {
	Attr     stun.AttrType
	Got      int
	Expected int
}

func (e BadAttrLength) Error() string {
	return fmt.Sprintf("incorrect length for %s: got %d, expected %d",
		e.Attr, e.Got, e.Expected,
	)
}

// Protocol is IANA assigned protocol number.
type Protocol byte

// ProtoUDP is IANA assigned protocol number for UDP.
const ProtoUDP Protocol = 17

func (p Protocol) String() string {
	switch p {
	case ProtoUDP:
		return "UDP"
	default:
		return strconv.Itoa(int(p))
	}
}

// RequestedTransport represents REQUESTED-TRANSPORT attribute.
//
// RFC 5766 Section 14.7
type RequestedTransport struct {
	Protocol Protocol
}

const requestedTransportSize = 4

// RequestedTransportUDP is setter for requested transport attribute with
// UDP protocol.
var RequestedTransportUDP = RequestedTransport{Protocol: ProtoUDP}

// AddTo adds REQUESTED-TRANSPORT to message.
func (t RequestedTransport) AddTo(m *stun.Message) error {
	v := make([]byte, requestedTransportSize)
	v[0] = byte(t.Protocol)
	// v[1:4] are RFFU = 0.
	m.Add(stun.AttrRequestedTransport, v)
	return nil
}

// GetFrom decodes REQUESTED-TRANSPORT from message.
func (t *RequestedTransport) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrRequestedTransport)
	if err != nil {
		return err
	}
	if len(v) != requestedTransportSize {
		return &BadAttrLength{
			Attr:     stun.AttrRequestedTransport,
			Got:      len(v),
			Expected: requestedTransportSize,
		}
	}
	t.Protocol = Protocol(v[0])
	return nil
}

// DefaultLifetime is the allocation lifetime the server reports when
// the request does not ask for another one.
const DefaultLifetime = 600 * time.Second

// Lifetime represents LIFETIME attribute.
//
// RFC 5766 Section 14.2
type Lifetime struct {
	Duration time.Duration
}

func (l Lifetime) String() string {
	return l.Duration.String()
}

const lifetimeSize = 4

// AddTo adds LIFETIME to message.
func (l Lifetime) AddTo(m *stun.Message) error {
	v := make([]byte, lifetimeSize)
	bin.PutUint32(v, uint32(l.Duration.Seconds()))
	m.Add(stun.AttrLifetime, v)
	return nil
}

// GetFrom decodes LIFETIME from message.
func (l *Lifetime) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrLifetime)
	if err != nil {
		return err
	}
	if len(v) != lifetimeSize {
		return &BadAttrLength{
			Attr:     stun.AttrLifetime,
			Got:      len(v),
			Expected: lifetimeSize,
		}
	}
	l.Duration = time.Duration(bin.Uint32(v)) * time.Second
	return nil
}

// ChannelNumber represents CHANNEL-NUMBER attribute, encoded as uint16.
//
// RFC 5766 Section 14.1
type ChannelNumber uint16

func (n ChannelNumber) String() string { return strconv.Itoa(int(n)) }

// Allowed channel numbers, RFC 5766 Section 11.
const (
	MinChannelNumber ChannelNumber = 0x4000
	MaxChannelNumber ChannelNumber = 0x7FFF
)

// Valid returns true if n is in the allowed channel number range.
func (n ChannelNumber) Valid() bool {
	return n >= MinChannelNumber && n <= MaxChannelNumber
}

// ErrInvalidChannelNumber means that channel number is not valid as by
// RFC 5766 Section 11.
var ErrInvalidChannelNumber = errors.New("channel number not in [0x4000, 0x7FFF]")

// 16 bits of uint + 16 bits of RFFU = 0.
const channelNumberSize = 4

// AddTo adds CHANNEL-NUMBER to message.
func (n ChannelNumber) AddTo(m *stun.Message) error {
	v := make([]byte, channelNumberSize)
	bin.PutUint16(v[:2], uint16(n))
	// v[2:4] are zeroes (RFFU = 0)
	m.Add(stun.AttrChannelNumber, v)
	return nil
}

// GetFrom decodes CHANNEL-NUMBER from message.
func (n *ChannelNumber) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrChannelNumber)
	if err != nil {
		return err
	}
	if len(v) != channelNumberSize {
		return &BadAttrLength{
			Attr:     stun.AttrChannelNumber,
			Got:      len(v),
			Expected: channelNumberSize,
		}
	}
	*n = ChannelNumber(bin.Uint16(v[:2]))
	return nil
}

// PeerAddress implements XOR-PEER-ADDRESS attribute.
//
// RFC 5766 Section 14.3
type PeerAddress struct {
	IP   net.IP
	Port int
}

func (a PeerAddress) String() string {
	return stun.XORMappedAddress(a).String()
}

// AddTo adds XOR-PEER-ADDRESS to message.
func (a PeerAddress) AddTo(m *stun.Message) error {
	return stun.XORMappedAddress(a).AddToAs(m, stun.AttrXORPeerAddress)
}

// GetFrom decodes XOR-PEER-ADDRESS from message.
func (a *PeerAddress) GetFrom(m *stun.Message) error {
	return (*stun.XORMappedAddress)(a).GetFromAs(m, stun.AttrXORPeerAddress)
}

// RelayedAddress implements XOR-RELAYED-ADDRESS attribute.
//
// RFC 5766 Section 14.5
type RelayedAddress struct {
	IP   net.IP
	Port int
}

func (a RelayedAddress) String() string {
	return stun.XORMappedAddress(a).String()
}

// AddTo adds XOR-RELAYED-ADDRESS to message.
func (a RelayedAddress) AddTo(m *stun.Message) error {
	return stun.XORMappedAddress(a).AddToAs(m, stun.AttrXORRelayedAddress)
}

// GetFrom decodes XOR-RELAYED-ADDRESS from message.
func (a *RelayedAddress) GetFrom(m *stun.Message) error {
	return (*stun.XORMappedAddress)(a).GetFromAs(m, stun.AttrXORRelayedAddress)
}

// Data represents DATA attribute.
//
// RFC 5766 Section 14.4
type Data []byte

// AddTo adds DATA to message.
func (d Data) AddTo(m *stun.Message) error {
	m.Add(stun.AttrData, d)
	return nil
}

// GetFrom decodes DATA from message.
func (d *Data) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrData)
	if err != nil {
		return err
	}
	*d = v
	return nil
}
