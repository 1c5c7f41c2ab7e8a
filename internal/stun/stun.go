// Package stun implements the subset of Session Traversal Utilities for
// NAT (STUN) RFC 5389 needed by the NAT traversal agent: message encoding
// and decoding, XOR address attributes, long-term credential message
// integrity, and a binding probe client.
package stun

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// bin is shorthand for binary.BigEndian.
var bin = binary.BigEndian

const (
	// magicCookie is the fixed value that aids in distinguishing STUN
	// packets from packets of other protocols, in network byte order.
	magicCookie = 0x2112A442

	// TransactionIDSize is length of transaction id in bytes.
	TransactionIDSize = 12

	// messageHeaderSize is length of STUN message header in bytes.
	messageHeaderSize = 20

	// DefaultPort is IANA assigned port for "stun" protocol.
	DefaultPort = 3478
)

// MessageClass is 8-bit representation of 2-bit class of STUN Message Class.
type MessageClass byte

// Possible values for message class in STUN Message Type.
const (
	ClassRequest         MessageClass = 0x00
	ClassIndication      MessageClass = 0x01
	ClassSuccessResponse MessageClass = 0x02
	ClassErrorResponse   MessageClass = 0x03
)

func (c MessageClass) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassIndication:
		return "indication"
	case ClassSuccessResponse:
		return "success response"
	case ClassErrorResponse:
		return "error response"
	default:
		return "unknown class"
	}
}

// Method is uint16 representation of 12-bit STUN method.
type Method uint16

// Methods from RFC 5389 and RFC 5766.
const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

var methodName = map[Method]string{
	MethodBinding:          "binding",
	MethodAllocate:         "allocate",
	MethodRefresh:          "refresh",
	MethodSend:             "send",
	MethodData:             "data",
	MethodCreatePermission: "create permission",
	MethodChannelBind:      "channel bind",
}

func (m Method) String() string {
	s, ok := methodName[m]
	if !ok {
		return "unknown method"
	}
	return s
}

// MessageType is STUN Message Type Field.
type MessageType struct {
	Method Method
	Class  MessageClass
}

const (
	methodABits = 0xf   // 0b0000000000001111
	methodBBits = 0x70  // 0b0000000001110000
	methodDBits = 0xf80 // 0b0000111110000000

	methodBShift = 1
	methodDShift = 2

	firstBit  = 0x1
	secondBit = 0x2

	c0Bit = firstBit
	c1Bit = secondBit

	classC0Shift = 4
	classC1Shift = 7
)

// Value returns bit representation of messageType.
func (t MessageType) Value() uint16 {
	m := uint16(t.Method)
	a := m & methodABits
	b := m & methodBBits
	d := m & methodDBits

	// Shifting to add "holes" for C0 (at 4 bit) and C1 (8 bit).
	m = a + (b << methodBShift) + (d << methodDShift)

	// C0 is zero bit of C, C1 is first bit.
	c := uint16(t.Class)
	c0 := (c & c0Bit) << classC0Shift
	c1 := (c & c1Bit) << classC1Shift
	class := c0 + c1

	return m + class
}

// ReadValue decodes uint16 into MessageType.
func (t *MessageType) ReadValue(v uint16) {
	c0 := (v >> classC0Shift) & c0Bit
	c1 := (v >> classC1Shift) & c1Bit
	t.Class = MessageClass(c0 + c1)

	a := v & methodABits
	b := (v >> methodBShift) & methodBBits
	d := (v >> methodDShift) & methodDBits
	t.Method = Method(a + b + d)
}

// AddTo sets m type to t.
func (t MessageType) AddTo(m *Message) error {
	m.SetType(t)
	return nil
}

func (t MessageType) String() string {
	return t.Method.String() + " " + t.Class.String()
}

// NewType returns new message type with provided method and class.
func NewType(method Method, class MessageClass) MessageType {
	return MessageType{
		Method: method,
		Class:  class,
	}
}

// Common STUN message types.
var (
	// BindingRequest is message type 0x0001.
	BindingRequest = NewType(MethodBinding, ClassRequest)
	// BindingSuccess is message type 0x0101.
	BindingSuccess = NewType(MethodBinding, ClassSuccessResponse)
	// BindingError is message type 0x0111.
	BindingError = NewType(MethodBinding, ClassErrorResponse)
)

// IsMessage returns true if b looks like STUN message.
// Useful for multiplexing with ChannelData: the two topmost
// bits of the first byte are zero for STUN.
func IsMessage(b []byte) bool {
	return len(b) >= messageHeaderSize &&
		b[0]&0xC0 == 0 &&
		bin.Uint32(b[4:8]) == magicCookie
}

// ErrAttributeNotFound means that there is no such attribute in message.
var ErrAttributeNotFound = errors.New("attribute not found")
