package stun

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Message represents a single STUN packet.
//
// Raw is the only authoritative field: Type, Length, TransactionID
// and Attributes are views decoded from (or encoded into) Raw. A
// message being built keeps Raw and the views consistent via Add and
// SetType; a message being read is filled by Write.
type Message struct {
	Type          MessageType
	Length        uint32 // len(Raw) not including header
	TransactionID [TransactionIDSize]byte
	Attributes    Attributes
	Raw           []byte
}

// New returns *Message with pre-allocated Raw.
func New() *Message {
	const defaultRawCapacity = 120
	return &Message{
		Raw: make([]byte, messageHeaderSize, defaultRawCapacity),
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s l=%d attrs=%d id=%x",
		m.Type, m.Length, len(m.Attributes), m.TransactionID,
	)
}

// Reset resets Message length, attributes and underlying buffer.
func (m *Message) Reset() {
	m.Raw = m.Raw[:0]
	m.Length = 0
	m.Attributes = m.Attributes[:0]
}

// NewTransactionID sets m.TransactionID to random value from crypto/rand
// and writes it to Raw.
func (m *Message) NewTransactionID() error {
	if _, err := io.ReadFull(rand.Reader, m.TransactionID[:]); err != nil {
		return err
	}
	m.WriteTransactionID()
	return nil
}

// grow ensures that internal buffer will fit v more bytes and
// increases it capacity if necessary.
func (m *Message) grow(v int) {
	n := len(m.Raw) + v
	if n <= cap(m.Raw) {
		m.Raw = m.Raw[:n]
		return
	}
	b := make([]byte, n, n*2)
	copy(b, m.Raw)
	m.Raw = b
}

// WriteHeader writes header to underlying buffer. Not goroutine-safe.
func (m *Message) WriteHeader() {
	if len(m.Raw) < messageHeaderSize {
		m.grow(messageHeaderSize - len(m.Raw))
	}
	_ = m.Raw[:messageHeaderSize] // early bounds check

	bin.PutUint16(m.Raw[0:2], m.Type.Value())
	bin.PutUint16(m.Raw[2:4], uint16(m.Length))
	bin.PutUint32(m.Raw[4:8], magicCookie)
	copy(m.Raw[8:messageHeaderSize], m.TransactionID[:])
}

// WriteLength writes m.Length to Raw.
func (m *Message) WriteLength() {
	bin.PutUint16(m.Raw[2:4], uint16(m.Length))
}

// WriteTransactionID writes m.TransactionID to Raw.
func (m *Message) WriteTransactionID() {
	copy(m.Raw[8:messageHeaderSize], m.TransactionID[:])
}

// SetType sets m.Type and writes it to Raw.
func (m *Message) SetType(t MessageType) {
	m.Type = t
	if len(m.Raw) < messageHeaderSize {
		m.grow(messageHeaderSize - len(m.Raw))
	}
	bin.PutUint16(m.Raw[0:2], t.Value())
}

// Add appends new attribute to message, copying value. Not goroutine-safe.
//
// Value of attribute is padded to 4 bytes as required by RFC 5389, the
// padding bytes are zeroes and are counted in message length but not in
// attribute length.
func (m *Message) Add(t AttrType, v []byte) {
	// Allocating buffer for TLV (type-length-value).
	allocSize := attributeHeaderSize + len(v)
	first := messageHeaderSize + int(m.Length)
	last := first + allocSize
	m.grow(last - len(m.Raw))
	m.Raw = m.Raw[:last]
	m.Length += uint32(allocSize)

	// Encoding attribute TLV.
	buf := m.Raw[first:last]
	bin.PutUint16(buf[0:2], uint16(t))
	bin.PutUint16(buf[2:4], uint16(len(v)))
	copy(buf[attributeHeaderSize:], v)

	// Padding to 4 bytes.
	if padded := nearestPaddedLength(len(v)); padded != len(v) {
		bytesToAdd := padded - len(v)
		last += bytesToAdd
		m.grow(last - len(m.Raw))
		buf = m.Raw[last-bytesToAdd : last]
		for i := range buf {
			buf[i] = 0
		}
		m.Raw = m.Raw[:last]
		m.Length += uint32(bytesToAdd)
	}

	attr := RawAttribute{
		Type:   t,
		Length: uint16(len(v)),
		Value:  m.Raw[first+attributeHeaderSize : first+attributeHeaderSize+len(v)],
	}
	m.Attributes = append(m.Attributes, attr)
	m.WriteLength()
}

// Get returns byte slice that represents attribute value,
// if there is no attribute with such type,
// ErrAttributeNotFound error returned.
func (m *Message) Get(t AttrType) ([]byte, error) {
	v, ok := m.Attributes.Get(t)
	if !ok {
		return nil, ErrAttributeNotFound
	}
	return v.Value, nil
}

// Decoding errors.
var (
	// ErrUnexpectedHeaderEOF means that there were not enough bytes to
	// read header.
	ErrUnexpectedHeaderEOF = errors.New("unexpected EOF: not enough bytes to read header")
	// ErrInvalidMagicCookie means that magic cookie field has invalid value.
	ErrInvalidMagicCookie = errors.New("magic cookie value is invalid")
	// ErrDeclaredLengthOverrun means that the length declared in header
	// exceeds the number of bytes actually read.
	ErrDeclaredLengthOverrun = errors.New("declared length exceeds buffer")
)

// Write decodes message from byte slice, copying it to Raw.
func (m *Message) Write(b []byte) (int, error) {
	m.Raw = append(m.Raw[:0], b...)
	return len(b), m.Decode()
}

// Decode decodes m.Raw into m.
func (m *Message) Decode() error {
	buf := m.Raw
	if len(buf) < messageHeaderSize {
		return ErrUnexpectedHeaderEOF
	}
	var (
		t        = bin.Uint16(buf[0:2])
		size     = int(bin.Uint16(buf[2:4]))
		cookie   = bin.Uint32(buf[4:8])
		fullSize = messageHeaderSize + size
	)
	if cookie != magicCookie {
		return ErrInvalidMagicCookie
	}
	if len(buf) < fullSize {
		return ErrDeclaredLengthOverrun
	}
	m.Type.ReadValue(t)
	m.Length = uint32(size)
	copy(m.TransactionID[:], buf[8:messageHeaderSize])
	m.Attributes = m.Attributes[:0]

	var (
		offset = 0
		b      = buf[messageHeaderSize:fullSize]
	)
	for offset < size {
		// Checking that we have enough bytes to read attribute header.
		if len(b) < attributeHeaderSize {
			// Malformed attribute TLV: yield only what decoded so far.
			break
		}
		a := RawAttribute{
			Type:   AttrType(bin.Uint16(b[0:2])),
			Length: bin.Uint16(b[2:4]),
		}
		aL := int(a.Length)                // attribute length
		aBuffL := nearestPaddedLength(aL) // expected buffer length (with padding)
		b = b[attributeHeaderSize:]
		offset += attributeHeaderSize
		if len(b) < aBuffL {
			// Value declares more bytes than remain in buffer.
			break
		}
		a.Value = b[:aL]
		offset += aBuffL
		b = b[aBuffL:]
		m.Attributes = append(m.Attributes, a)
	}
	return nil
}

// Setter sets *Message attribute.
type Setter interface {
	AddTo(m *Message) error
}

// Getter parses attribute from *Message.
type Getter interface {
	GetFrom(m *Message) error
}

// Build resets message and applies setters to it in batch, returning on
// first error.
func (m *Message) Build(setters ...Setter) error {
	m.Reset()
	m.WriteHeader()
	for _, s := range setters {
		if err := s.AddTo(m); err != nil {
			return err
		}
	}
	return nil
}

// Parse applies getters to message in batch, returning on first error.
func (m *Message) Parse(getters ...Getter) error {
	for _, g := range getters {
		if err := g.GetFrom(m); err != nil {
			return err
		}
	}
	return nil
}

// Build wraps Message.Build for new message.
func Build(setters ...Setter) (*Message, error) {
	m := New()
	return m, m.Build(setters...)
}

// transactionIDSetter sets the transaction id of message to a new
// random value.
type transactionIDSetter struct{}

func (transactionIDSetter) AddTo(m *Message) error {
	return m.NewTransactionID()
}

// TransactionID is Setter for m.TransactionID.
var TransactionID Setter = transactionIDSetter{}

type transactionIDValueSetter [TransactionIDSize]byte

func (v transactionIDValueSetter) AddTo(m *Message) error {
	m.TransactionID = v
	m.WriteTransactionID()
	return nil
}

// NewTransactionIDSetter returns new Setter that sets message
// transaction id to provided value. Used by responders to echo the
// request transaction id.
func NewTransactionIDSetter(v [TransactionIDSize]byte) Setter {
	return transactionIDValueSetter(v)
}
