package stun

import "fmt"

// AttrType is attribute type.
type AttrType uint16

// Attribute types from RFC 5389 and RFC 5766.
const (
	AttrMappedAddress      AttrType = 0x0001
	AttrUsername           AttrType = 0x0006
	AttrMessageIntegrity   AttrType = 0x0008
	AttrErrorCode          AttrType = 0x0009
	AttrChannelNumber      AttrType = 0x000C
	AttrLifetime           AttrType = 0x000D
	AttrXORPeerAddress     AttrType = 0x0012
	AttrData               AttrType = 0x0013
	AttrRealm              AttrType = 0x0014
	AttrNonce              AttrType = 0x0015
	AttrXORRelayedAddress  AttrType = 0x0016
	AttrRequestedTransport AttrType = 0x0019
	AttrXORMappedAddress   AttrType = 0x0020
	AttrSoftware           AttrType = 0x8022
)

var attrNames = map[AttrType]string{
	AttrMappedAddress:      "MAPPED-ADDRESS",
	AttrUsername:           "USERNAME",
	AttrMessageIntegrity:   "MESSAGE-INTEGRITY",
	AttrErrorCode:          "ERROR-CODE",
	AttrChannelNumber:      "CHANNEL-NUMBER",
	AttrLifetime:           "LIFETIME",
	AttrXORPeerAddress:     "XOR-PEER-ADDRESS",
	AttrData:               "DATA",
	AttrRealm:              "REALM",
	AttrNonce:              "NONCE",
	AttrXORRelayedAddress:  "XOR-RELAYED-ADDRESS",
	AttrRequestedTransport: "REQUESTED-TRANSPORT",
	AttrXORMappedAddress:   "XOR-MAPPED-ADDRESS",
	AttrSoftware:           "SOFTWARE",
}

func (t AttrType) String() string {
	s, ok := attrNames[t]
	if !ok {
		return fmt.Sprintf("0x%x", uint16(t))
	}
	return s
}

const attributeHeaderSize = 4

// nearestPaddedLength returns the smallest multiple of 4 that is >= l.
func nearestPaddedLength(l int) int {
	n := 4 * (l / 4)
	if n < l {
		n += 4
	}
	return n
}

// RawAttribute is a Type-Length-Value triple as encoded on the wire.
// Value does not contain the padding bytes.
type RawAttribute struct {
	Type   AttrType
	Length uint16
	Value  []byte
}

func (a RawAttribute) String() string {
	return fmt.Sprintf("%s: %x", a.Type, a.Value)
}

// Attributes is list of message attributes.
type Attributes []RawAttribute

// Get returns first attribute from list by the type.
// If attribute is present the RawAttribute is returned and the
// boolean is true. Otherwise the returned RawAttribute will be
// empty and boolean will be false.
func (a Attributes) Get(t AttrType) (RawAttribute, bool) {
	for _, candidate := range a {
		if candidate.Type == t {
			return candidate, true
		}
	}
	return RawAttribute{}, false
}
