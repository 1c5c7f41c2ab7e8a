package stun

import (
	"crypto/hmac"
	"crypto/md5"  // #nosec
	"crypto/sha1" // #nosec
	"fmt"

	"github.com/pkg/errors"
)

// separator for credentials.
const credentialsSep = ":"

// MessageIntegrity represents MESSAGE-INTEGRITY attribute.
//
// AddTo and Check implement the long-term credential mechanism from
// RFC 5389 Section 10.2: the HMAC-SHA1 key is the MD5 hash of
// username, realm and password joined by colons.
type MessageIntegrity []byte

// NewLongTermIntegrity returns new MessageIntegrity with key derived
// from username, realm and password: MD5(username ":" realm ":" password).
func NewLongTermIntegrity(username, realm, password string) MessageIntegrity {
	k := username + credentialsSep + realm + credentialsSep + password
	// #nosec: MD5 key derivation is mandated by RFC 5389.
	h := md5.Sum([]byte(k))
	return MessageIntegrity(h[:])
}

// NewShortTermIntegrity returns new MessageIntegrity with key equal to
// password.
func NewShortTermIntegrity(password string) MessageIntegrity {
	return MessageIntegrity(password)
}

func (i MessageIntegrity) String() string {
	return fmt.Sprintf("KEY: 0x%x", []byte(i))
}

const messageIntegritySize = 20 // HMAC-SHA1

func newHMAC(key, message []byte) []byte {
	// #nosec: SHA1 is mandated by RFC 5389 for MESSAGE-INTEGRITY.
	mac := hmac.New(sha1.New, key)
	if _, err := mac.Write(message); err != nil {
		panic(err) // hash.Hash.Write never fails
	}
	return mac.Sum(nil)
}

// AddTo adds MESSAGE-INTEGRITY attribute to message.
//
// Before the HMAC is computed the header length field is rewritten to
// cover the MESSAGE-INTEGRITY TLV itself, per RFC 5389 Section 15.4.
// The adjusted value stays in the encoded message: appending the 24
// byte TLV brings the real length to exactly that value, so the field
// must not be rewritten afterwards.
func (i MessageIntegrity) AddTo(m *Message) error {
	length := m.Length
	m.Length += messageIntegritySize + attributeHeaderSize
	m.WriteLength()
	v := newHMAC(i, m.Raw)
	m.Length = length
	m.Add(AttrMessageIntegrity, v)
	return nil
}

// ErrIntegrityMismatch means that computed HMAC differs from expected.
var ErrIntegrityMismatch = errors.New("integrity check failed")

// Check checks MESSAGE-INTEGRITY attribute.
//
// The HMAC covers the header (with the length field adjusted to end at
// the MESSAGE-INTEGRITY TLV) and every attribute preceding it.
func (i MessageIntegrity) Check(m *Message) error {
	v, err := m.Get(AttrMessageIntegrity)
	if err != nil {
		return err
	}
	if len(v) != messageIntegritySize {
		return errors.Errorf("invalid integrity value length %d", len(v))
	}
	// Locating the start of the MESSAGE-INTEGRITY TLV in Raw.
	offset := messageHeaderSize
	for offset+attributeHeaderSize <= len(m.Raw) {
		t := AttrType(bin.Uint16(m.Raw[offset : offset+2]))
		l := int(bin.Uint16(m.Raw[offset+2 : offset+4]))
		if t == AttrMessageIntegrity {
			break
		}
		offset += attributeHeaderSize + nearestPaddedLength(l)
	}
	if offset+attributeHeaderSize+messageIntegritySize > len(m.Raw) {
		return ErrAttributeNotFound
	}

	// HMAC is computed with the length field covering up to and
	// including the integrity TLV.
	adjusted := offset - messageHeaderSize + attributeHeaderSize + messageIntegritySize
	savedLength := bin.Uint16(m.Raw[2:4])
	bin.PutUint16(m.Raw[2:4], uint16(adjusted))
	expected := newHMAC(i, m.Raw[:offset])
	bin.PutUint16(m.Raw[2:4], savedLength)

	if !hmac.Equal(expected, v) {
		return ErrIntegrityMismatch
	}
	return nil
}
