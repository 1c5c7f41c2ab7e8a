package stun

import (
	"bytes"
	"testing"
)

func TestMessage_BuildDecode(t *testing.T) {
	m, err := Build(TransactionID, BindingRequest,
		NewUsername("user"),
		NewRealm("realm.example.org"),
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Raw) != messageHeaderSize+int(m.Length) {
		t.Errorf("length field %d does not cover %d attribute bytes",
			m.Length, len(m.Raw)-messageHeaderSize,
		)
	}
	decoded := New()
	if _, err = decoded.Write(m.Raw); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != BindingRequest {
		t.Errorf("unexpected type %s", decoded.Type)
	}
	if decoded.TransactionID != m.TransactionID {
		t.Error("transaction id mismatch")
	}
	var u Username
	if err = u.GetFrom(decoded); err != nil {
		t.Fatal(err)
	}
	if u.String() != "user" {
		t.Errorf("unexpected username %s", u)
	}
	var r Realm
	if err = r.GetFrom(decoded); err != nil {
		t.Fatal(err)
	}
	if r.String() != "realm.example.org" {
		t.Errorf("unexpected realm %s", r)
	}
}

func TestMessage_AttributePadding(t *testing.T) {
	// Attribute values of every remainder class must land on 4-byte
	// boundaries.
	for _, v := range []string{"a", "ab", "abc", "abcd", "abcde"} {
		m, err := Build(TransactionID, BindingRequest, NewUsername(v))
		if err != nil {
			t.Fatal(err)
		}
		if int(m.Length)%4 != 0 {
			t.Errorf("length %d for value %q is not padded", m.Length, v)
		}
		decoded := New()
		if _, err = decoded.Write(m.Raw); err != nil {
			t.Fatal(err)
		}
		var u Username
		if err = u.GetFrom(decoded); err != nil {
			t.Fatal(err)
		}
		if u.String() != v {
			t.Errorf("got %q, want %q", u, v)
		}
	}
}

func TestMessage_DecodeErrors(t *testing.T) {
	t.Run("ShortHeader", func(t *testing.T) {
		m := New()
		if _, err := m.Write(make([]byte, 12)); err != ErrUnexpectedHeaderEOF {
			t.Errorf("unexpected error %v", err)
		}
	})
	t.Run("BadCookie", func(t *testing.T) {
		raw := make([]byte, messageHeaderSize)
		m := New()
		if _, err := m.Write(raw); err != ErrInvalidMagicCookie {
			t.Errorf("unexpected error %v", err)
		}
	})
	t.Run("DeclaredLengthOverrun", func(t *testing.T) {
		good, err := Build(TransactionID, BindingRequest, NewUsername("user"))
		if err != nil {
			t.Fatal(err)
		}
		raw := append([]byte(nil), good.Raw...)
		bin.PutUint16(raw[2:4], uint16(len(raw))) // declares more than present
		m := New()
		if _, err := m.Write(raw); err != ErrDeclaredLengthOverrun {
			t.Errorf("unexpected error %v", err)
		}
	})
	t.Run("TruncatedAttribute", func(t *testing.T) {
		// Attribute header declares 8 value bytes but only the header
		// fits in the declared length: the walk yields no attributes.
		raw := make([]byte, messageHeaderSize+4)
		bin.PutUint16(raw[0:2], BindingSuccess.Value())
		bin.PutUint16(raw[2:4], 4)
		bin.PutUint32(raw[4:8], magicCookie)
		bin.PutUint16(raw[20:22], uint16(AttrUsername))
		bin.PutUint16(raw[22:24], 8)
		m := New()
		if _, err := m.Write(raw); err != nil {
			t.Fatal(err)
		}
		if len(m.Attributes) != 0 {
			t.Errorf("malformed buffer yielded %d attributes", len(m.Attributes))
		}
	})
}

func TestMessageType_Value(t *testing.T) {
	for _, tc := range []struct {
		Type  MessageType
		Value uint16
	}{
		{BindingRequest, 0x0001},
		{BindingSuccess, 0x0101},
		{BindingError, 0x0111},
		{NewType(MethodAllocate, ClassRequest), 0x0003},
		{NewType(MethodAllocate, ClassSuccessResponse), 0x0103},
		{NewType(MethodAllocate, ClassErrorResponse), 0x0113},
		{NewType(MethodRefresh, ClassRequest), 0x0004},
		{NewType(MethodCreatePermission, ClassRequest), 0x0008},
		{NewType(MethodChannelBind, ClassRequest), 0x0009},
		{NewType(MethodSend, ClassIndication), 0x0016},
		{NewType(MethodData, ClassIndication), 0x0017},
	} {
		t.Run(tc.Type.String(), func(t *testing.T) {
			if v := tc.Type.Value(); v != tc.Value {
				t.Errorf("got 0x%04x, want 0x%04x", v, tc.Value)
			}
			var decoded MessageType
			decoded.ReadValue(tc.Value)
			if decoded != tc.Type {
				t.Errorf("got %s, want %s", decoded, tc.Type)
			}
		})
	}
}

func TestIsMessage(t *testing.T) {
	m, err := Build(TransactionID, BindingRequest)
	if err != nil {
		t.Fatal(err)
	}
	if !IsMessage(m.Raw) {
		t.Error("should be a message")
	}
	if IsMessage(m.Raw[:10]) {
		t.Error("short buffer should not be a message")
	}
	chanData := append([]byte{0x40, 0x00}, m.Raw[2:]...)
	if IsMessage(chanData) {
		t.Error("channel data should not be a message")
	}
}

func TestMessage_TransactionIDSetter(t *testing.T) {
	var id [TransactionIDSize]byte
	copy(id[:], bytes.Repeat([]byte{0xAB}, TransactionIDSize))
	m, err := Build(NewTransactionIDSetter(id), BindingSuccess)
	if err != nil {
		t.Fatal(err)
	}
	if m.TransactionID != id {
		t.Error("transaction id not set")
	}
	if !bytes.Equal(m.Raw[8:20], id[:]) {
		t.Error("transaction id not written to raw")
	}
}
