package stun

import (
	"net"
	"testing"
)

func TestXORMappedAddress_RoundTrip(t *testing.T) {
	m, err := Build(TransactionID, BindingSuccess, XORMappedAddress{
		IP:   net.IPv4(203, 0, 113, 5),
		Port: 41234,
	})
	if err != nil {
		t.Fatal(err)
	}
	decoded := New()
	if _, err = decoded.Write(m.Raw); err != nil {
		t.Fatal(err)
	}
	var got XORMappedAddress
	if err = got.GetFrom(decoded); err != nil {
		t.Fatal(err)
	}
	if !got.IP.Equal(net.IPv4(203, 0, 113, 5)) {
		t.Errorf("unexpected ip %s", got.IP)
	}
	if got.Port != 41234 {
		t.Errorf("unexpected port %d", got.Port)
	}
}

func TestXORMappedAddress_WireFormat(t *testing.T) {
	m, err := Build(TransactionID, BindingSuccess, XORMappedAddress{
		IP:   net.IPv4(203, 0, 113, 5),
		Port: 41234,
	})
	if err != nil {
		t.Fatal(err)
	}
	v, err := m.Get(AttrXORMappedAddress)
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 8 {
		t.Fatalf("unexpected value length %d", len(v))
	}
	if v[1] != 0x01 {
		t.Errorf("unexpected family 0x%02x", v[1])
	}
	// Port is XORed with the 16 topmost bits of the magic cookie.
	if port := bin.Uint16(v[2:4]) ^ 0x2112; port != 41234 {
		t.Errorf("unexpected port %d", port)
	}
	if ip := bin.Uint32(v[4:8]) ^ 0x2112A442; ip != 0xCB007105 {
		t.Errorf("unexpected ip 0x%08x", ip)
	}
}

func TestXORMappedAddress_Errors(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		m, err := Build(TransactionID, BindingSuccess)
		if err != nil {
			t.Fatal(err)
		}
		var a XORMappedAddress
		if err = a.GetFrom(m); err != ErrAttributeNotFound {
			t.Errorf("unexpected error %v", err)
		}
	})
	t.Run("IPv6", func(t *testing.T) {
		m := New()
		m.WriteHeader()
		a := XORMappedAddress{IP: net.ParseIP("2001:db8::1"), Port: 80}
		if err := a.AddTo(m); err != ErrUnsupportedFamily {
			t.Errorf("unexpected error %v", err)
		}
	})
	t.Run("ShortValue", func(t *testing.T) {
		m := New()
		m.WriteHeader()
		m.Add(AttrXORMappedAddress, []byte{0, 1, 2})
		var a XORMappedAddress
		if err := a.GetFrom(m); err == nil {
			t.Error("should error")
		}
	})
}
