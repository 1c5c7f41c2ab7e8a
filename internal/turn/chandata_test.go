package turn

import (
	"bytes"
	"testing"
)

func TestChannelData_EncodeDecode(t *testing.T) {
	cd := &ChannelData{
		Number: 0x4000,
		Data:   []byte("ping"),
	}
	cd.Encode()
	if !IsChannelData(cd.Raw) {
		t.Error("encoded frame should be channel data")
	}
	decoded := &ChannelData{Raw: cd.Raw}
	if err := decoded.Decode(); err != nil {
		t.Fatal(err)
	}
	if decoded.Number != 0x4000 {
		t.Errorf("unexpected number %s", decoded.Number)
	}
	if !bytes.Equal(decoded.Data, []byte("ping")) {
		t.Errorf("unexpected data %q", decoded.Data)
	}
}

func TestChannelData_DecodeErrors(t *testing.T) {
	t.Run("Short", func(t *testing.T) {
		cd := &ChannelData{Raw: []byte{0x40}}
		if err := cd.Decode(); err == nil {
			t.Error("should error")
		}
	})
	t.Run("BadLength", func(t *testing.T) {
		raw := []byte{0x40, 0x00, 0x00, 0x08, 'p', 'i', 'n', 'g'}
		cd := &ChannelData{Raw: raw}
		if err := cd.Decode(); err != ErrBadChannelDataLength {
			t.Errorf("unexpected error %v", err)
		}
	})
	t.Run("BadNumber", func(t *testing.T) {
		raw := []byte{0x10, 0x00, 0x00, 0x04, 'p', 'i', 'n', 'g'}
		cd := &ChannelData{Raw: raw}
		if err := cd.Decode(); err != ErrInvalidChannelNumber {
			t.Errorf("unexpected error %v", err)
		}
	})
}

func TestIsChannelData(t *testing.T) {
	if IsChannelData([]byte{0x00, 0x01, 0x00, 0x00}) {
		t.Error("STUN header should not be channel data")
	}
	if !IsChannelData([]byte{0x40, 0x00, 0x00, 0x00}) {
		t.Error("0b01 prefix should be channel data")
	}
	if IsChannelData([]byte{0x40}) {
		t.Error("short buffer should not be channel data")
	}
}
