package turn

import (
	"io"

	"github.com/pkg/errors"
)

// channelDataHeaderSize is the ChannelNumber(2) + Length(2) prefix.
const channelDataHeaderSize = 4

// ChannelData represents the ChannelData Message.
//
// See RFC 5766 Section 11.4
type ChannelData struct {
	Number ChannelNumber
	Data   []byte // can be subslice of Raw
	Raw    []byte
}

// IsChannelData reports whether b looks like a ChannelData message:
// the two topmost bits of the first byte are 0b01.
func IsChannelData(b []byte) bool {
	return len(b) >= channelDataHeaderSize && b[0]&0xC0 == 0x40
}

// Encode encodes ChannelData message to Raw.
func (c *ChannelData) Encode() {
	c.Raw = c.Raw[:0]
	header := make([]byte, channelDataHeaderSize)
	bin.PutUint16(header[0:2], uint16(c.Number))
	bin.PutUint16(header[2:4], uint16(len(c.Data)))
	c.Raw = append(c.Raw, header...)
	c.Raw = append(c.Raw, c.Data...)
}

// ErrBadChannelDataLength means that channel data length is not equal
// to actual data length.
var ErrBadChannelDataLength = errors.New("channelData length != len(Data)")

// Decode decodes the ChannelData message from Raw.
func (c *ChannelData) Decode() error {
	buf := c.Raw
	if len(buf) < channelDataHeaderSize {
		return io.ErrUnexpectedEOF
	}
	c.Number = ChannelNumber(bin.Uint16(buf[0:2]))
	l := int(bin.Uint16(buf[2:4]))
	c.Data = buf[channelDataHeaderSize:]
	if l != len(c.Data) {
		return ErrBadChannelDataLength
	}
	if !c.Number.Valid() {
		return ErrInvalidChannelNumber
	}
	return nil
}
