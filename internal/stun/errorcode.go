package stun

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode is code for ERROR-CODE attribute.
type ErrorCode int

// Error codes from RFC 5389 and RFC 5766.
const (
	CodeBadRequest       ErrorCode = 400
	CodeUnauthorized     ErrorCode = 401
	CodeStaleNonce       ErrorCode = 438
	CodeServerError      ErrorCode = 500
	CodeInsufficientCap  ErrorCode = 508
	CodeWrongCredentials ErrorCode = 441
)

var errorReasons = map[ErrorCode]string{
	CodeBadRequest:       "Bad Request",
	CodeUnauthorized:     "Unauthorized",
	CodeStaleNonce:       "Stale Nonce",
	CodeServerError:      "Server Error",
	CodeInsufficientCap:  "Insufficient Capacity",
	CodeWrongCredentials: "Wrong Credentials",
}

// AddTo adds ERROR-CODE with default reason to m.
func (c ErrorCode) AddTo(m *Message) error {
	reason, ok := errorReasons[c]
	if !ok {
		return errors.Errorf("error code %d has no default reason", c)
	}
	a := &ErrorCodeAttribute{
		Code:   c,
		Reason: []byte(reason),
	}
	return a.AddTo(m)
}

// ErrorCodeAttribute represents ERROR-CODE attribute.
//
// RFC 5389 Section 15.6
type ErrorCodeAttribute struct {
	Code   ErrorCode
	Reason []byte
}

func (c ErrorCodeAttribute) String() string {
	return fmt.Sprintf("%d: %s", c.Code, c.Reason)
}

const errorCodeHeaderSize = 4

const (
	errorCodeClassByte  = 2
	errorCodeNumberByte = 3
	errorCodeModulo     = 100
)

// AddTo adds ERROR-CODE attribute to m.
func (c ErrorCodeAttribute) AddTo(m *Message) error {
	value := make([]byte, 0, errorCodeHeaderSize+len(c.Reason))
	var (
		class  = byte(uint16(c.Code) / errorCodeModulo) // hundreds
		number = byte(uint16(c.Code) % errorCodeModulo)
	)
	value = append(value, 0, 0, class, number)
	value = append(value, c.Reason...)
	m.Add(AttrErrorCode, value)
	return nil
}

// GetFrom decodes ERROR-CODE from m.
func (c *ErrorCodeAttribute) GetFrom(m *Message) error {
	v, err := m.Get(AttrErrorCode)
	if err != nil {
		return err
	}
	if len(v) < errorCodeHeaderSize {
		return errors.New("error code value is too short")
	}
	var (
		class  = uint16(v[errorCodeClassByte] & 0x07)
		number = uint16(v[errorCodeNumberByte])
	)
	c.Code = ErrorCode(class*errorCodeModulo + number)
	c.Reason = v[errorCodeHeaderSize:]
	return nil
}
