package stun

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/raydienull/subsystem-ice/internal/transport"
)

// requestTimeout bounds one binding round-trip.
const requestTimeout = 5 * time.Second

// responseBufferSize is the inbound control message buffer size.
const responseBufferSize = 1024

// Probe sends a Binding Request to server ("host" or "host:port",
// default port 3478) over a transient socket and returns the
// server-reflexive transport address from the first well-formed
// XOR-MAPPED-ADDRESS attribute of the response.
func Probe(log *zap.Logger, server string) (string, int, error) {
	serverAddr, err := transport.Resolve(server, DefaultPort)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to resolve server")
	}
	conn, err := transport.Listen(log, "0.0.0.0:0", false)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to create socket")
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			log.Warn("failed to close probe socket", zap.Error(closeErr))
		}
	}()

	req, err := Build(TransactionID, BindingRequest)
	if err != nil {
		return "", 0, err
	}
	if err = conn.WriteTo(req.Raw, serverAddr); err != nil {
		return "", 0, err
	}

	buf := make([]byte, responseBufferSize)
	n, _, err := conn.ReadTimeout(buf, requestTimeout)
	if err != nil {
		return "", 0, errors.Wrap(err, "no response")
	}
	res := New()
	if _, err = res.Write(buf[:n]); err != nil {
		return "", 0, errors.Wrap(err, "malformed response")
	}
	if res.Type != BindingSuccess {
		return "", 0, errors.Errorf("unexpected response type %s", res.Type)
	}
	if res.TransactionID != req.TransactionID {
		return "", 0, errors.New("transaction id mismatch")
	}
	var mapped XORMappedAddress
	if err = mapped.GetFrom(res); err != nil {
		return "", 0, errors.Wrap(err, "no mapped address")
	}
	log.Debug("discovered reflexive address",
		zap.Stringer("addr", mapped),
		zap.String("server", server),
	)
	return mapped.IP.String(), mapped.Port, nil
}
