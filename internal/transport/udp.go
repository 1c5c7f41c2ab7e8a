// Package transport wraps bound UDP sockets with the timed and
// non-blocking receive primitives the agent needs.
package transport

import (
	"net"
	"strconv"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrTimeout is returned by ReadTimeout when no datagram arrived
// within the wait window.
var ErrTimeout = errors.New("read timed out")

// Conn is a bound UDP socket. All reads consume at most one datagram.
type Conn struct {
	log  *zap.Logger
	conn net.PacketConn
}

// Listen binds a UDP socket on laddr. When reusePort is set and the
// platform supports it, the socket is opened with address reuse;
// failure to do so falls back to a plain socket.
func Listen(log *zap.Logger, laddr string, reusePort bool) (*Conn, error) {
	var (
		c   net.PacketConn
		err error
	)
	if reusePort && reuseport.Available() {
		c, err = reuseport.ListenPacket("udp4", laddr)
		if err != nil {
			// Sometimes reuseport.Available() can be true, but for a
			// subset of interfaces it is not available.
			reusePortErr := err
			c, err = net.ListenPacket("udp4", laddr)
			if err == nil {
				log.Warn("failed to use REUSEPORT, falling back to non-reuseport",
					zap.Error(reusePortErr),
				)
			}
		}
	} else {
		c, err = net.ListenPacket("udp4", laddr)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to listen")
	}
	return &Conn{log: log, conn: c}, nil
}

// LocalAddr returns the bound local address. The port is the one
// assigned by the OS when the socket was bound with port zero.
func (c *Conn) LocalAddr() *net.UDPAddr {
	a, ok := c.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return &net.UDPAddr{}
	}
	return a
}

// WriteTo sends one datagram to addr. Partial writes are reported as
// failure.
func (c *Conn) WriteTo(b []byte, addr *net.UDPAddr) error {
	n, err := c.conn.WriteTo(b, addr)
	if err != nil {
		return errors.Wrap(err, "send failed")
	}
	if n != len(b) {
		return errors.Errorf("short write: %d of %d bytes", n, len(b))
	}
	return nil
}

// ReadTimeout waits for a datagram for at most d and reads it into b.
// Returns ErrTimeout when the wait window elapses.
func (c *Conn) ReadTimeout(b []byte, d time.Duration) (int, *net.UDPAddr, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return 0, nil, err
	}
	n, addr, err := c.conn.ReadFrom(b)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return 0, nil, ErrTimeout
		}
		return 0, nil, errors.Wrap(err, "recv failed")
	}
	udpAddr, _ := addr.(*net.UDPAddr)
	return n, udpAddr, nil
}

// TryRead reads one datagram, waiting at most one millisecond. A
// deadline already in the past makes the runtime fail the read before
// looking at the socket, so a short positive window stands in for a
// true non-blocking receive. The boolean reports whether a datagram
// was read.
func (c *Conn) TryRead(b []byte) (int, *net.UDPAddr, bool) {
	n, addr, err := c.ReadTimeout(b, time.Millisecond)
	if err != nil {
		return 0, nil, false
	}
	return n, addr, true
}

// Close releases the socket. Safe to call on nil receiver.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	return c.conn.Close()
}

// Resolve parses "host" or "host:port" and resolves the host to an
// IPv4 address, using defaultPort when no port is given.
func Resolve(server string, defaultPort int) (*net.UDPAddr, error) {
	host := server
	port := defaultPort
	if h, p, err := net.SplitHostPort(server); err == nil {
		host = h
		parsed, parseErr := strconv.Atoi(p)
		if parseErr != nil {
			return nil, errors.Wrapf(parseErr, "bad port %q", p)
		}
		port = parsed
	}
	if ip := net.ParseIP(host); ip != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, errors.Errorf("address %q is not IPv4", host)
		}
		return &net.UDPAddr{IP: ip4, Port: port}, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %q", host)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return &net.UDPAddr{IP: ip4, Port: port}, nil
		}
	}
	return nil, errors.Errorf("no A record for %q", host)
}
