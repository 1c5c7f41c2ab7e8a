package turn

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/raydienull/subsystem-ice/internal/stun"
	"github.com/raydienull/subsystem-ice/internal/transport"
)

const (
	// requestTimeout bounds one request round-trip.
	requestTimeout = 5 * time.Second

	// relayBufferSize is the inbound relay data buffer size.
	relayBufferSize = 2048

	// refreshFraction of the allocation lifetime after which Refresh
	// is issued.
	refreshFraction = 0.8

	// refreshRetrySlack is subtracted from the refresh interval while
	// the previous refresh has failed.
	refreshRetrySlack = 30 * time.Second
)

// Client is a TURN client owning one allocation on one server.
//
// The client owns the persistent relay socket: all requests,
// indications and channel data flow through it. Not goroutine-safe;
// the agent drives it from tick context.
type Client struct {
	log      *zap.Logger
	server   string
	username string
	password string

	conn       *transport.Conn
	serverAddr *net.UDPAddr

	realm     stun.Realm
	nonce     stun.Nonce
	integrity stun.MessageIntegrity

	relayedIP   net.IP
	relayedPort int
	lifetime    time.Duration
	active      bool

	channel     ChannelNumber // 0 means unbound
	boundIP     net.IP
	boundPort   int
	permissions []*net.UDPAddr

	sinceRefresh    time.Duration
	refreshInterval time.Duration

	// Relay payloads received while waiting for a request response.
	pending [][]byte
	readBuf []byte
}

// NewClient returns an unallocated client for server ("host" or
// "host:port") with long-term credentials. No I/O is performed until
// Allocate.
func NewClient(log *zap.Logger, server, username, password string) *Client {
	return &Client{
		log:      log,
		server:   server,
		username: username,
		password: password,
		readBuf:  make([]byte, relayBufferSize),
	}
}

// Active returns true while the allocation is believed valid.
func (c *Client) Active() bool { return c.active }

// Lifetime returns the server-reported allocation lifetime.
func (c *Client) Lifetime() time.Duration { return c.lifetime }

// Channel returns the bound channel number, zero when unbound.
func (c *Client) Channel() ChannelNumber { return c.channel }

// RelayedAddr returns the relay transport address of the allocation.
func (c *Client) RelayedAddr() (net.IP, int) { return c.relayedIP, c.relayedPort }

// do performs one request round-trip. Relay payloads arriving while
// waiting for the response are queued for Read.
func (c *Client) do(req *stun.Message) (*stun.Message, error) {
	if err := c.conn.WriteTo(req.Raw, c.serverAddr); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(requestTimeout)
	buf := make([]byte, relayBufferSize)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, transport.ErrTimeout
		}
		n, _, err := c.conn.ReadTimeout(buf, wait)
		if err != nil {
			return nil, err
		}
		if !stun.IsMessage(buf[:n]) || isIndication(buf[:n]) {
			// Relay data racing with the response.
			payload := make([]byte, n)
			copy(payload, buf[:n])
			c.pending = append(c.pending, payload)
			continue
		}
		res := stun.New()
		if _, err = res.Write(buf[:n]); err != nil {
			return nil, errors.Wrap(err, "malformed response")
		}
		if res.TransactionID != req.TransactionID {
			c.log.Debug("transaction id mismatch, dropping", zap.Stringer("m", res))
			continue
		}
		return res, nil
	}
}

func isIndication(b []byte) bool {
	if IsChannelData(b) {
		return true
	}
	m := stun.New()
	if _, err := m.Write(b); err != nil {
		return false
	}
	return m.Type.Class == stun.ClassIndication
}

// authSetters returns the long-term credential attributes for an
// authenticated request. Integrity must be added last.
func (c *Client) authSetters() []stun.Setter {
	return []stun.Setter{
		stun.NewUsername(c.username),
		c.realm,
		c.nonce,
		c.integrity,
	}
}

// Allocate performs the two-phase long-term credential Allocate
// exchange and returns the relayed transport address.
func (c *Client) Allocate() (net.IP, int, error) {
	serverAddr, err := transport.Resolve(c.server, DefaultPort)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to resolve server")
	}
	c.serverAddr = serverAddr
	if c.conn == nil {
		conn, listenErr := transport.Listen(c.log, "0.0.0.0:0", false)
		if listenErr != nil {
			return nil, 0, errors.Wrap(listenErr, "failed to create relay socket")
		}
		c.conn = conn
	}
	if err = c.allocate(false); err != nil {
		c.releaseConn()
		return nil, 0, err
	}
	return c.relayedIP, c.relayedPort, nil
}

// allocate sends one Allocate request. The first pass is
// unauthenticated; on 401 the credentials are derived from REALM and
// NONCE and the request is retried exactly once.
func (c *Client) allocate(isRetry bool) error {
	setters := []stun.Setter{
		stun.TransactionID,
		AllocateRequest,
		stun.NewUsername(c.username),
		RequestedTransportUDP,
	}
	if isRetry {
		setters = append(setters, c.realm, c.nonce, c.integrity)
	}
	req, err := stun.Build(setters...)
	if err != nil {
		return err
	}
	res, err := c.do(req)
	if err != nil {
		return err
	}
	switch res.Type {
	case AllocateSuccess:
		return c.onAllocated(res)
	case AllocateError:
		var code stun.ErrorCodeAttribute
		if err = code.GetFrom(res); err != nil {
			return errors.Wrap(err, "error response without ERROR-CODE")
		}
		if code.Code != stun.CodeUnauthorized {
			return errors.Errorf("allocate rejected: %s", code)
		}
		if isRetry {
			// Second 401: credentials are wrong, do not loop.
			return errors.New("authentication rejected")
		}
		if err = res.Parse(&c.realm, &c.nonce); err != nil {
			return errors.Wrap(err, "401 without REALM or NONCE")
		}
		c.integrity = stun.NewLongTermIntegrity(c.username, c.realm.String(), c.password)
		return c.allocate(true)
	default:
		return errors.Errorf("unexpected response type %s", res.Type)
	}
}

func (c *Client) onAllocated(res *stun.Message) error {
	var relayed RelayedAddress
	if err := relayed.GetFrom(res); err != nil {
		return errors.Wrap(err, "no relayed address")
	}
	lifetime := Lifetime{Duration: DefaultLifetime}
	if err := lifetime.GetFrom(res); err != nil && err != stun.ErrAttributeNotFound {
		return err
	}
	c.relayedIP = relayed.IP
	c.relayedPort = relayed.Port
	c.lifetime = lifetime.Duration
	c.active = true
	c.sinceRefresh = 0
	c.refreshInterval = refreshInterval(c.lifetime)
	c.log.Info("allocation created",
		zap.Stringer("relayed", relayed),
		zap.Duration("lifetime", c.lifetime),
	)
	return nil
}

func refreshInterval(lifetime time.Duration) time.Duration {
	return time.Duration(float64(lifetime) * refreshFraction)
}

// Refresh extends the allocation lifetime.
func (c *Client) Refresh() error {
	if c.conn == nil {
		return errors.New("no allocation")
	}
	req, err := stun.Build(append([]stun.Setter{
		stun.TransactionID,
		RefreshRequest,
		Lifetime{Duration: c.lifetime},
	}, c.authSetters()...)...)
	if err != nil {
		return err
	}
	res, err := c.do(req)
	if err != nil {
		return err
	}
	if res.Type != RefreshSuccess {
		return errors.Errorf("refresh rejected: %s", res.Type)
	}
	lifetime := Lifetime{Duration: c.lifetime}
	if getErr := lifetime.GetFrom(res); getErr != nil && getErr != stun.ErrAttributeNotFound {
		return getErr
	}
	c.lifetime = lifetime.Duration
	c.active = true
	c.sinceRefresh = 0
	c.refreshInterval = refreshInterval(c.lifetime)
	return nil
}

// Tick accumulates elapsed time and refreshes the allocation at 80%
// of its lifetime. A failed refresh marks the allocation inactive and
// retries earlier.
func (c *Client) Tick(dt time.Duration) {
	if c.conn == nil || c.lifetime == 0 {
		return
	}
	c.sinceRefresh += dt
	if c.sinceRefresh < c.refreshInterval {
		return
	}
	if err := c.Refresh(); err != nil {
		c.log.Warn("refresh failed", zap.Error(err))
		c.active = false
		c.sinceRefresh = 0
		c.refreshInterval = refreshInterval(c.lifetime) - refreshRetrySlack
		if c.refreshInterval <= 0 {
			c.refreshInterval = refreshRetrySlack
		}
	}
}

// CreatePermission installs a permission for peer on the allocation.
func (c *Client) CreatePermission(peerIP net.IP, peerPort int) error {
	if !c.active {
		return errors.New("no active allocation")
	}
	req, err := stun.Build(append([]stun.Setter{
		stun.TransactionID,
		CreatePermissionRequest,
		PeerAddress{IP: peerIP, Port: peerPort},
	}, c.authSetters()...)...)
	if err != nil {
		return err
	}
	res, err := c.do(req)
	if err != nil {
		return err
	}
	if res.Type != CreatePermissionSuccess {
		return errors.Errorf("create permission rejected: %s", res.Type)
	}
	c.permissions = append(c.permissions, &net.UDPAddr{IP: peerIP, Port: peerPort})
	return nil
}

// ChannelBind binds number to peer, enabling ChannelData framing.
func (c *Client) ChannelBind(peerIP net.IP, peerPort int, number ChannelNumber) error {
	if !number.Valid() {
		return ErrInvalidChannelNumber
	}
	if !c.active {
		return errors.New("no active allocation")
	}
	req, err := stun.Build(append([]stun.Setter{
		stun.TransactionID,
		ChannelBindRequest,
		number,
		PeerAddress{IP: peerIP, Port: peerPort},
	}, c.authSetters()...)...)
	if err != nil {
		return err
	}
	res, err := c.do(req)
	if err != nil {
		return err
	}
	if res.Type != ChannelBindSuccess {
		return errors.Errorf("channel bind rejected: %s", res.Type)
	}
	c.channel = number
	c.boundIP = peerIP
	c.boundPort = peerPort
	return nil
}

// Send relays data to peer: ChannelData framing when the peer has a
// bound channel, a Send indication otherwise.
func (c *Client) Send(peerIP net.IP, peerPort int, data []byte) error {
	if c.conn == nil {
		return errors.New("no allocation")
	}
	if c.channel.Valid() && peerIP.Equal(c.boundIP) && peerPort == c.boundPort {
		cd := &ChannelData{Number: c.channel, Data: data}
		cd.Encode()
		return c.conn.WriteTo(cd.Raw, c.serverAddr)
	}
	m, err := stun.Build(
		stun.TransactionID,
		SendIndication,
		PeerAddress{IP: peerIP, Port: peerPort},
		Data(data),
	)
	if err != nil {
		return err
	}
	return c.conn.WriteTo(m.Raw, c.serverAddr)
}

// Read delivers one relayed datagram into b without blocking,
// stripping ChannelData framing or unwrapping a Data indication. The
// boolean reports whether a datagram was delivered.
func (c *Client) Read(b []byte) (int, *net.UDPAddr, bool) {
	if c.conn == nil {
		return 0, nil, false
	}
	for {
		var pkt []byte
		if len(c.pending) > 0 {
			pkt = c.pending[0]
			c.pending = c.pending[1:]
		} else {
			n, _, ok := c.conn.TryRead(c.readBuf)
			if !ok {
				return 0, nil, false
			}
			pkt = c.readBuf[:n]
		}
		n, peer, ok := c.unwrap(pkt, b)
		if ok {
			return n, peer, true
		}
	}
}

func (c *Client) unwrap(pkt, b []byte) (int, *net.UDPAddr, bool) {
	if IsChannelData(pkt) {
		cd := &ChannelData{Raw: pkt}
		if err := cd.Decode(); err != nil {
			c.log.Warn("malformed channel data", zap.Error(err))
			return 0, nil, false
		}
		if cd.Number != c.channel {
			c.log.Debug("data on unknown channel", zap.Stringer("number", cd.Number))
			return 0, nil, false
		}
		n := copy(b, cd.Data)
		return n, &net.UDPAddr{IP: c.boundIP, Port: c.boundPort}, true
	}
	m := stun.New()
	if _, err := m.Write(pkt); err != nil {
		return 0, nil, false
	}
	if m.Type != DataIndication {
		c.log.Debug("unexpected message on relay socket", zap.Stringer("m", m))
		return 0, nil, false
	}
	var (
		data Data
		peer PeerAddress
	)
	if err := m.Parse(&data, &peer); err != nil {
		c.log.Warn("malformed data indication", zap.Error(err))
		return 0, nil, false
	}
	n := copy(b, data)
	return n, &net.UDPAddr{IP: peer.IP, Port: peer.Port}, true
}

func (c *Client) releaseConn() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.log.Warn("failed to close relay socket", zap.Error(err))
	}
	c.conn = nil
}

// Close releases the relay socket and forgets the allocation. No
// Refresh with zero lifetime is issued; the allocation expires
// server-side. Idempotent.
func (c *Client) Close() {
	c.releaseConn()
	c.active = false
	c.channel = 0
	c.boundIP = nil
	c.boundPort = 0
	c.relayedIP = nil
	c.relayedPort = 0
	c.lifetime = 0
	c.sinceRefresh = 0
	c.permissions = nil
	c.pending = nil
	c.realm = nil
	c.nonce = nil
	c.integrity = nil
}
