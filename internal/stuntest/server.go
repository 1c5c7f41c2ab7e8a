// Package stuntest provides a loopback STUN/TURN server used by the
// client and agent tests. It speaks the same wire subset as the
// clients: Binding, two-phase Allocate with long-term credentials,
// Refresh, CreatePermission, ChannelBind, Send/Data indications and
// ChannelData relaying.
package stuntest

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raydienull/subsystem-ice/internal/stun"
	"github.com/raydienull/subsystem-ice/internal/turn"
)

// Options configure the test server.
type Options struct {
	Realm    string
	Username string
	Password string
	Nonce    string
	// Lifetime reported in Allocate and Refresh responses.
	Lifetime time.Duration
	// MappedAddress overrides the XOR-MAPPED-ADDRESS of Binding
	// responses. Nil reflects the observed source address.
	MappedAddress *net.UDPAddr
	// Always401 makes every Allocate fail with 401, authenticated
	// or not.
	Always401 bool
}

// Server is the loopback test server.
type Server struct {
	log       *zap.Logger
	opt       Options
	conn      net.PacketConn
	integrity stun.MessageIntegrity

	mux       sync.Mutex
	allocs    map[string]*allocation
	allocReqs int
	refreshes int
	perms     int
	binds     int
	closed    bool

	wg sync.WaitGroup
}

type allocation struct {
	client       *net.UDPAddr
	relay        net.PacketConn
	channels     map[turn.ChannelNumber]*net.UDPAddr
	peerChannels map[string]turn.ChannelNumber
	permissions  map[string]bool
}

// New starts a server on 127.0.0.1 with an OS-assigned port.
func New(log *zap.Logger, opt Options) (*Server, error) {
	if opt.Realm == "" {
		opt.Realm = "test.realm"
	}
	if opt.Nonce == "" {
		opt.Nonce = "testnonce"
	}
	if opt.Lifetime == 0 {
		opt.Lifetime = turn.DefaultLifetime
	}
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		log:       log,
		opt:       opt,
		conn:      conn,
		integrity: stun.NewLongTermIntegrity(opt.Username, opt.Realm, opt.Password),
		allocs:    make(map[string]*allocation),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns the server address as "ip:port".
func (s *Server) Addr() string {
	return s.conn.LocalAddr().String()
}

// AllocateCount returns the number of Allocate requests observed.
func (s *Server) AllocateCount() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.allocReqs
}

// RefreshCount returns the number of Refresh requests observed.
func (s *Server) RefreshCount() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.refreshes
}

// PermissionCount returns the number of CreatePermission requests
// observed.
func (s *Server) PermissionCount() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.perms
}

// ChannelBindCount returns the number of ChannelBind requests
// observed.
func (s *Server) ChannelBindCount() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.binds
}

// Close stops the server and all relay sockets.
func (s *Server) Close() {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return
	}
	s.closed = true
	for _, a := range s.allocs {
		_ = a.relay.Close()
	}
	s.mux.Unlock()
	_ = s.conn.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		client, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		s.handlePacket(buf[:n], client)
	}
}

func (s *Server) handlePacket(b []byte, client *net.UDPAddr) {
	if turn.IsChannelData(b) {
		s.handleChannelData(b, client)
		return
	}
	req := stun.New()
	if _, err := req.Write(b); err != nil {
		s.log.Debug("dropping malformed packet", zap.Error(err))
		return
	}
	switch req.Type {
	case stun.BindingRequest:
		s.handleBinding(req, client)
	case turn.AllocateRequest:
		s.handleAllocate(req, client)
	case turn.RefreshRequest:
		s.handleRefresh(req, client)
	case turn.CreatePermissionRequest:
		s.handleCreatePermission(req, client)
	case turn.ChannelBindRequest:
		s.handleChannelBind(req, client)
	case turn.SendIndication:
		s.handleSendIndication(req, client)
	default:
		s.log.Debug("unhandled message", zap.Stringer("type", req.Type))
	}
}

func (s *Server) reply(client *net.UDPAddr, setters ...stun.Setter) {
	res, err := stun.Build(setters...)
	if err != nil {
		s.log.Error("failed to build response", zap.Error(err))
		return
	}
	if _, err := s.conn.WriteTo(res.Raw, client); err != nil {
		s.log.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) handleBinding(req *stun.Message, client *net.UDPAddr) {
	mapped := s.opt.MappedAddress
	if mapped == nil {
		mapped = client
	}
	s.reply(client,
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		stun.XORMappedAddress{IP: mapped.IP, Port: mapped.Port},
	)
}

// authenticate verifies the long-term credentials of req. It replies
// with a 401 carrying REALM and NONCE when req has no integrity and
// reports whether the request was accepted.
func (s *Server) authenticate(req *stun.Message, client *net.UDPAddr, errType stun.MessageType) bool {
	if _, err := req.Get(stun.AttrMessageIntegrity); err != nil {
		s.reply(client,
			stun.NewTransactionIDSetter(req.TransactionID),
			errType,
			stun.CodeUnauthorized,
			stun.NewRealm(s.opt.Realm),
			stun.NewNonce(s.opt.Nonce),
		)
		return false
	}
	var nonce stun.Nonce
	if err := nonce.GetFrom(req); err != nil || nonce.String() != s.opt.Nonce {
		s.reply(client,
			stun.NewTransactionIDSetter(req.TransactionID),
			errType,
			stun.CodeStaleNonce,
			stun.NewRealm(s.opt.Realm),
			stun.NewNonce(s.opt.Nonce),
		)
		return false
	}
	if err := s.integrity.Check(req); err != nil {
		s.log.Warn("integrity check failed", zap.Error(err))
		s.reply(client,
			stun.NewTransactionIDSetter(req.TransactionID),
			errType,
			stun.CodeWrongCredentials,
		)
		return false
	}
	return true
}

func (s *Server) handleAllocate(req *stun.Message, client *net.UDPAddr) {
	s.mux.Lock()
	s.allocReqs++
	s.mux.Unlock()
	if s.opt.Always401 {
		s.reply(client,
			stun.NewTransactionIDSetter(req.TransactionID),
			turn.AllocateError,
			stun.CodeUnauthorized,
			stun.NewRealm(s.opt.Realm),
			stun.NewNonce(s.opt.Nonce),
		)
		return
	}
	if !s.authenticate(req, client, turn.AllocateError) {
		return
	}
	relay, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		s.reply(client,
			stun.NewTransactionIDSetter(req.TransactionID),
			turn.AllocateError,
			stun.CodeServerError,
		)
		return
	}
	a := &allocation{
		client:       client,
		relay:        relay,
		channels:     make(map[turn.ChannelNumber]*net.UDPAddr),
		peerChannels: make(map[string]turn.ChannelNumber),
		permissions:  make(map[string]bool),
	}
	s.mux.Lock()
	s.allocs[client.String()] = a
	s.mux.Unlock()
	s.wg.Add(1)
	go s.relayLoop(a)

	relayAddr := relay.LocalAddr().(*net.UDPAddr)
	s.reply(client,
		stun.NewTransactionIDSetter(req.TransactionID),
		turn.AllocateSuccess,
		turn.RelayedAddress{IP: relayAddr.IP, Port: relayAddr.Port},
		stun.XORMappedAddress{IP: client.IP, Port: client.Port},
		turn.Lifetime{Duration: s.opt.Lifetime},
		s.integrity,
	)
	s.log.Info("allocation created",
		zap.Stringer("client", client),
		zap.Stringer("relay", relayAddr),
	)
}

func (s *Server) allocFor(client *net.UDPAddr) *allocation {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.allocs[client.String()]
}

func (s *Server) handleRefresh(req *stun.Message, client *net.UDPAddr) {
	if !s.authenticate(req, client, turn.RefreshError) {
		return
	}
	s.mux.Lock()
	s.refreshes++
	s.mux.Unlock()
	s.reply(client,
		stun.NewTransactionIDSetter(req.TransactionID),
		turn.RefreshSuccess,
		turn.Lifetime{Duration: s.opt.Lifetime},
		s.integrity,
	)
}

func (s *Server) handleCreatePermission(req *stun.Message, client *net.UDPAddr) {
	if !s.authenticate(req, client, turn.CreatePermissionError) {
		return
	}
	a := s.allocFor(client)
	if a == nil {
		s.reply(client,
			stun.NewTransactionIDSetter(req.TransactionID),
			turn.CreatePermissionError,
			stun.CodeBadRequest,
		)
		return
	}
	var peer turn.PeerAddress
	if err := peer.GetFrom(req); err != nil {
		s.reply(client,
			stun.NewTransactionIDSetter(req.TransactionID),
			turn.CreatePermissionError,
			stun.CodeBadRequest,
		)
		return
	}
	s.mux.Lock()
	a.permissions[peer.IP.String()] = true
	s.perms++
	s.mux.Unlock()
	s.reply(client,
		stun.NewTransactionIDSetter(req.TransactionID),
		turn.CreatePermissionSuccess,
		s.integrity,
	)
}

func (s *Server) handleChannelBind(req *stun.Message, client *net.UDPAddr) {
	if !s.authenticate(req, client, turn.ChannelBindError) {
		return
	}
	a := s.allocFor(client)
	if a == nil {
		s.reply(client,
			stun.NewTransactionIDSetter(req.TransactionID),
			turn.ChannelBindError,
			stun.CodeBadRequest,
		)
		return
	}
	var (
		peer   turn.PeerAddress
		number turn.ChannelNumber
	)
	if err := req.Parse(&peer, &number); err != nil || !number.Valid() {
		s.reply(client,
			stun.NewTransactionIDSetter(req.TransactionID),
			turn.ChannelBindError,
			stun.CodeBadRequest,
		)
		return
	}
	peerAddr := &net.UDPAddr{IP: peer.IP, Port: peer.Port}
	s.mux.Lock()
	a.channels[number] = peerAddr
	a.peerChannels[peerAddr.String()] = number
	a.permissions[peer.IP.String()] = true
	s.binds++
	s.mux.Unlock()
	s.reply(client,
		stun.NewTransactionIDSetter(req.TransactionID),
		turn.ChannelBindSuccess,
		s.integrity,
	)
}

func (s *Server) handleSendIndication(req *stun.Message, client *net.UDPAddr) {
	a := s.allocFor(client)
	if a == nil {
		return
	}
	var (
		peer turn.PeerAddress
		data turn.Data
	)
	if err := req.Parse(&peer, &data); err != nil {
		s.log.Warn("malformed send indication", zap.Error(err))
		return
	}
	if _, err := a.relay.WriteTo(data, &net.UDPAddr{IP: peer.IP, Port: peer.Port}); err != nil {
		s.log.Warn("relay write failed", zap.Error(err))
	}
}

func (s *Server) handleChannelData(b []byte, client *net.UDPAddr) {
	a := s.allocFor(client)
	if a == nil {
		return
	}
	cd := &turn.ChannelData{Raw: b}
	if err := cd.Decode(); err != nil {
		s.log.Warn("malformed channel data", zap.Error(err))
		return
	}
	s.mux.Lock()
	peer := a.channels[cd.Number]
	s.mux.Unlock()
	if peer == nil {
		s.log.Debug("channel data on unbound channel", zap.Stringer("number", cd.Number))
		return
	}
	if _, err := a.relay.WriteTo(cd.Data, peer); err != nil {
		s.log.Warn("relay write failed", zap.Error(err))
	}
}

// relayLoop forwards datagrams arriving at the relay address to the
// allocation's client, as ChannelData when the peer has a bound
// channel, as a Data indication otherwise.
func (s *Server) relayLoop(a *allocation) {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, addr, err := a.relay.ReadFrom(buf)
		if err != nil {
			return
		}
		peer, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		s.mux.Lock()
		number, bound := a.peerChannels[peer.String()]
		s.mux.Unlock()
		if bound {
			cd := &turn.ChannelData{Number: number, Data: buf[:n]}
			cd.Encode()
			if _, err := s.conn.WriteTo(cd.Raw, a.client); err != nil {
				s.log.Warn("failed to forward channel data", zap.Error(err))
			}
			continue
		}
		m, err := stun.Build(
			stun.TransactionID,
			turn.DataIndication,
			turn.PeerAddress{IP: peer.IP, Port: peer.Port},
			turn.Data(buf[:n]),
		)
		if err != nil {
			s.log.Error("failed to build data indication", zap.Error(err))
			continue
		}
		if _, err := s.conn.WriteTo(m.Raw, a.client); err != nil {
			s.log.Warn("failed to forward data indication", zap.Error(err))
		}
	}
}
