package agent

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/raydienull/subsystem-ice/internal/candidate"
	"github.com/raydienull/subsystem-ice/internal/transport"
	"github.com/raydienull/subsystem-ice/internal/turn"
)

// dataChannel is the channel number bound for the selected remote
// peer when the relay path is used.
const dataChannel turn.ChannelNumber = turn.MinChannelNumber

// StartConnectivityChecks selects a candidate pair and starts the
// connection attempt loop. Returns false without mutating state when
// no candidates are available. A connected agent reports success
// without doing anything.
func (a *Agent) StartConnectivityChecks() bool {
	if a.ConnectionState() == StateConnected {
		return true
	}
	if len(a.local) == 0 || len(a.remote) == 0 {
		a.log.Error("no candidates available for connectivity checks",
			zap.Int("local", len(a.local)),
			zap.Int("remote", len(a.remote)),
		)
		return false
	}
	a.log.Info("starting connectivity checks")
	a.directAttempts = 0
	a.totalAttempts = 0
	a.sinceAttempt = 0
	a.helloSent = false
	a.helloReceived = false
	a.setState(StateConnectingDirect)
	a.attempt()
	return true
}

// Tick drives timeouts, retries, the handshake and the TURN refresh.
// dt is the elapsed time since the previous call.
func (a *Agent) Tick(dt time.Duration) {
	if a.relay != nil {
		a.relay.Tick(dt)
	}
	switch a.ConnectionState() {
	case StateConnectingDirect:
		a.sinceAttempt += dt
		if a.sinceAttempt >= a.cfg.RetryDelay {
			if a.directAttempts >= a.cfg.MaxDirectAttempts {
				a.log.Info("direct attempts exhausted, falling back to relay")
				a.setState(StateConnectingRelay)
			}
			a.attempt()
		}
	case StateConnectingRelay:
		a.sinceAttempt += dt
		if a.sinceAttempt >= a.cfg.RetryDelay {
			a.attempt()
		}
	case StatePerformingHandshake:
		a.pollIncoming()
		if a.ConnectionState() != StatePerformingHandshake {
			return
		}
		a.hsElapsed += dt
		a.sinceHello += dt
		if !a.helloReceived && a.sinceHello >= a.cfg.HandshakeRetry {
			a.sendHello(helloRequest)
			a.sinceHello = 0
		}
		if a.hsElapsed >= a.cfg.HandshakeTimeout && !(a.helloSent && a.helloReceived) {
			a.log.Warn("handshake timed out")
			a.setState(StateFailed)
		}
	}
}

// attempt performs one connection attempt in the current stage.
func (a *Agent) attempt() {
	a.totalAttempts++
	a.sinceAttempt = 0
	if a.totalAttempts > a.cfg.MaxTotalAttempts {
		a.log.Error("total attempt budget exhausted")
		a.setState(StateFailed)
		return
	}
	relayStage := a.ConnectionState() == StateConnectingRelay
	if !relayStage {
		a.directAttempts++
	}

	local, remote, ok := a.selectPair(relayStage)
	if !ok {
		if relayStage {
			a.log.Error("no relayed candidate pair available")
			a.setState(StateFailed)
			return
		}
		a.log.Warn("no direct candidate pair available")
		return
	}
	a.selLocal = local
	a.selRemote = remote
	a.hasPair = true
	a.log.Info("selected candidate pair",
		zap.Stringer("local", local),
		zap.Stringer("remote", remote),
	)

	if local.Type == candidate.Relayed {
		if err := a.setupRelayPath(); err != nil {
			a.log.Error("relay path setup failed", zap.Error(err))
			a.setState(StateFailed)
			return
		}
	} else if err := a.openDataSocket(); err != nil {
		a.log.Error("failed to open data socket", zap.Error(err))
		if relayStage {
			a.setState(StateFailed)
		}
		return
	}

	a.helloSent = false
	a.helloReceived = false
	if !a.sendHello(helloRequest) {
		if relayStage {
			a.setState(StateFailed)
		}
		return
	}
	a.helloSent = true
	a.hsElapsed = 0
	a.sinceHello = 0
	a.setState(StatePerformingHandshake)
}

// selectPair picks the highest-priority local and remote candidates
// admitted by the stage. The direct stage admits host and
// server-reflexive candidates on both sides; the relay stage admits
// only pairs that involve a relayed candidate. Ties break to the
// earliest candidate in list order.
func (a *Agent) selectPair(relayStage bool) (local, remote candidate.Candidate, ok bool) {
	var locals, remotes []candidate.Candidate
	if relayStage {
		locals = filterByType(a.local, candidate.Relayed)
		if len(locals) > 0 {
			// We own the allocation; the remote may be of any type.
			remotes = a.remote
		} else {
			locals = a.local
			remotes = filterByType(a.remote, candidate.Relayed)
		}
	} else {
		locals = filterByType(a.local, candidate.Host, candidate.ServerReflexive)
		remotes = filterByType(a.remote, candidate.Host, candidate.ServerReflexive)
	}
	if len(locals) == 0 || len(remotes) == 0 {
		return local, remote, false
	}
	return highestPriority(locals), highestPriority(remotes), true
}

func filterByType(cs []candidate.Candidate, types ...candidate.Type) []candidate.Candidate {
	var out []candidate.Candidate
	for _, c := range cs {
		for _, t := range types {
			if c.Type == t {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func highestPriority(cs []candidate.Candidate) candidate.Candidate {
	best := cs[0]
	for _, c := range cs[1:] {
		if c.Priority > best.Priority {
			best = c
		}
	}
	return best
}

// openDataSocket creates (or replaces) the application data socket
// bound to the selected local candidate's address, reads the assigned
// port back and propagates it into the local candidate list. A host
// candidate keeps the socket bound during gathering: its advertised
// port is immutable.
func (a *Agent) openDataSocket() error {
	if a.selLocal.Type == candidate.Host && a.data != nil &&
		a.data.LocalAddr().Port == a.selLocal.Port {
		return nil
	}
	if a.data != nil {
		if err := a.data.Close(); err != nil {
			a.log.Warn("failed to close data socket", zap.Error(err))
		}
		a.data = nil
	}
	laddr := "0.0.0.0:0"
	if a.selLocal.Type == candidate.Host {
		laddr = net.JoinHostPort(a.selLocal.Address, "0")
	}
	conn, err := transport.Listen(a.log.Named("data"), laddr, true)
	if err != nil {
		return err
	}
	a.data = conn
	port := conn.LocalAddr().Port
	if a.selLocal.Port == 0 {
		a.selLocal.Port = port
		for i := range a.local {
			if a.local[i].Type == a.selLocal.Type && a.local[i].Port == 0 {
				a.local[i].Port = port
			}
		}
	}
	return nil
}

// setupRelayPath installs a permission and binds the data channel for
// the selected remote peer on the TURN allocation.
func (a *Agent) setupRelayPath() error {
	if a.relay == nil || !a.relay.Active() {
		return errTURNInactive
	}
	ip := net.ParseIP(a.selRemote.Address)
	if ip == nil {
		return errBadRemoteAddr
	}
	if err := a.relay.CreatePermission(ip, a.selRemote.Port); err != nil {
		return err
	}
	if err := a.relay.ChannelBind(ip, a.selRemote.Port, dataChannel); err != nil {
		return err
	}
	return nil
}

var (
	errTURNInactive  = errors.New("TURN allocation is not active")
	errBadRemoteAddr = errors.New("remote candidate address is not an IP")
)

func (a *Agent) remoteAddr() *net.UDPAddr {
	ip := net.ParseIP(a.selRemote.Address)
	return &net.UDPAddr{IP: ip, Port: a.selRemote.Port}
}

// sendHello sends one handshake packet over the selected path.
func (a *Agent) sendHello(t byte) bool {
	pkt := encodeHello(t, uint32(time.Now().Unix()))
	if !a.writePacket(pkt) {
		return false
	}
	a.metrics.incHandshakePackets()
	return true
}

// writePacket routes one outbound datagram: through the TURN client
// when the selected local candidate is relayed and the allocation is
// active, directly to the selected remote otherwise.
func (a *Agent) writePacket(b []byte) bool {
	if !a.hasPair {
		return false
	}
	if a.selLocal.Type == candidate.Relayed && a.relay != nil && a.relay.Active() {
		ip := net.ParseIP(a.selRemote.Address)
		if ip == nil {
			return false
		}
		if err := a.relay.Send(ip, a.selRemote.Port, b); err != nil {
			a.log.Warn("relay send failed", zap.Error(err))
			return false
		}
		return true
	}
	if a.data == nil {
		return false
	}
	if err := a.data.WriteTo(b, a.remoteAddr()); err != nil {
		a.log.Warn("send failed", zap.Error(err))
		return false
	}
	return true
}

// readPacket delivers one inbound datagram without blocking.
func (a *Agent) readPacket(b []byte) (int, bool) {
	if a.selLocal.Type == candidate.Relayed && a.relay != nil {
		n, _, ok := a.relay.Read(b)
		return n, ok
	}
	if a.data == nil {
		return 0, false
	}
	n, _, ok := a.data.TryRead(b)
	return n, ok
}

// pollIncoming drains inbound datagrams during the handshake. Hello
// requests are answered; application data arriving early is buffered
// for ReceiveData.
func (a *Agent) pollIncoming() {
	for {
		n, ok := a.readPacket(a.readBuf)
		if !ok {
			break
		}
		t, _, isHello := decodeHello(a.readBuf[:n])
		if !isHello {
			buffered := make([]byte, n)
			copy(buffered, a.readBuf[:n])
			a.pendingData = append(a.pendingData, buffered)
			continue
		}
		a.helloReceived = true
		if t == helloRequest {
			a.sendHello(helloResponse)
		}
	}
	if a.helloSent && a.helloReceived &&
		a.ConnectionState() == StatePerformingHandshake {
		a.log.Info("handshake complete")
		a.setState(StateConnected)
	}
}

// SendData sends one application datagram to the connected peer.
// Returns false in any state but Connected.
func (a *Agent) SendData(b []byte) bool {
	if !a.IsConnected() {
		return false
	}
	return a.writePacket(b)
}

// ReceiveData delivers one application datagram into buf without
// blocking. Late handshake requests are answered and skipped.
func (a *Agent) ReceiveData(buf []byte) (int, bool) {
	if !a.IsConnected() {
		return 0, false
	}
	if len(a.pendingData) > 0 {
		pkt := a.pendingData[0]
		a.pendingData = a.pendingData[1:]
		return copy(buf, pkt), true
	}
	for {
		n, ok := a.readPacket(buf)
		if !ok {
			return 0, false
		}
		t, _, isHello := decodeHello(buf[:n])
		if !isHello {
			return n, true
		}
		if t == helloRequest {
			a.sendHello(helloResponse)
		}
	}
}
