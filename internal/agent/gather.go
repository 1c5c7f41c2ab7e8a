package agent

import (
	"net"

	"go.uber.org/zap"

	"github.com/raydienull/subsystem-ice/internal/candidate"
	"github.com/raydienull/subsystem-ice/internal/stun"
	"github.com/raydienull/subsystem-ice/internal/transport"
	"github.com/raydienull/subsystem-ice/internal/turn"
)

// defaultLocalPreference is used for all candidates: the agent
// gathers at most one candidate per type.
const defaultLocalPreference = 65535

// Foundations group candidates by gathering origin.
const (
	foundationHost  = "1"
	foundationSrflx = "2"
	foundationRelay = "3"
)

// GatherCandidates gathers host, server-reflexive and relayed
// candidates in that order. Returns true when at least one candidate
// was gathered.
func (a *Agent) GatherCandidates() bool {
	a.log.Info("gathering candidates")
	a.setState(StateGathering)
	a.local = a.local[:0]
	if a.relay != nil {
		a.relay.Close()
		a.relay = nil
	}

	a.gatherHost()
	if len(a.cfg.STUNServers) > 0 {
		a.gatherServerReflexive()
	}
	if len(a.cfg.TURNServers) > 0 {
		a.gatherRelayed()
	}

	a.log.Info("gathered candidates", zap.Int("count", len(a.local)))
	a.metrics.incGatheredCandidates(len(a.local))
	if len(a.local) > 0 {
		for _, f := range a.candSubs {
			f(a.LocalCandidates())
		}
	}
	return len(a.local) > 0
}

// localHostAddr returns the primary interface IPv4 address.
func (a *Agent) localHostAddr() (string, bool) {
	if a.cfg.HostAddress != "" {
		return a.cfg.HostAddress, true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		a.log.Error("failed to list interface addresses", zap.Error(err))
		return "", false
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		return ip4.String(), true
	}
	return "", false
}

func (a *Agent) gatherHost() {
	addr, ok := a.localHostAddr()
	if !ok {
		a.log.Error("failed to get local address")
		return
	}
	if a.cfg.LocalRule != nil && !a.cfg.LocalRule.AllowsAddr(addr) {
		a.log.Warn("host address denied by filter", zap.String("addr", addr))
		return
	}
	c := candidate.Candidate{
		Foundation:  foundationHost,
		ComponentID: 1,
		Transport:   "UDP",
		Priority:    candidate.Priority(candidate.Host, defaultLocalPreference, 1),
		Address:     addr,
		Port:        0,
		Type:        candidate.Host,
	}
	// Binding the data socket up front: the candidate must carry its
	// port over signaling, and once bound the port is immutable.
	conn, err := transport.Listen(a.log.Named("data"), net.JoinHostPort(addr, "0"), true)
	if err != nil {
		a.log.Error("failed to bind host candidate socket", zap.Error(err))
		return
	}
	if a.data != nil {
		if closeErr := a.data.Close(); closeErr != nil {
			a.log.Warn("failed to close data socket", zap.Error(closeErr))
		}
	}
	a.data = conn
	c.Port = conn.LocalAddr().Port
	a.local = append(a.local, c)
	a.log.Info("added host candidate", zap.Stringer("candidate", c))
}

func (a *Agent) gatherServerReflexive() {
	for _, server := range a.cfg.STUNServers {
		ip, port, err := stun.Probe(a.log.Named("stun"), server)
		if err != nil {
			a.log.Warn("STUN probe failed",
				zap.String("server", server),
				zap.Error(err),
			)
			continue
		}
		c := candidate.Candidate{
			Foundation:  foundationSrflx,
			ComponentID: 1,
			Transport:   "UDP",
			Priority:    candidate.Priority(candidate.ServerReflexive, defaultLocalPreference, 1),
			Address:     ip,
			Port:        port,
			Type:        candidate.ServerReflexive,
		}
		a.local = append(a.local, c)
		a.log.Info("added server reflexive candidate", zap.Stringer("candidate", c))
		// Only need one STUN server to succeed.
		return
	}
}

func (a *Agent) gatherRelayed() {
	if a.cfg.TURNUsername == "" || a.cfg.TURNPassword == "" {
		a.log.Error("TURN servers configured without credentials, skipping relay gathering")
		return
	}
	for _, server := range a.cfg.TURNServers {
		client := turn.NewClient(
			a.log.Named("turn"), server,
			a.cfg.TURNUsername, a.cfg.TURNPassword,
		)
		relayIP, relayPort, err := client.Allocate()
		if err != nil {
			a.log.Warn("TURN allocation failed",
				zap.String("server", server),
				zap.Error(err),
			)
			continue
		}
		a.relay = client
		a.metrics.incAllocations()
		c := candidate.Candidate{
			Foundation:  foundationRelay,
			ComponentID: 1,
			Transport:   "UDP",
			Priority:    candidate.Priority(candidate.Relayed, defaultLocalPreference, 1),
			Address:     relayIP.String(),
			Port:        relayPort,
			Type:        candidate.Relayed,
		}
		a.local = append(a.local, c)
		a.log.Info("added relayed candidate", zap.Stringer("candidate", c))
		return
	}
}
