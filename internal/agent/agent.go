// Package agent implements the NAT traversal agent: candidate
// gathering over STUN and TURN, pair selection, the connection state
// machine with direct-then-relay attempts, the application handshake
// and the datagram send/receive surface.
package agent

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/raydienull/subsystem-ice/internal/candidate"
	"github.com/raydienull/subsystem-ice/internal/filter"
	"github.com/raydienull/subsystem-ice/internal/transport"
	"github.com/raydienull/subsystem-ice/internal/turn"
)

// Defaults for the connection state machine.
const (
	DefaultMaxDirectAttempts = 3
	DefaultMaxTotalAttempts  = 10
	DefaultRetryDelay        = time.Second
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultHandshakeRetry    = time.Second
)

// dataBufferSize is the inbound application datagram buffer size.
const dataBufferSize = 2048

// Config is the agent configuration contributed by the host shell.
type Config struct {
	// STUNServers are tried in order; the first successful probe
	// wins.
	STUNServers []string
	// TURNServers are tried in order; the first successful
	// allocation wins. Empty list skips relayed gathering.
	TURNServers []string
	TURNUsername string
	TURNPassword string
	// EnableIPv6 is accepted for config compatibility; only IPv4
	// candidates are gathered.
	EnableIPv6 bool

	// HostAddress overrides the primary interface address for the
	// host candidate. Empty selects it automatically.
	HostAddress string

	// LocalRule filters gathered host addresses, RemoteRule filters
	// remote candidates added over signaling. Nil allows everything.
	LocalRule  *filter.List
	RemoteRule *filter.List

	// Metrics receives agent counters. Nil for none.
	Metrics *PromMetrics

	MaxDirectAttempts int
	MaxTotalAttempts  int
	RetryDelay        time.Duration
	HandshakeTimeout  time.Duration
	HandshakeRetry    time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxDirectAttempts == 0 {
		c.MaxDirectAttempts = DefaultMaxDirectAttempts
	}
	if c.MaxTotalAttempts == 0 {
		c.MaxTotalAttempts = DefaultMaxTotalAttempts
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.HandshakeRetry == 0 {
		c.HandshakeRetry = DefaultHandshakeRetry
	}
}

// Agent is a single endpoint participating in NAT traversal. It owns
// its sockets, candidates and state machine.
//
// The agent makes no goroutines of its own: all I/O is either a
// bounded synchronous round-trip during gathering, or a non-blocking
// receive polled from Tick. Only the connection state is shared with
// other goroutines, behind stateMux; everything else is touched from
// tick context only.
type Agent struct {
	log     *zap.Logger
	cfg     Config
	metrics metrics

	stateMux  sync.Mutex
	state     State
	connected atomic.Bool

	local  []candidate.Candidate
	remote []candidate.Candidate

	selLocal  candidate.Candidate
	selRemote candidate.Candidate
	hasPair   bool

	data  *transport.Conn
	relay *turn.Client

	directAttempts int
	totalAttempts  int
	sinceAttempt   time.Duration
	hsElapsed      time.Duration
	sinceHello     time.Duration
	helloSent      bool
	helloReceived  bool

	// Application data arriving before Connected.
	pendingData [][]byte
	readBuf     []byte

	stateSubs []func(State)
	candSubs  []func([]candidate.Candidate)
}

// New returns a new agent in StateNew.
func New(log *zap.Logger, cfg Config) *Agent {
	cfg.setDefaults()
	var m metrics = noopMetrics{}
	if cfg.Metrics != nil {
		m = cfg.Metrics
	}
	return &Agent{
		log:     log,
		cfg:     cfg,
		metrics: m,
		readBuf: make([]byte, dataBufferSize),
	}
}

// ConnectionState returns the current connection state.
func (a *Agent) ConnectionState() State {
	a.stateMux.Lock()
	defer a.stateMux.Unlock()
	return a.state
}

// IsConnected reports whether the agent is in StateConnected.
func (a *Agent) IsConnected() bool { return a.connected.Load() }

// OnStateChange registers a callback invoked synchronously from tick
// context on every state transition.
func (a *Agent) OnStateChange(f func(State)) {
	a.stateSubs = append(a.stateSubs, f)
}

// OnLocalCandidatesReady registers a callback invoked when gathering
// finishes with at least one candidate.
func (a *Agent) OnLocalCandidatesReady(f func([]candidate.Candidate)) {
	a.candSubs = append(a.candSubs, f)
}

func (a *Agent) setState(s State) {
	a.stateMux.Lock()
	prev := a.state
	a.state = s
	a.stateMux.Unlock()
	if prev == s {
		return
	}
	a.connected.Store(s == StateConnected)
	a.metrics.incStateTransitions()
	a.log.Info("state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", s),
	)
	for _, f := range a.stateSubs {
		f(s)
	}
}

// LocalCandidates returns a copy of the gathered local candidates.
func (a *Agent) LocalCandidates() []candidate.Candidate {
	return append([]candidate.Candidate(nil), a.local...)
}

// RemoteCandidates returns a copy of the known remote candidates.
func (a *Agent) RemoteCandidates() []candidate.Candidate {
	return append([]candidate.Candidate(nil), a.remote...)
}

// AddRemoteCandidate records a candidate received over signaling.
// Candidates denied by the remote filter rule are dropped with a
// warning.
func (a *Agent) AddRemoteCandidate(c candidate.Candidate) {
	if a.cfg.RemoteRule != nil && !a.cfg.RemoteRule.AllowsAddr(c.Address) {
		a.log.Warn("remote candidate denied by filter",
			zap.Stringer("candidate", c),
		)
		return
	}
	a.log.Info("adding remote candidate", zap.Stringer("candidate", c))
	a.remote = append(a.remote, c)
}

// Close releases the data socket and the TURN allocation (which will
// expire server-side), clears all candidates, counters and flags, and
// returns the agent to StateNew. Idempotent.
func (a *Agent) Close() {
	if a.data != nil {
		if err := a.data.Close(); err != nil {
			a.log.Warn("failed to close data socket", zap.Error(err))
		}
		a.data = nil
	}
	if a.relay != nil {
		a.relay.Close()
		a.relay = nil
	}
	a.local = nil
	a.remote = nil
	a.hasPair = false
	a.selLocal = candidate.Candidate{}
	a.selRemote = candidate.Candidate{}
	a.directAttempts = 0
	a.totalAttempts = 0
	a.sinceAttempt = 0
	a.hsElapsed = 0
	a.sinceHello = 0
	a.helloSent = false
	a.helloReceived = false
	a.pendingData = nil
	a.setState(StateNew)
}
