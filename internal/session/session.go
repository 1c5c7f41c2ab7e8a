// Package session implements the in-memory session registry that
// brokers peer connections over a signaling adapter: a host announces
// a session with an offer, joiners answer with their candidates, and
// each accepted answer gets its own NAT traversal agent.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/raydienull/subsystem-ice/internal/agent"
	"github.com/raydienull/subsystem-ice/internal/signaling"
)

// State of a session.
type State int

// Session states.
const (
	StateCreating State = iota
	StatePending
	StateInProgress
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in-progress"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// metadata keys used in signaling messages.
const (
	metaSessionName = "sessionName"
)

// Info describes a discoverable session.
type Info struct {
	ID         string
	Name       string
	HostPeerID string
}

// Session is one hosted or joined session.
type Session struct {
	ID    string
	Name  string
	State State
	// Host is true when this peer created the session.
	Host bool
	// Agents maps remote peer id to the traversal agent serving it.
	Agents map[string]*agent.Agent
}

// Manager owns local sessions and the discovery bookkeeping. All
// methods are driven from tick context except the signaling handler,
// which the signaler also invokes from Process (tick context).
type Manager struct {
	log      *zap.Logger
	signaler signaling.Signaler
	agentCfg agent.Config

	mux      sync.Mutex
	sessions map[string]*Session
	found    map[string]Info
}

// NewManager returns a manager publishing over signaler and creating
// agents with agentCfg.
func NewManager(log *zap.Logger, signaler signaling.Signaler, agentCfg agent.Config) *Manager {
	m := &Manager{
		log:      log,
		signaler: signaler,
		agentCfg: agentCfg,
		sessions: make(map[string]*Session),
		found:    make(map[string]Info),
	}
	signaler.OnMessage(m.onSignal)
	return m
}

// Create hosts a new named session and announces it with a broadcast
// offer.
func (m *Manager) Create(name string) (*Session, error) {
	s := &Session{
		ID:     uuid.New().String(),
		Name:   name,
		State:  StateCreating,
		Host:   true,
		Agents: make(map[string]*agent.Agent),
	}
	err := m.signaler.Send(signaling.Message{
		Type:      signaling.TypeOffer,
		SessionID: s.ID,
		SenderID:  m.signaler.LocalPeerID(),
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{metaSessionName: name},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to announce session")
	}
	s.State = StatePending
	m.mux.Lock()
	m.sessions[s.ID] = s
	m.mux.Unlock()
	m.log.Info("session created",
		zap.String("id", s.ID),
		zap.String("name", name),
	)
	return s, nil
}

// Find returns the sessions discovered from received offers.
func (m *Manager) Find() []Info {
	m.mux.Lock()
	defer m.mux.Unlock()
	out := make([]Info, 0, len(m.found))
	for _, info := range m.found {
		out = append(out, info)
	}
	return out
}

// Join answers a discovered session: gathers local candidates and
// sends them to the host.
func (m *Manager) Join(id string) error {
	m.mux.Lock()
	info, ok := m.found[id]
	m.mux.Unlock()
	if !ok {
		return errors.Errorf("unknown session %s", id)
	}
	a := agent.New(m.log.Named("agent"), m.agentConfig())
	if !a.GatherCandidates() {
		a.Close()
		return errors.New("failed to gather candidates")
	}
	s := &Session{
		ID:     id,
		Name:   info.Name,
		State:  StatePending,
		Agents: map[string]*agent.Agent{info.HostPeerID: a},
	}
	err := m.signaler.Send(signaling.Message{
		Type:       signaling.TypeAnswer,
		SessionID:  id,
		SenderID:   m.signaler.LocalPeerID(),
		ReceiverID: info.HostPeerID,
		Timestamp:  time.Now().UTC(),
		Candidates: a.LocalCandidates(),
	})
	if err != nil {
		a.Close()
		return errors.Wrap(err, "failed to send answer")
	}
	m.mux.Lock()
	m.sessions[id] = s
	m.mux.Unlock()
	m.log.Info("joined session", zap.String("id", id))
	return nil
}

// Destroy ends a session and closes its agents.
func (m *Manager) Destroy(id string) error {
	m.mux.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mux.Unlock()
	if !ok {
		return errors.Errorf("unknown session %s", id)
	}
	for _, a := range s.Agents {
		a.Close()
	}
	s.State = StateEnded
	m.log.Info("session destroyed", zap.String("id", id))
	return nil
}

// Session returns the session with id, nil if unknown.
func (m *Manager) Session(id string) *Session {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.sessions[id]
}

func (m *Manager) agentConfig() agent.Config {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.agentCfg
}

// UpdateAgentConfig replaces the configuration used for agents
// created after this call. Existing agents are not touched.
func (m *Manager) UpdateAgentConfig(cfg agent.Config) {
	m.mux.Lock()
	m.agentCfg = cfg
	m.mux.Unlock()
}

// Tick drives the signaler and every session agent.
func (m *Manager) Tick(dt time.Duration) {
	m.signaler.Process()
	m.mux.Lock()
	agents := make([]*agent.Agent, 0, len(m.sessions))
	for _, s := range m.sessions {
		for _, a := range s.Agents {
			agents = append(agents, a)
		}
	}
	m.mux.Unlock()
	for _, a := range agents {
		a.Tick(dt)
	}
}

func (m *Manager) onSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeOffer:
		m.onOffer(msg)
	case signaling.TypeAnswer:
		m.onAnswer(msg)
	case signaling.TypeCandidate:
		m.onCandidates(msg)
	}
}

// onOffer records a discoverable session.
func (m *Manager) onOffer(msg signaling.Message) {
	name := msg.Metadata[metaSessionName]
	m.mux.Lock()
	m.found[msg.SessionID] = Info{
		ID:         msg.SessionID,
		Name:       name,
		HostPeerID: msg.SenderID,
	}
	m.mux.Unlock()
	m.log.Info("discovered session",
		zap.String("id", msg.SessionID),
		zap.String("name", name),
	)
}

// onAnswer accepts a joiner on a hosted session: a dedicated agent is
// created, our candidates are sent back, and checks start.
func (m *Manager) onAnswer(msg signaling.Message) {
	m.mux.Lock()
	s, ok := m.sessions[msg.SessionID]
	m.mux.Unlock()
	if !ok || !s.Host {
		m.log.Warn("answer for unknown session", zap.String("id", msg.SessionID))
		return
	}
	if _, exists := s.Agents[msg.SenderID]; exists {
		return
	}
	a := agent.New(m.log.Named("agent"), m.agentConfig())
	if !a.GatherCandidates() {
		m.log.Error("failed to gather candidates for joiner")
		a.Close()
		return
	}
	for _, c := range msg.Candidates {
		a.AddRemoteCandidate(c)
	}
	err := m.signaler.Send(signaling.Message{
		Type:       signaling.TypeCandidate,
		SessionID:  msg.SessionID,
		SenderID:   m.signaler.LocalPeerID(),
		ReceiverID: msg.SenderID,
		Timestamp:  time.Now().UTC(),
		Candidates: a.LocalCandidates(),
	})
	if err != nil {
		m.log.Error("failed to send candidates", zap.Error(err))
		a.Close()
		return
	}
	s.Agents[msg.SenderID] = a
	s.State = StateInProgress
	a.StartConnectivityChecks()
}

// onCandidates feeds remote candidates into the agent serving the
// sender and starts checks on the joining side.
func (m *Manager) onCandidates(msg signaling.Message) {
	m.mux.Lock()
	s, ok := m.sessions[msg.SessionID]
	m.mux.Unlock()
	if !ok {
		return
	}
	a, ok := s.Agents[msg.SenderID]
	if !ok {
		m.log.Warn("candidates from unknown peer", zap.String("peer", msg.SenderID))
		return
	}
	for _, c := range msg.Candidates {
		a.AddRemoteCandidate(c)
	}
	if !a.IsConnected() {
		s.State = StateInProgress
		a.StartConnectivityChecks()
	}
}
