package signaling

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Hub is an in-memory signaling backend connecting peers in one
// process. Used by tests and the loopback demo.
type Hub struct {
	mux   sync.Mutex
	peers []*Mem
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// NewPeer attaches a new in-memory signaler to the hub.
func (h *Hub) NewPeer(log *zap.Logger) *Mem {
	m := &Mem{
		log:    log,
		hub:    h,
		peerID: uuid.New().String(),
	}
	h.mux.Lock()
	h.peers = append(h.peers, m)
	h.mux.Unlock()
	return m
}

func (h *Hub) publish(m Message) {
	h.mux.Lock()
	peers := append([]*Mem(nil), h.peers...)
	h.mux.Unlock()
	for _, p := range peers {
		p.deliver(m)
	}
}

// Mem is the in-memory Signaler. Messages are queued on publish and
// dispatched from Process, preserving the tick-driven delivery model
// of the filesystem adapter.
type Mem struct {
	log      *zap.Logger
	hub      *Hub
	peerID   string
	active   bool
	handlers []Handler

	mux   sync.Mutex
	queue []Message
}

// Init implements Signaler.
func (m *Mem) Init() error {
	m.active = true
	return nil
}

// Shutdown implements Signaler.
func (m *Mem) Shutdown() { m.active = false }

// Active implements Signaler.
func (m *Mem) Active() bool { return m.active }

// LocalPeerID implements Signaler.
func (m *Mem) LocalPeerID() string { return m.peerID }

// OnMessage implements Signaler.
func (m *Mem) OnMessage(h Handler) {
	m.handlers = append(m.handlers, h)
}

// Send implements Signaler.
func (m *Mem) Send(msg Message) error {
	if !m.active {
		return errors.New("signaling not active")
	}
	m.hub.publish(msg)
	return nil
}

func (m *Mem) deliver(msg Message) {
	if !accepts(m.peerID, msg) {
		return
	}
	m.mux.Lock()
	m.queue = append(m.queue, msg)
	m.mux.Unlock()
}

// Process implements Signaler.
func (m *Mem) Process() {
	if !m.active {
		return
	}
	m.mux.Lock()
	queued := m.queue
	m.queue = nil
	m.mux.Unlock()
	for _, msg := range queued {
		for _, h := range m.handlers {
			h(msg)
		}
	}
}
