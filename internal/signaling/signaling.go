// Package signaling abstracts the out-of-band channel two agents use
// to exchange session descriptions and candidates.
package signaling

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/raydienull/subsystem-ice/internal/candidate"
)

// Type is the signaling message type.
type Type byte

// Signaling message types.
const (
	TypeOffer Type = iota
	TypeAnswer
	TypeCandidate
)

var typeNames = map[Type]string{
	TypeOffer:     "offer",
	TypeAnswer:    "answer",
	TypeCandidate: "candidate",
}

func (t Type) String() string {
	s, ok := typeNames[t]
	if !ok {
		return "unknown"
	}
	return s
}

// Message is one signaling payload. An empty ReceiverID means
// broadcast.
type Message struct {
	Type       Type
	SessionID  string
	SenderID   string
	ReceiverID string
	Timestamp  time.Time
	Candidates []candidate.Candidate
	Metadata   map[string]string
}

// wire shapes for the JSON mapping.
type wireCandidate struct {
	Foundation  string `json:"foundation"`
	ComponentID int    `json:"componentId"`
	Transport   string `json:"transport"`
	Priority    uint32 `json:"priority"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
	Type        string `json:"type"`
}

type wireMessage struct {
	Type       string            `json:"type"`
	SessionID  string            `json:"sessionId"`
	SenderID   string            `json:"senderId"`
	ReceiverID string            `json:"receiverId"`
	Timestamp  string            `json:"timestamp"`
	Candidates []wireCandidate   `json:"candidates"`
	Metadata   map[string]string `json:"metadata"`
}

// ToJSON encodes m.
func (m Message) ToJSON() ([]byte, error) {
	w := wireMessage{
		Type:       m.Type.String(),
		SessionID:  m.SessionID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Timestamp:  m.Timestamp.UTC().Format(time.RFC3339),
		Candidates: make([]wireCandidate, 0, len(m.Candidates)),
		Metadata:   m.Metadata,
	}
	for _, c := range m.Candidates {
		w.Candidates = append(w.Candidates, wireCandidate{
			Foundation:  c.Foundation,
			ComponentID: c.ComponentID,
			Transport:   c.Transport,
			Priority:    c.Priority,
			Address:     c.Address,
			Port:        c.Port,
			Type:        c.Type.String(),
		})
	}
	return json.Marshal(w)
}

// FromJSON decodes a message. Unknown type and missing timestamp get
// best-effort defaults (candidate type, zero time); the returned
// warning names what was defaulted and the message is still usable.
// A hard error is returned only for undecodable JSON.
func FromJSON(b []byte) (Message, string, error) {
	var (
		w       wireMessage
		warning string
	)
	if err := json.Unmarshal(b, &w); err != nil {
		return Message{}, "", errors.Wrap(err, "failed to decode signal")
	}
	m := Message{
		SessionID:  w.SessionID,
		SenderID:   w.SenderID,
		ReceiverID: w.ReceiverID,
		Metadata:   w.Metadata,
	}
	switch w.Type {
	case "offer":
		m.Type = TypeOffer
	case "answer":
		m.Type = TypeAnswer
	case "candidate":
		m.Type = TypeCandidate
	default:
		m.Type = TypeCandidate
		warning = "unknown message type " + w.Type
	}
	if ts, err := time.Parse(time.RFC3339, w.Timestamp); err != nil {
		warning = "missing or malformed timestamp"
	} else {
		m.Timestamp = ts
	}
	for _, wc := range w.Candidates {
		c := candidate.Candidate{
			Foundation:  wc.Foundation,
			ComponentID: wc.ComponentID,
			Transport:   wc.Transport,
			Priority:    wc.Priority,
			Address:     wc.Address,
			Port:        wc.Port,
		}
		switch wc.Type {
		case "host":
			c.Type = candidate.Host
		case "srflx":
			c.Type = candidate.ServerReflexive
		case "relay":
			c.Type = candidate.Relayed
		default:
			warning = "unknown candidate type " + wc.Type
		}
		m.Candidates = append(m.Candidates, c)
	}
	return m, warning, nil
}

// Handler consumes received messages.
type Handler func(Message)

// Signaler is the out-of-band candidate exchange transport.
type Signaler interface {
	// Init prepares the backing store.
	Init() error
	// Shutdown deactivates the signaler. Idempotent.
	Shutdown()
	// Send publishes one message.
	Send(Message) error
	// Process drains newly arrived messages and invokes the
	// registered handlers. Called periodically from tick context.
	Process()
	// Active reports whether Init succeeded and Shutdown was not
	// called.
	Active() bool
	// LocalPeerID returns the locally generated peer id.
	LocalPeerID() string
	// OnMessage registers a handler for received messages.
	OnMessage(Handler)
}

// accepts reports whether a message addressed as m should be delivered
// to the peer with localID: own messages and messages directed at
// other peers are dropped.
func accepts(localID string, m Message) bool {
	if m.SenderID == localID {
		return false
	}
	if m.ReceiverID != "" && m.ReceiverID != localID {
		return false
	}
	return true
}
