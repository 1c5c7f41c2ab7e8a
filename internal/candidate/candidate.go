// Package candidate defines ICE candidates, their RFC 8445 priority
// and the textual candidate-line codec used over signaling.
package candidate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Type is ICE candidate type.
type Type byte

// Candidate types in decreasing preference order.
const (
	Host Type = iota
	ServerReflexive
	Relayed
)

var typeNames = map[Type]string{
	Host:            "host",
	ServerReflexive: "srflx",
	Relayed:         "relay",
}

func (t Type) String() string {
	s, ok := typeNames[t]
	if !ok {
		return "unknown"
	}
	return s
}

// TypePreference returns the RFC 8445 type preference for t.
func (t Type) TypePreference() int {
	switch t {
	case Host:
		return 126
	case ServerReflexive:
		return 100
	default:
		return 0
	}
}

// parseType parses textual candidate type.
func parseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return Host, errors.Errorf("unknown candidate type %q", s)
}

// Candidate is a potential transport address of an agent.
//
// Port is zero until the associated socket is bound; once bound it is
// non-zero and immutable. Candidates are value objects.
type Candidate struct {
	Foundation     string
	ComponentID    int
	Transport      string
	Priority       uint32
	Address        string
	Port           int
	Type           Type
	RelatedAddress string
	RelatedPort    int
}

// Priority computes the RFC 8445 candidate priority:
//
//	(TypePref << 24) | (LocalPref << 8) | (256 - ComponentID)
func Priority(t Type, localPref, componentID int) uint32 {
	return uint32(t.TypePreference())<<24 |
		uint32(localPref)<<8 |
		uint32(256-componentID)
}

// prefix of the textual form.
const prefix = "candidate:"

// String returns the textual candidate line:
//
//	candidate:<found> <cid> <trans> <prio> <addr> <port> typ <type>
func (c Candidate) String() string {
	return fmt.Sprintf("%s%s %d %s %d %s %d typ %s",
		prefix,
		c.Foundation,
		c.ComponentID,
		c.Transport,
		c.Priority,
		c.Address,
		c.Port,
		c.Type,
	)
}

// Parse decodes the textual candidate line. The "candidate:" prefix is
// optional on parse; a repeated leading prefix is stripped as well.
func Parse(s string) (Candidate, error) {
	var c Candidate
	s = strings.TrimSpace(s)
	for strings.HasPrefix(s, prefix) {
		s = strings.TrimPrefix(s, prefix)
	}
	parts := strings.Fields(s)
	if len(parts) < 8 {
		return c, errors.Errorf("candidate line has %d fields, want at least 8", len(parts))
	}
	if parts[6] != "typ" {
		return c, errors.Errorf("expected %q at field 7, got %q", "typ", parts[6])
	}
	cid, err := strconv.Atoi(parts[1])
	if err != nil {
		return c, errors.Wrap(err, "bad component id")
	}
	prio, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return c, errors.Wrap(err, "bad priority")
	}
	port, err := strconv.Atoi(parts[5])
	if err != nil {
		return c, errors.Wrap(err, "bad port")
	}
	typ, err := parseType(parts[7])
	if err != nil {
		return c, err
	}
	c.Foundation = parts[0]
	c.ComponentID = cid
	c.Transport = parts[2]
	c.Priority = uint32(prio)
	c.Address = parts[4]
	c.Port = port
	c.Type = typ
	return c, nil
}
