package agent

import (
	"bytes"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/raydienull/subsystem-ice/internal/candidate"
	"github.com/raydienull/subsystem-ice/internal/filter"
	"github.com/raydienull/subsystem-ice/internal/stuntest"
)

// TestAgent_RelayFallback covers the relay path: A has only a host
// candidate, B only a relayed one, so the direct stage exhausts its
// attempts on both sides and the connection is established through
// the TURN mock with ChannelData framing.
func TestAgent_RelayFallback(t *testing.T) {
	server, err := stuntest.New(zap.NewNop(), stuntest.Options{
		Username: "u",
		Password: "p",
		Realm:    "r",
		Lifetime: 600 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	a := New(zap.NewNop(), fastConfig())
	defer a.Close()

	// Denying every host address leaves B with the relayed candidate
	// only.
	bCfg := fastConfig()
	bCfg.TURNServers = []string{server.Addr()}
	bCfg.TURNUsername = "u"
	bCfg.TURNPassword = "p"
	bCfg.LocalRule = filter.NewFilter(filter.Deny)
	b := New(zap.NewNop(), bCfg)
	defer b.Close()

	if !a.GatherCandidates() || !b.GatherCandidates() {
		t.Fatal("gathering failed")
	}
	bLocals := b.LocalCandidates()
	if len(bLocals) != 1 || bLocals[0].Type != candidate.Relayed {
		t.Fatalf("expected a single relayed candidate, got %v", bLocals)
	}
	exchangeCandidates(a, b)

	if !a.StartConnectivityChecks() {
		t.Fatal("start failed for a")
	}
	if !b.StartConnectivityChecks() {
		t.Fatal("start failed for b")
	}
	pump(t, []*Agent{a, b}, 5*time.Second, func() bool {
		return a.IsConnected() && b.IsConnected()
	})

	if server.PermissionCount() == 0 {
		t.Error("mock observed no CreatePermission")
	}
	if server.ChannelBindCount() == 0 {
		t.Error("mock observed no ChannelBind")
	}

	if !a.SendData([]byte("ping")) {
		t.Fatal("send failed")
	}
	buf := make([]byte, 2048)
	var n int
	pump(t, []*Agent{a, b}, 2*time.Second, func() bool {
		var ok bool
		n, ok = b.ReceiveData(buf)
		return ok
	})
	if !bytes.Equal(buf[:n], []byte("ping")) {
		t.Errorf("unexpected payload %q", buf[:n])
	}
	if !b.SendData([]byte("pong")) {
		t.Fatal("send failed")
	}
	pump(t, []*Agent{a, b}, 2*time.Second, func() bool {
		var ok bool
		n, ok = a.ReceiveData(buf)
		return ok
	})
	if !bytes.Equal(buf[:n], []byte("pong")) {
		t.Errorf("unexpected payload %q", buf[:n])
	}

	// Crossing 80% of the allocation lifetime in simulated time
	// fires a Refresh on the owning side.
	b.Tick(481 * time.Second)
	if server.RefreshCount() == 0 {
		t.Error("mock observed no Refresh")
	}
}

// TestAgent_RelayFallbackFails walks the full fallback ladder against
// a silent remote: the direct stage has no usable pair, the relay
// stage sends into the void, and the handshake timeout ends in
// StateFailed.
func TestAgent_RelayFallbackFails(t *testing.T) {
	a := New(zap.NewNop(), fastConfig())
	defer a.Close()
	if !a.GatherCandidates() {
		t.Fatal("gathering failed")
	}
	// Only a relayed remote: the direct stage cannot pair at all.
	a.AddRemoteCandidate(candidate.Candidate{
		Foundation: "3", ComponentID: 1, Transport: "UDP",
		Address: "127.0.0.1", Port: 9, Type: candidate.Relayed,
	})
	if !a.StartConnectivityChecks() {
		t.Fatal("start failed")
	}
	sawRelay := false
	for i := 0; i < 40 && a.ConnectionState() != StateFailed; i++ {
		a.Tick(testTick)
		if a.ConnectionState() == StateConnectingRelay {
			sawRelay = true
		}
		if a.ConnectionState() == StatePerformingHandshake {
			sawRelay = true
			a.Tick(6 * time.Second)
		}
	}
	if !sawRelay {
		t.Error("agent never reached the relay stage")
	}
	if a.ConnectionState() != StateFailed {
		t.Errorf("unexpected state %s", a.ConnectionState())
	}
}
