package turn_test

import (
	"bytes"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/raydienull/subsystem-ice/internal/stuntest"
	"github.com/raydienull/subsystem-ice/internal/turn"
)

func newTestServer(t *testing.T, opt stuntest.Options) *stuntest.Server {
	t.Helper()
	if opt.Username == "" {
		opt.Username = "u"
	}
	if opt.Password == "" {
		opt.Password = "p"
	}
	if opt.Realm == "" {
		opt.Realm = "r"
	}
	s, err := stuntest.New(zap.NewNop(), opt)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestClient_Allocate(t *testing.T) {
	server := newTestServer(t, stuntest.Options{
		Lifetime: 600 * time.Second,
	})
	c := turn.NewClient(zap.NewNop(), server.Addr(), "u", "p")
	defer c.Close()

	relayIP, relayPort, err := c.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if !c.Active() {
		t.Error("allocation should be active")
	}
	if c.Lifetime() != 600*time.Second {
		t.Errorf("unexpected lifetime %s", c.Lifetime())
	}
	if !relayIP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("unexpected relay ip %s", relayIP)
	}
	if relayPort == 0 {
		t.Error("relay port should be assigned")
	}
	// Two-phase exchange: unauthenticated probe plus one
	// authenticated retry.
	if n := server.AllocateCount(); n != 2 {
		t.Errorf("unexpected allocate request count %d", n)
	}
}

func TestClient_AllocateWrongCredentials(t *testing.T) {
	server := newTestServer(t, stuntest.Options{Always401: true})
	c := turn.NewClient(zap.NewNop(), server.Addr(), "u", "p")
	defer c.Close()

	if _, _, err := c.Allocate(); err == nil {
		t.Fatal("allocate should fail")
	}
	if c.Active() {
		t.Error("allocation should not be active")
	}
	// The second 401 must not trigger a third request.
	if n := server.AllocateCount(); n != 2 {
		t.Errorf("unexpected allocate request count %d", n)
	}
}

func TestClient_RefreshSchedule(t *testing.T) {
	server := newTestServer(t, stuntest.Options{
		Lifetime: 600 * time.Second,
	})
	c := turn.NewClient(zap.NewNop(), server.Addr(), "u", "p")
	defer c.Close()

	if _, _, err := c.Allocate(); err != nil {
		t.Fatal(err)
	}
	// Below 80% of the lifetime nothing happens.
	c.Tick(479 * time.Second)
	if n := server.RefreshCount(); n != 0 {
		t.Errorf("premature refresh, count %d", n)
	}
	// Crossing 480s fires exactly one refresh.
	c.Tick(2 * time.Second)
	if n := server.RefreshCount(); n != 1 {
		t.Errorf("unexpected refresh count %d", n)
	}
	if !c.Active() {
		t.Error("allocation should stay active")
	}
}

// peerSocket is a plain UDP endpoint exchanging datagrams with the
// relay address.
func peerSocket(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitRead(t *testing.T, c *turn.Client, buf []byte) (int, *net.UDPAddr) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, peer, ok := c.Read(buf); ok {
			return n, peer
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for relayed data")
	return 0, nil
}

func TestClient_DataPath(t *testing.T) {
	server := newTestServer(t, stuntest.Options{})
	c := turn.NewClient(zap.NewNop(), server.Addr(), "u", "p")
	defer c.Close()

	relayIP, relayPort, err := c.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	peer := peerSocket(t)
	peerAddr := peer.LocalAddr().(*net.UDPAddr)
	relayAddr := &net.UDPAddr{IP: relayIP, Port: relayPort}

	if err = c.CreatePermission(peerAddr.IP, peerAddr.Port); err != nil {
		t.Fatal(err)
	}

	// No channel bound yet: outbound goes as a Send indication,
	// inbound arrives as a Data indication.
	if err = c.Send(peerAddr.IP, peerAddr.Port, []byte("via-indication")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2048)
	if err = peer.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	n, _, err := peer.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("via-indication")) {
		t.Errorf("unexpected payload %q", buf[:n])
	}
	if _, err = peer.WriteTo([]byte("reply-indication"), relayAddr); err != nil {
		t.Fatal(err)
	}
	n, from := waitRead(t, c, buf)
	if !bytes.Equal(buf[:n], []byte("reply-indication")) {
		t.Errorf("unexpected payload %q", buf[:n])
	}
	if from.Port != peerAddr.Port {
		t.Errorf("unexpected peer %s", from)
	}

	// With a bound channel both directions use ChannelData framing.
	if err = c.ChannelBind(peerAddr.IP, peerAddr.Port, turn.MinChannelNumber); err != nil {
		t.Fatal(err)
	}
	if c.Channel() != turn.MinChannelNumber {
		t.Errorf("unexpected channel %s", c.Channel())
	}
	if err = c.Send(peerAddr.IP, peerAddr.Port, []byte("via-channel")); err != nil {
		t.Fatal(err)
	}
	if err = peer.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	n, _, err = peer.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("via-channel")) {
		t.Errorf("unexpected payload %q", buf[:n])
	}
	if _, err = peer.WriteTo([]byte("reply-channel"), relayAddr); err != nil {
		t.Fatal(err)
	}
	n, from = waitRead(t, c, buf)
	if !bytes.Equal(buf[:n], []byte("reply-channel")) {
		t.Errorf("unexpected payload %q", buf[:n])
	}
	if from.Port != peerAddr.Port {
		t.Errorf("unexpected peer %s", from)
	}
	if server.PermissionCount() == 0 {
		t.Error("server observed no permissions")
	}
	if server.ChannelBindCount() == 0 {
		t.Error("server observed no channel binds")
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	server := newTestServer(t, stuntest.Options{})
	c := turn.NewClient(zap.NewNop(), server.Addr(), "u", "p")
	if _, _, err := c.Allocate(); err != nil {
		t.Fatal(err)
	}
	c.Close()
	if c.Active() {
		t.Error("allocation should be inactive after close")
	}
	c.Close() // no-op
}

func TestClient_ChannelBindInvalidNumber(t *testing.T) {
	c := turn.NewClient(zap.NewNop(), "127.0.0.1:3478", "u", "p")
	if err := c.ChannelBind(net.IPv4(127, 0, 0, 1), 1000, 0x1000); err != turn.ErrInvalidChannelNumber {
		t.Errorf("unexpected error %v", err)
	}
}
