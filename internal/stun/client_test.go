package stun_test

import (
	"net"
	"testing"

	"go.uber.org/zap"

	"github.com/raydienull/subsystem-ice/internal/stun"
	"github.com/raydienull/subsystem-ice/internal/stuntest"
)

func TestProbe(t *testing.T) {
	server, err := stuntest.New(zap.NewNop(), stuntest.Options{
		MappedAddress: &net.UDPAddr{
			IP:   net.IPv4(203, 0, 113, 5),
			Port: 41234,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	ip, port, err := stun.Probe(zap.NewNop(), server.Addr())
	if err != nil {
		t.Fatal(err)
	}
	if ip != "203.0.113.5" {
		t.Errorf("unexpected ip %s", ip)
	}
	if port != 41234 {
		t.Errorf("unexpected port %d", port)
	}
}

func TestProbe_Reflects(t *testing.T) {
	server, err := stuntest.New(zap.NewNop(), stuntest.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	ip, port, err := stun.Probe(zap.NewNop(), server.Addr())
	if err != nil {
		t.Fatal(err)
	}
	if ip != "127.0.0.1" {
		t.Errorf("unexpected ip %s", ip)
	}
	if port == 0 {
		t.Error("port should be the observed source port")
	}
}

// garbageServer replies to any datagram with a fixed malformed
// payload.
func garbageServer(t *testing.T, payload []byte) (addr string, closer func()) {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1024)
		for {
			_, from, readErr := conn.ReadFrom(buf)
			if readErr != nil {
				return
			}
			if _, writeErr := conn.WriteTo(payload, from); writeErr != nil {
				return
			}
		}
	}()
	return conn.LocalAddr().String(), func() {
		_ = conn.Close()
		<-done
	}
}

func TestProbe_Malformed(t *testing.T) {
	addr, closer := garbageServer(t, make([]byte, 12))
	defer closer()

	if _, _, err := stun.Probe(zap.NewNop(), addr); err == nil {
		t.Error("probe of malformed response should fail")
	}
}

func TestProbe_Unresolvable(t *testing.T) {
	if _, _, err := stun.Probe(zap.NewNop(), "no-such-host.invalid:3478"); err == nil {
		t.Error("should fail to resolve")
	}
}
