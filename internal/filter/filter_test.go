package filter

import (
	"net"
	"testing"
)

func TestAllowAll_Allowed(t *testing.T) {
	if AllowAll.Action(net.IPv4(10, 0, 0, 1)) != Allow {
		t.Error("should be allowed")
	}
}

func TestStaticNetRule(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		rule, err := StaticNetRule(Allow, "127.0.0.1/32")
		if err != nil {
			t.Fatal(err)
		}
		for _, tc := range []struct {
			IP     net.IP
			Action Action
		}{
			{net.IPv4(127, 0, 0, 1), Allow},
			{net.IPv4(127, 0, 0, 2), Pass},
		} {
			t.Run(tc.IP.String(), func(t *testing.T) {
				if rule.Action(tc.IP) != tc.Action {
					t.Error("failed")
				}
			})
		}
	})
	t.Run("ParseError", func(t *testing.T) {
		if _, err := StaticNetRule(Allow, "bad"); err == nil {
			t.Error("should error")
		}
	})
}

func TestAllowNet(t *testing.T) {
	rule, err := AllowNet("192.168.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		IP     net.IP
		Action Action
	}{
		{net.IPv4(192, 168, 0, 1), Allow},
		{net.IPv4(127, 0, 0, 2), Pass},
	} {
		t.Run(tc.IP.String(), func(t *testing.T) {
			if rule.Action(tc.IP) != tc.Action {
				t.Error("failed")
			}
		})
	}
}

func TestForbidNet(t *testing.T) {
	rule, err := ForbidNet("192.168.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		IP     net.IP
		Action Action
	}{
		{net.IPv4(192, 168, 0, 1), Deny},
		{net.IPv4(127, 0, 0, 2), Pass},
	} {
		t.Run(tc.IP.String(), func(t *testing.T) {
			if rule.Action(tc.IP) != tc.Action {
				t.Error("failed")
			}
		})
	}
}

func TestFilter_Allowed(t *testing.T) {
	allowLoopback, err := AllowNet("127.0.0.1/32")
	if err != nil {
		t.Fatal(err)
	}
	forbidNet, err := ForbidNet("192.168.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	list := NewFilter(Deny, allowLoopback, forbidNet)
	for _, tc := range []struct {
		IP     net.IP
		Action Action
	}{
		{net.IPv4(192, 120, 0, 1), Deny},
		{net.IPv4(192, 168, 0, 1), Deny},
		{net.IPv4(127, 0, 0, 1), Allow},
	} {
		t.Run(tc.IP.String(), func(t *testing.T) {
			if list.Action(tc.IP) != tc.Action {
				t.Error("failed")
			}
		})
	}
	list = NewFilter(Allow, forbidNet)
	for _, tc := range []struct {
		IP     net.IP
		Action Action
	}{
		{net.IPv4(192, 120, 0, 1), Allow},
		{net.IPv4(192, 168, 0, 1), Deny},
		{net.IPv4(127, 0, 0, 1), Allow},
	} {
		t.Run(tc.IP.String(), func(t *testing.T) {
			if list.Action(tc.IP) != tc.Action {
				t.Error("failed")
			}
		})
	}
}

func TestFilter_AllowsAddr(t *testing.T) {
	forbidNet, err := ForbidNet("192.168.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	list := NewFilter(Allow, forbidNet)
	if !list.AllowsAddr("10.0.0.1") {
		t.Error("should allow")
	}
	if list.AllowsAddr("192.168.0.40") {
		t.Error("should deny")
	}
	if list.AllowsAddr("not-an-ip") {
		t.Error("unparsable address should be denied")
	}
}
