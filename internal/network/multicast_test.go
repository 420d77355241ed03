package network

import (
	"net"
	"testing"
	"time"

	"golang.org/x/net/ipv6"
)

func TestRandomGroupIsTransientLinkLocal(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		ip, err := RandomGroup()
		if err != nil {
			t.Fatalf("random group: %v", err)
		}
		if ip[0] != 0xff || ip[1] != 0x12 {
			t.Fatalf("expected ff12 prefix, got %s", ip)
		}
		if !ip.IsLinkLocalMulticast() {
			t.Fatalf("expected link-local multicast, got %s", ip)
		}
		seen[ip.String()] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected random groups, got %v", seen)
	}
}

// TestMulticastLoopback needs an IPv6 multicast-capable loopback; it skips
// on hosts without one.
func TestMulticastLoopback(t *testing.T) {
	lo := loopbackInterface(t)

	m, err := NewMulticaster(MulticastConfig{Interface: lo.Name})
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer m.Close()

	recv, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: int(m.Port())})
	if err != nil {
		t.Skipf("cannot bind group port: %v", err)
	}
	defer recv.Close()
	if err := ipv6.NewPacketConn(recv).JoinGroup(lo, &net.UDPAddr{IP: m.Group()}); err != nil {
		t.Skipf("cannot join group: %v", err)
	}

	if err := m.Broadcast([]byte{0x00, 0x0b}); err != nil {
		t.Skipf("send failed: %v", err)
	}
	recv.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, _, err := recv.ReadFromUDP(buf)
	if err != nil {
		t.Skipf("no loopback delivery: %v", err)
	}
	if n != 2 || buf[1] != 0x0b {
		t.Fatalf("unexpected payload %x", buf[:n])
	}
	if frames, bytes := m.Sent(); frames != 1 || bytes != 2 {
		t.Fatalf("unexpected counters %d/%d", frames, bytes)
	}
}

func loopbackInterface(t *testing.T) *net.Interface {
	t.Helper()
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Skipf("no interfaces: %v", err)
	}
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagLoopback != 0 && ifaces[i].Flags&net.FlagUp != 0 {
			return &ifaces[i]
		}
	}
	t.Skip("no loopback interface")
	return nil
}
