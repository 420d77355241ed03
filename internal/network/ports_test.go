package network

import (
	"context"
	"errors"
	"testing"
)

func TestBindWithRetryExhausts(t *testing.T) {
	calls := 0
	_, err := bindWithRetry("tcp", 0, 5, func(p int) error {
		calls++
		if p < MinRandomPort || p > MaxRandomPort {
			t.Fatalf("port %d outside random range", p)
		}
		return errors.New("busy")
	})
	if !errors.Is(err, ErrPortsExhausted) {
		t.Fatalf("expected ErrPortsExhausted, got %v", err)
	}
	if calls != 5 {
		t.Fatalf("expected 5 attempts, got %d", calls)
	}
}

func TestBindWithRetryPinnedPort(t *testing.T) {
	got, err := bindWithRetry("tcp", 4242, 5, func(p int) error {
		if p != 4242 {
			t.Fatalf("expected pinned port, got %d", p)
		}
		return nil
	})
	if err != nil || got != 4242 {
		t.Fatalf("expected 4242, got %d (%v)", got, err)
	}

	calls := 0
	_, err = bindWithRetry("tcp", 4242, 5, func(int) error {
		calls++
		return errors.New("busy")
	})
	if err == nil || errors.Is(err, ErrPortsExhausted) || calls != 1 {
		t.Fatalf("expected a single failed attempt, got %d calls (%v)", calls, err)
	}
}

func TestListenRandomPorts(t *testing.T) {
	ln, err := ListenTCP(context.Background(), "127.0.0.1", 0, 20)
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	defer ln.Close()
	if p := PortOf(ln.Addr()); p < MinRandomPort {
		t.Fatalf("unexpected tcp port %d", p)
	}

	conn, err := ListenUDP(context.Background(), "127.0.0.1", 20)
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer conn.Close()
	if p := PortOf(conn.LocalAddr()); p < MinRandomPort {
		t.Fatalf("unexpected udp port %d", p)
	}
}
