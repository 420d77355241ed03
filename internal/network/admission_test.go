package network

import (
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/detonator-project/detonator/internal/protocol"
)

type fakeStarter struct {
	joined  int32
	starts  int32
	started chan struct{}
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{started: make(chan struct{})}
}

func (f *fakeStarter) MarkJoined() { atomic.AddInt32(&f.joined, 1) }

func (f *fakeStarter) StartMatch(ctx context.Context) error {
	if atomic.AddInt32(&f.starts, 1) == 1 {
		close(f.started)
	}
	return nil
}

func startAdmission(t *testing.T, mode protocol.GameMode, starter MatchStarter) (*Admission, *ConnectionRegistry, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	registry := NewConnectionRegistry()
	a := NewAdmission(AdmissionConfig{
		Mode:           mode,
		BindAddress:    "127.0.0.1",
		PortAttempts:   20,
		ActionPort:     40001,
		MulticastPort:  40002,
		MulticastGroup: net.ParseIP("ff12::dead:beef"),
	}, starter, nil, registry)
	if err := a.Listen(ctx); err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}
	go a.Serve(ctx)
	return a, registry, cancel
}

func writeHeader(t *testing.T, conn net.Conn, h protocol.Header) {
	t.Helper()
	data, err := protocol.EncodeHeader(h)
	if err != nil {
		t.Errorf("encode header: %v", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		t.Errorf("write header: %v", err)
	}
}

// runClient performs the client side of the handshake and returns the
// connection info it received. The socket stays open.
func runClient(t *testing.T, addr string, mode protocol.GameMode, delay time.Duration) (net.Conn, protocol.ConnectionInfo) {
	time.Sleep(delay)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Errorf("dial: %v", err)
		return nil, protocol.ConnectionInfo{}
	}
	writeHeader(t, conn, protocol.ConnectRequest(mode))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	info, err := protocol.ReadConnectionInfo(conn)
	if err != nil {
		t.Errorf("read connection info: %v", err)
		return conn, info
	}
	time.Sleep(delay)
	writeHeader(t, conn, protocol.ReadyRequest(mode, info.PlayerID, info.Team))
	return conn, info
}

func TestHandshakeStartsMatchOnce(t *testing.T) {
	for round := 0; round < 3; round++ {
		starter := newFakeStarter()
		a, registry, cancel := startAdmission(t, protocol.ModeTeam, starter)

		var wg sync.WaitGroup
		infos := make([]protocol.ConnectionInfo, protocol.PlayerNum)
		conns := make([]net.Conn, protocol.PlayerNum)
		for i := 0; i < protocol.PlayerNum; i++ {
			i := i
			delay := time.Duration(rand.Intn(20)) * time.Millisecond
			wg.Add(1)
			go func() {
				defer wg.Done()
				conns[i], infos[i] = runClient(t, a.Addr().String(), protocol.ModeTeam, delay)
			}()
		}
		wg.Wait()

		select {
		case <-starter.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("match never started")
		}
		time.Sleep(20 * time.Millisecond)
		if got := atomic.LoadInt32(&starter.starts); got != 1 {
			t.Fatalf("expected StartMatch once, got %d", got)
		}
		if got := atomic.LoadInt32(&starter.joined); got != 1 {
			t.Fatalf("expected MarkJoined once, got %d", got)
		}

		seen := map[uint8]bool{}
		for _, info := range infos {
			if seen[info.PlayerID] {
				t.Fatalf("player id %d handed out twice", info.PlayerID)
			}
			seen[info.PlayerID] = true
			if info.Team != info.PlayerID/2 {
				t.Fatalf("player %d: expected team %d, got %d", info.PlayerID, info.PlayerID/2, info.Team)
			}
			if info.Mode != protocol.ModeTeam || info.ActionPort != 40001 || info.MulticastPort != 40002 {
				t.Fatalf("unexpected info %+v", info)
			}
			if !info.MulticastIP().Equal(net.ParseIP("ff12::dead:beef")) {
				t.Fatalf("unexpected group %s", info.MulticastIP())
			}
		}

		deadline := time.Now().Add(2 * time.Second)
		for registry.Count() != protocol.PlayerNum || !allPlaying(registry) {
			if time.Now().After(deadline) {
				t.Fatalf("expected all clients playing, got %+v", registry.List())
			}
			time.Sleep(5 * time.Millisecond)
		}

		for _, c := range conns {
			if c != nil {
				c.Close()
			}
		}
		cancel()
	}
}

func allPlaying(r *ConnectionRegistry) bool {
	for _, c := range r.List() {
		if c.State != StatePlaying.String() {
			return false
		}
	}
	return true
}

func TestWrongModeReleasesSlot(t *testing.T) {
	starter := newFakeStarter()
	a, registry, cancel := startAdmission(t, protocol.ModeSolo, starter)
	defer cancel()

	bad, err := net.Dial("tcp", a.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	writeHeader(t, bad, protocol.ConnectRequest(protocol.ModeTeam))

	// The server closes the socket without sending anything.
	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := bad.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF after wrong mode, got %v", err)
	}
	bad.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		a.slotsMu.Lock()
		free := !a.slots[0]
		a.slotsMu.Unlock()
		if free {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot 0 never released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if registry.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", registry.Count())
	}
}

func TestChatRelayAfterStart(t *testing.T) {
	starter := newFakeStarter()
	a, registry, cancel := startAdmission(t, protocol.ModeSolo, starter)
	defer cancel()

	var wg sync.WaitGroup
	conns := make([]net.Conn, protocol.PlayerNum)
	infos := make([]protocol.ConnectionInfo, protocol.PlayerNum)
	for i := 0; i < protocol.PlayerNum; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			conns[i], infos[i] = runClient(t, a.Addr().String(), protocol.ModeSolo, 0)
		}()
	}
	wg.Wait()
	defer func() {
		for _, c := range conns {
			if c != nil {
				c.Close()
			}
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !allPlaying(registry) || registry.Count() != protocol.PlayerNum {
		if time.Now().After(deadline) {
			t.Fatalf("clients never reached playing")
		}
		time.Sleep(5 * time.Millisecond)
	}

	msg, _ := protocol.EncodeChatMessage(protocol.ChatMessage{Scope: protocol.ScopeGlobal, SenderID: infos[0].PlayerID, Body: "gl hf"})
	if _, err := conns[0].Write(msg); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	for i, c := range conns {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		got, err := protocol.ReadChatMessage(c)
		if err != nil {
			t.Fatalf("client %d: read relay: %v", i, err)
		}
		if !got.Relay || got.Body != "gl hf" || got.SenderID != infos[0].PlayerID {
			t.Fatalf("client %d: unexpected relay %+v", i, got)
		}
	}
}
