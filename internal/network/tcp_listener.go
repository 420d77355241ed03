package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/match"
	"github.com/detonator-project/detonator/internal/protocol"
)

// maxAcceptFailures consecutive Accept errors stop the handshake listener.
const maxAcceptFailures = 10

// acceptBackoff doubles from 5ms up to one second.
func acceptBackoff(failures int) time.Duration {
	d := 5 * time.Millisecond << uint(failures-1)
	if d > time.Second || d <= 0 {
		d = time.Second
	}
	return d
}

// MatchStarter is what admission needs from the match lifecycle.
type MatchStarter interface {
	MarkJoined()
	StartMatch(ctx context.Context) error
}

// AdmissionConfig describes the handshake listener and the endpoints it
// hands out in ConnectionInfo.
type AdmissionConfig struct {
	Mode         protocol.GameMode
	BindAddress  string
	Port         int
	PortAttempts int

	ActionPort     uint16
	MulticastPort  uint16
	MulticastGroup net.IP
}

// Admission accepts exactly PlayerNum players over TCP and walks each of
// them through the handshake: connect, join barrier, connection info,
// ready barrier, play.
type Admission struct {
	cfg      AdmissionConfig
	starter  MatchStarter
	eventBus *events.EventBus
	registry *ConnectionRegistry
	logger   zerolog.Logger

	joined *match.Barrier
	ready  *match.Barrier

	slotsMu sync.Mutex
	slots   [protocol.PlayerNum]bool

	listener net.Listener
}

// NewAdmission creates the handshake listener.
func NewAdmission(cfg AdmissionConfig, starter MatchStarter, eventBus *events.EventBus, registry *ConnectionRegistry) *Admission {
	return &Admission{
		cfg:      cfg,
		starter:  starter,
		eventBus: eventBus,
		registry: registry,
		logger:   log.With().Str("component", "admission").Logger(),
		joined:   match.NewBarrier(protocol.PlayerNum),
		ready:    match.NewBarrier(protocol.PlayerNum),
	}
}

// Listen binds the handshake port.
func (a *Admission) Listen(ctx context.Context) error {
	ln, err := ListenTCP(ctx, a.cfg.BindAddress, a.cfg.Port, a.cfg.PortAttempts)
	if err != nil {
		return fmt.Errorf("failed to start handshake listener: %w", err)
	}
	a.listener = ln
	a.logger.Info().Str("addr", ln.Addr().String()).Str("mode", a.cfg.Mode.String()).Msg("handshake listener started")
	return nil
}

// Addr returns the bound handshake address.
func (a *Admission) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Serve accepts clients until ctx ends. Listen must have been called. It
// returns an error when the listener is closed under it or Accept keeps
// failing maxAcceptFailures times in a row.
func (a *Admission) Serve(ctx context.Context) error {
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			a.listener.Close()
		case <-stopped:
		}
	}()

	failures := 0
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				a.logger.Info().Msg("handshake listener stopping")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("handshake listener closed: %w", err)
			}
			failures++
			if failures >= maxAcceptFailures {
				return fmt.Errorf("accept failed %d times in a row: %w", failures, err)
			}
			a.logger.Error().Err(err).Int("failures", failures).Msg("failed to accept connection")
			select {
			case <-time.After(acceptBackoff(failures)):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		failures = 0

		a.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("new client connection")
		go a.handleClient(ctx, conn)
	}
}

// Start binds and serves.
func (a *Admission) Start(ctx context.Context) error {
	if err := a.Listen(ctx); err != nil {
		return err
	}
	return a.Serve(ctx)
}

// Barriers exposes the join and ready rendezvous for monitoring.
func (a *Admission) Barriers() (joined, ready *match.Barrier) {
	return a.joined, a.ready
}

// claimSlot takes the lowest free player id.
func (a *Admission) claimSlot() (uint8, bool) {
	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()
	for id := range a.slots {
		if !a.slots[id] {
			a.slots[id] = true
			return uint8(id), true
		}
	}
	return 0, false
}

func (a *Admission) releaseSlot(id uint8) {
	a.slotsMu.Lock()
	a.slots[id] = false
	a.slotsMu.Unlock()
}

// teamFor splits team mode into {0,1} and {2,3}.
func teamFor(mode protocol.GameMode, id uint8) uint8 {
	if mode == protocol.ModeTeam {
		return id / 2
	}
	return 0
}

func (a *Admission) drop(ctx context.Context, conn *Connection, id int, reason string, err error) {
	logger := a.logger.With().
		Str("remote", conn.RemoteAddr().String()).
		Int("player_id", id).
		Str("state", conn.State().String()).
		Logger()
	logger.Warn().Err(err).Msg(reason)

	a.eventBus.Publish(ctx, events.EventClientDropped, "admission", events.ClientDroppedPayload{
		PlayerID: id,
		Addr:     conn.RemoteAddr().String(),
		State:    conn.State().String(),
		Reason:   reason,
	})
}

// handleClient runs the handshake for one client. Failures before the join
// barrier free the slot; later failures keep it, since the barrier count
// cannot be taken back.
func (a *Admission) handleClient(ctx context.Context, raw net.Conn) {
	conn := NewConnection(raw)
	defer conn.Close()

	id, ok := a.claimSlot()
	if !ok {
		a.drop(ctx, conn, -1, "roster full, rejecting client", nil)
		return
	}

	h, err := conn.ReadHeader()
	if err != nil {
		a.releaseSlot(id)
		a.drop(ctx, conn, int(id), "failed to read connect header", err)
		return
	}
	if h.Code != protocol.ConnectCode(a.cfg.Mode) {
		a.releaseSlot(id)
		a.drop(ctx, conn, int(id), "unexpected connect request",
			fmt.Errorf("got %s, want %s", h.Code, protocol.ConnectCode(a.cfg.Mode)))
		return
	}

	team := teamFor(a.cfg.Mode, id)
	conn.Assign(id, team)
	a.registry.Register(id, conn)
	defer a.registry.Unregister(id, conn)

	a.eventBus.Publish(ctx, events.EventPlayerJoined, "admission", events.PlayerJoinedPayload{
		PlayerID: id,
		Team:     team,
		Addr:     raw.RemoteAddr().String(),
	})

	conn.SetState(StateJoinBarrierWait)
	if err := a.joined.ArriveAndRun(ctx, func() error {
		a.starter.MarkJoined()
		a.logger.Info().Int("players", protocol.PlayerNum).Msg("roster complete")
		return nil
	}); err != nil {
		a.drop(ctx, conn, int(id), "join barrier aborted", err)
		return
	}

	info, err := protocol.EncodeConnectionInfo(protocol.ConnectionInfo{
		Mode:          a.cfg.Mode,
		PlayerID:      id,
		Team:          team,
		ActionPort:    a.cfg.ActionPort,
		MulticastPort: a.cfg.MulticastPort,
		MulticastAddr: protocol.MulticastWords(a.cfg.MulticastGroup),
	})
	if err != nil {
		a.drop(ctx, conn, int(id), "failed to encode connection info", err)
		return
	}
	if err := conn.WriteFrame(info); err != nil {
		a.drop(ctx, conn, int(id), "failed to send connection info", err)
		return
	}
	conn.SetState(StateInfoSent)

	h, err = conn.ReadHeader()
	if err != nil {
		a.drop(ctx, conn, int(id), "failed to read ready header", err)
		return
	}
	if h.Code != protocol.ReadyCode(a.cfg.Mode) || h.PlayerID != id {
		a.drop(ctx, conn, int(id), "unexpected ready header",
			fmt.Errorf("got %s from player %d", h.Code, h.PlayerID))
		return
	}

	a.eventBus.Publish(ctx, events.EventPlayerReady, "admission", events.PlayerReadyPayload{
		PlayerID: id,
		Team:     team,
	})

	conn.SetState(StateReadyBarrierWait)
	if err := a.ready.ArriveAndRun(ctx, func() error {
		return a.starter.StartMatch(ctx)
	}); err != nil {
		a.drop(ctx, conn, int(id), "ready barrier aborted", err)
		return
	}

	conn.SetState(StatePlaying)
	a.relayChat(ctx, conn)
}

// closeOnDone closes conn when ctx ends. The watcher also exits when the
// connection closes first; the returned channel reports that it exited.
func closeOnDone(ctx context.Context, conn *Connection) <-chan struct{} {
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			conn.Close()
		case <-conn.Done():
		}
	}()
	return exited
}

// relayChat forwards chat lines from one player until its socket closes
// or the process shuts down.
func (a *Admission) relayChat(ctx context.Context, conn *Connection) {
	closeOnDone(ctx, conn)

	id, team := conn.PlayerID(), conn.Team()
	for {
		msg, err := conn.ReadChat()
		if err != nil {
			if errors.Is(err, io.EOF) || conn.IsClosed() {
				a.logger.Debug().Uint8("player_id", id).Msg("client closed connection")
				return
			}
			a.logger.Warn().Err(err).Uint8("player_id", id).Msg("chat read failed, closing client")
			return
		}

		out := protocol.ChatMessage{
			Scope:    msg.Scope,
			SenderID: id,
			Team:     team,
			Relay:    true,
			Body:     msg.Body,
		}
		data, err := protocol.EncodeChatMessage(out)
		if err != nil {
			a.logger.Debug().Err(err).Uint8("player_id", id).Msg("chat relay rejected")
			continue
		}

		var recipients int
		switch {
		case msg.Scope == protocol.ScopeGlobal:
			recipients = a.registry.SendToAll(data)
		case a.cfg.Mode == protocol.ModeTeam:
			recipients = a.registry.SendToTeam(team, data)
		default:
			// Solo players have no teammates; echo to the sender.
			if err := conn.WriteFrame(data); err == nil {
				recipients = 1
			}
		}

		a.eventBus.Publish(ctx, events.EventChatRelayed, "admission", events.ChatRelayedPayload{
			SenderID:   id,
			Scope:      msg.Scope,
			Body:       msg.Body,
			Recipients: recipients,
		})
	}
}
