package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/protocol"
)

// Spectator frame types.
const (
	FrameWaiting  = "waiting"
	FrameSnapshot = "snapshot"
	FrameDelta    = "delta"
)

const (
	spectatorBuffer = 64
	writeWait       = 5 * time.Second
	pingPeriod      = 30 * time.Second
)

// SpectatorFrame is one msgpack-encoded binary websocket message.
type SpectatorFrame struct {
	Type    string                  `msgpack:"type"`
	MatchID string                  `msgpack:"match_id,omitempty"`
	Board   *protocol.BoardSnapshot `msgpack:"board,omitempty"`
	Delta   *protocol.BoardDelta    `msgpack:"delta,omitempty"`
}

type spectator struct {
	id   uint64
	out  chan []byte
	once sync.Once
	done chan struct{}
}

func (sp *spectator) close() {
	sp.once.Do(func() { close(sp.done) })
}

// SpectatorHub fans board updates out to websocket spectators. A
// spectator that falls behind by more than its buffer is disconnected.
type SpectatorHub struct {
	mu       sync.Mutex
	clients  map[uint64]*spectator
	nextID   atomic.Uint64
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewSpectatorHub creates an empty hub.
func NewSpectatorHub() *SpectatorHub {
	return &SpectatorHub{
		clients: make(map[uint64]*spectator),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.With().Str("component", "spectators").Logger(),
	}
}

// Attach subscribes the hub to snapshot and delta broadcasts. Both go
// through one ordered subscription so spectators apply deltas in sequence.
func (h *SpectatorHub) Attach(bus *events.EventBus) {
	bus.SubscribeOrdered("spectators", func(ctx context.Context, e events.Event) error {
		switch p := e.Payload.(type) {
		case events.SnapshotPayload:
			board := p.Board
			return h.Broadcast(SpectatorFrame{Type: FrameSnapshot, MatchID: p.MatchID, Board: &board})
		case events.DeltaPayload:
			delta := p.Delta
			return h.Broadcast(SpectatorFrame{Type: FrameDelta, MatchID: p.MatchID, Delta: &delta})
		}
		return nil
	}, events.EventSnapshotBroadcast, events.EventDeltaBroadcast)
}

// Broadcast encodes f once and queues it for every spectator.
func (h *SpectatorHub) Broadcast(f SpectatorFrame) error {
	data, err := msgpack.Marshal(&f)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sp := range h.clients {
		select {
		case sp.out <- data:
		default:
			h.logger.Warn().Uint64("spectator", id).Msg("spectator too slow, disconnecting")
			delete(h.clients, id)
			sp.close()
		}
	}
	return nil
}

// Count returns the number of connected spectators.
func (h *SpectatorHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every spectator.
func (h *SpectatorHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sp := range h.clients {
		delete(h.clients, id)
		sp.close()
	}
}

func (h *SpectatorHub) register() *spectator {
	sp := &spectator{
		id:   h.nextID.Add(1),
		out:  make(chan []byte, spectatorBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[sp.id] = sp
	h.mu.Unlock()
	return sp
}

func (h *SpectatorHub) unregister(sp *spectator) {
	h.mu.Lock()
	delete(h.clients, sp.id)
	h.mu.Unlock()
	sp.close()
}

// Handler upgrades the request and streams frames. initial provides the
// first frame a new spectator receives.
func (h *SpectatorHub) Handler(initial func() SpectatorFrame) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		first, err := msgpack.Marshal(initialFrame(initial))
		if err != nil {
			return
		}

		sp := h.register()
		defer h.unregister(sp)
		h.logger.Info().Uint64("spectator", sp.id).Str("remote", c.ClientIP()).Msg("spectator connected")

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, first); err != nil {
			return
		}

		// Reader: spectators send nothing, but reading surfaces the close.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					sp.close()
					return
				}
			}
		}()

		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-sp.done:
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				h.logger.Info().Uint64("spectator", sp.id).Msg("spectator disconnected")
				return
			case data := <-sp.out:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

func initialFrame(initial func() SpectatorFrame) *SpectatorFrame {
	f := SpectatorFrame{Type: FrameWaiting}
	if initial != nil {
		f = initial()
	}
	return &f
}

// currentFrame is the snapshot a new spectator starts from.
func (s *Server) currentFrame() SpectatorFrame {
	sess := s.match.Session()
	if sess == nil {
		return SpectatorFrame{Type: FrameWaiting}
	}
	board, err := s.match.Board()
	if err != nil {
		return SpectatorFrame{Type: FrameWaiting, MatchID: sess.ID}
	}
	return SpectatorFrame{Type: FrameSnapshot, MatchID: sess.ID, Board: &board}
}
