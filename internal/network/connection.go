// Package network implements the sockets of a detonator match: the TCP
// handshake listener and its per-player connections, the UDP action
// ingest, and the IPv6 multicast broadcaster.
package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/detonator-project/detonator/internal/protocol"
)

const writeTimeout = 10 * time.Second

// ClientState is the handshake position of one connection.
type ClientState int

const (
	StateConnecting ClientState = iota
	StateJoinBarrierWait
	StateInfoSent
	StateReadyBarrierWait
	StatePlaying
	StateTeardown
)

var clientStateStrings = map[ClientState]string{
	StateConnecting:       "connecting",
	StateJoinBarrierWait:  "join_barrier_wait",
	StateInfoSent:         "info_sent",
	StateReadyBarrierWait: "ready_barrier_wait",
	StatePlaying:          "playing",
	StateTeardown:         "teardown",
}

// String returns the string representation of ClientState.
func (s ClientState) String() string {
	if str, ok := clientStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// Connection wraps the TCP connection of one player.
type Connection struct {
	mu     sync.Mutex
	conn   net.Conn
	logger zerolog.Logger

	playerID uint8
	team     uint8
	state    ClientState

	connectedAt  time.Time
	lastActivity time.Time
	closed       bool
	done         chan struct{}
}

// NewConnection wraps an accepted net.Conn.
func NewConnection(conn net.Conn) *Connection {
	now := time.Now()
	return &Connection{
		conn:         conn,
		state:        StateConnecting,
		connectedAt:  now,
		lastActivity: now,
		done:         make(chan struct{}),
		logger:       log.With().Str("component", "connection").Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// Assign binds the connection to a player slot.
func (c *Connection) Assign(playerID, team uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playerID = playerID
	c.team = team
	c.logger = log.With().
		Str("component", "connection").
		Uint8("player_id", playerID).
		Uint8("team", team).
		Logger()
}

// PlayerID returns the assigned slot.
func (c *Connection) PlayerID() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

// Team returns the assigned team.
func (c *Connection) Team() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.team
}

// SetState records a handshake transition.
func (c *Connection) SetState(s ClientState) {
	c.mu.Lock()
	old := c.state
	c.state = s
	logger := c.logger
	c.mu.Unlock()
	logger.Debug().Str("from", old.String()).Str("to", s.String()).Msg("client state changed")
}

// State returns the handshake position.
func (c *Connection) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// ReadHeader blocks until one standalone header frame arrives. There is
// no read deadline during the handshake.
func (c *Connection) ReadHeader() (protocol.Header, error) {
	h, err := protocol.ReadHeader(c.conn)
	if err != nil {
		return protocol.Header{}, err
	}
	c.touch()
	return h, nil
}

// ReadChat blocks until one chat frame arrives.
func (c *Connection) ReadChat() (protocol.ChatMessage, error) {
	m, err := protocol.ReadChatMessage(c.conn)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	c.touch()
	return m, nil
}

// WriteFrame sends one encoded frame.
func (c *Connection) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection is closed")
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteFrame(c.conn, data); err != nil {
		return err
	}
	c.lastActivity = time.Now()
	return nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)
	c.state = StateTeardown
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ClientInfo is the public view of one connection.
type ClientInfo struct {
	PlayerID     uint8     `json:"player_id"`
	Team         uint8     `json:"team"`
	State        string    `json:"state"`
	Remote       string    `json:"remote"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Info returns the public view of c.
func (c *Connection) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		PlayerID:     c.playerID,
		Team:         c.team,
		State:        c.state.String(),
		Remote:       c.conn.RemoteAddr().String(),
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
	}
}

// ConnectionRegistry tracks the connections holding a player slot.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[uint8]*Connection // player id -> connection
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[uint8]*Connection),
	}
}

// Register adds a connection under its player id.
func (r *ConnectionRegistry) Register(id uint8, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[id]; ok && existing != conn {
		existing.Close()
	}

	r.conns[id] = conn
	log.Debug().Uint8("player_id", id).Msg("connection registered")
}

// Unregister removes the connection of a player if it is still conn.
func (r *ConnectionRegistry) Unregister(id uint8, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[id]; ok && existing == conn {
		delete(r.conns, id)
		log.Debug().Uint8("player_id", id).Msg("connection unregistered")
	}
}

// List returns the public view of every connection, ordered by player id.
func (r *ConnectionRegistry) List() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ClientInfo, 0, len(r.conns))
	for id := uint8(0); id < protocol.PlayerNum; id++ {
		if conn, ok := r.conns[id]; ok {
			out = append(out, conn.Info())
		}
	}
	return out
}

// Count returns the number of registered connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every registered connection.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		conn.Close()
		delete(r.conns, id)
	}

	log.Info().Msg("all connections closed")
}

// SendToAll sends a frame to every playing connection and returns how many
// received it.
func (r *ConnectionRegistry) SendToAll(data []byte) int {
	return r.sendWhere(data, func(*Connection) bool { return true })
}

// SendToTeam sends a frame to the playing connections of one team.
func (r *ConnectionRegistry) SendToTeam(team uint8, data []byte) int {
	return r.sendWhere(data, func(c *Connection) bool { return c.Team() == team })
}

func (r *ConnectionRegistry) sendWhere(data []byte, match func(*Connection) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sent := 0
	for id, conn := range r.conns {
		if conn.State() != StatePlaying || !match(conn) {
			continue
		}
		if err := conn.WriteFrame(data); err != nil {
			log.Warn().Err(err).Uint8("player_id", id).Msg("failed to send to player")
			continue
		}
		sent++
	}
	return sent
}
