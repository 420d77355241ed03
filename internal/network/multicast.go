package network

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv6"
)

// MulticastConfig selects where board updates go.
type MulticastConfig struct {
	// Interface is the outgoing interface name. Empty uses the system default.
	Interface string
	// Port is the group port. Zero picks a random one.
	Port int
}

// RandomGroup returns a transient link-local multicast group (ff12::/16)
// with a random 32-bit group id.
func RandomGroup() (net.IP, error) {
	var id [4]byte
	for binary.BigEndian.Uint32(id[:]) == 0 {
		if _, err := rand.Read(id[:]); err != nil {
			return nil, fmt.Errorf("failed to generate multicast group: %w", err)
		}
	}
	ip := make(net.IP, net.IPv6len)
	ip[0], ip[1] = 0xff, 0x12
	copy(ip[12:], id[:])
	return ip, nil
}

// Multicaster sends snapshots and deltas to the match group. Sends are
// serialized by their own lock.
type Multicaster struct {
	mu     sync.Mutex
	conn   *net.UDPConn
	pc     *ipv6.PacketConn
	dst    *net.UDPAddr
	logger zerolog.Logger

	frames atomic.Uint64
	bytes  atomic.Uint64
}

// NewMulticaster creates the send socket with hop limit 1 and loopback on.
func NewMulticaster(cfg MulticastConfig) (*Multicaster, error) {
	group, err := RandomGroup()
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = randomPort()
	}

	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified})
	if err != nil {
		return nil, fmt.Errorf("failed to open multicast socket: %w", err)
	}

	pc := ipv6.NewPacketConn(conn)
	if err := pc.SetMulticastHopLimit(1); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set multicast hop limit: %w", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable multicast loopback: %w", err)
	}

	dst := &net.UDPAddr{IP: group, Port: port}
	if cfg.Interface != "" {
		ifi, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to find multicast interface %s: %w", cfg.Interface, err)
		}
		if err := pc.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set multicast interface %s: %w", cfg.Interface, err)
		}
		dst.Zone = ifi.Name
	}

	m := &Multicaster{
		conn:   conn,
		pc:     pc,
		dst:    dst,
		logger: log.With().Str("component", "multicast").Logger(),
	}
	m.logger.Info().Str("group", dst.String()).Msg("multicast sender ready")
	return m, nil
}

// Group returns the multicast group address.
func (m *Multicaster) Group() net.IP {
	return m.dst.IP
}

// Port returns the multicast group port.
func (m *Multicaster) Port() uint16 {
	return uint16(m.dst.Port)
}

// Broadcast sends one frame to the group.
func (m *Multicaster) Broadcast(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.pc.WriteTo(data, nil, m.dst); err != nil {
		return fmt.Errorf("failed to multicast %d bytes: %w", len(data), err)
	}
	m.frames.Add(1)
	m.bytes.Add(uint64(len(data)))
	return nil
}

// Sent returns how many frames and bytes went out.
func (m *Multicaster) Sent() (frames, bytes uint64) {
	return m.frames.Load(), m.bytes.Load()
}

// Close releases the socket.
func (m *Multicaster) Close() error {
	return m.conn.Close()
}
