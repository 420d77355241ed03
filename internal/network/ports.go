package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Random ports are drawn from the user/ephemeral range.
const (
	MinRandomPort = 1024
	MaxRandomPort = 65535
)

// udpReadBuffer is the receive buffer requested for UDP sockets.
const udpReadBuffer = 1 << 20

// ErrPortsExhausted is returned when every random port attempt failed.
var ErrPortsExhausted = errors.New("no free port found")

var (
	portRandMu sync.Mutex
	portRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randomPort() int {
	portRandMu.Lock()
	defer portRandMu.Unlock()
	return MinRandomPort + portRand.Intn(MaxRandomPort-MinRandomPort+1)
}

// bindWithRetry calls bind with port, or with up to attempts random ports
// when port is 0.
func bindWithRetry(kind string, port, attempts int, bind func(port int) error) (int, error) {
	if port != 0 {
		if err := bind(port); err != nil {
			return 0, fmt.Errorf("failed to bind %s port %d: %w", kind, port, err)
		}
		return port, nil
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		p := randomPort()
		err := bind(p)
		if err == nil {
			return p, nil
		}
		lastErr = err
		log.Debug().Err(err).Str("kind", kind).Int("port", p).Int("attempt", i+1).Msg("port busy, retrying")
	}
	return 0, fmt.Errorf("%w for %s after %d attempts: %v", ErrPortsExhausted, kind, attempts, lastErr)
}

// ListenTCP binds the handshake listener. A zero port selects a random one.
func ListenTCP(ctx context.Context, bindAddr string, port, attempts int) (net.Listener, error) {
	lc := ReuseAddrListenConfig()
	var ln net.Listener
	_, err := bindWithRetry("tcp", port, attempts, func(p int) error {
		var err error
		ln, err = lc.Listen(ctx, "tcp", net.JoinHostPort(bindAddr, strconv.Itoa(p)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return ln, nil
}

// ListenUDP binds a unicast UDP socket on a random port.
func ListenUDP(ctx context.Context, bindAddr string, attempts int) (*net.UDPConn, error) {
	lc := ReuseAddrListenConfig()
	var conn *net.UDPConn
	_, err := bindWithRetry("udp", 0, attempts, func(p int) error {
		pc, err := lc.ListenPacket(ctx, "udp", net.JoinHostPort(bindAddr, strconv.Itoa(p)))
		if err != nil {
			return err
		}
		conn = pc.(*net.UDPConn)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// PortOf returns the port of a bound address.
func PortOf(addr net.Addr) uint16 {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return uint16(a.Port)
	case *net.UDPAddr:
		return uint16(a.Port)
	default:
		return 0
	}
}
