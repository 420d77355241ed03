//go:build linux

package network

import (
	"net"
	"strings"
	"syscall"
)

// ReuseAddrListenConfig returns the net.ListenConfig every detonator socket
// is bound with. TCP listeners get SO_REUSEADDR so a restarted server can
// take its handshake or API port back from TIME_WAIT. UDP sockets get a
// larger receive buffer for action bursts and never SO_REUSEADDR, which
// would let two sockets share a random port.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: controlSocket}
}

func controlSocket(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if strings.HasPrefix(network, "udp") {
			opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, udpReadBuffer)
			return
		}
		opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
