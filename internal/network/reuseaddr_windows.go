//go:build windows

package network

import (
	"net"
	"strings"
	"syscall"
)

// ReuseAddrListenConfig returns the net.ListenConfig every detonator socket
// is bound with: SO_REUSEADDR for TCP listeners, a larger receive buffer
// for UDP sockets. Option errors are ignored on Windows.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				h := syscall.Handle(fd)
				if strings.HasPrefix(network, "udp") {
					syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_RCVBUF, udpReadBuffer)
					return
				}
				syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
}
