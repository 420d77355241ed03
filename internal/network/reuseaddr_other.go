//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig returns a plain net.ListenConfig; socket options
// are only tuned on Linux and Windows.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
