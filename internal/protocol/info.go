package protocol

import (
	"encoding/binary"
	"net"
)

// ConnectionInfo tells a joined client its slot and where the match
// traffic flows: the UDP port for its actions and the multicast group
// carrying board updates.
type ConnectionInfo struct {
	Mode          GameMode
	PlayerID      uint8
	Team          uint8
	ActionPort    uint16
	MulticastPort uint16
	MulticastAddr [8]uint16
}

// MulticastWords splits an IPv6 address into eight 16-bit words.
func MulticastWords(ip net.IP) [8]uint16 {
	var words [8]uint16
	ip16 := ip.To16()
	if ip16 == nil {
		return words
	}
	for i := range words {
		words[i] = binary.BigEndian.Uint16(ip16[i*2:])
	}
	return words
}

// MulticastIP rebuilds the group address from its words.
func (c ConnectionInfo) MulticastIP() net.IP {
	ip := make(net.IP, net.IPv6len)
	for i, w := range c.MulticastAddr {
		binary.BigEndian.PutUint16(ip[i*2:], w)
	}
	return ip
}

// EncodeConnectionInfo packs info into a 22-byte frame.
func EncodeConnectionInfo(info ConnectionInfo) ([]byte, error) {
	if !info.Mode.Valid() {
		return nil, invalidf("game mode %d", info.Mode)
	}
	h := Header{Code: InfoCode(info.Mode), PlayerID: info.PlayerID, Team: info.Team}
	if err := h.validate(); err != nil {
		return nil, err
	}

	b := NewPacketBuilder(ConnectionInfoSize)
	b.WriteHeader(h)
	b.WriteUint16(info.ActionPort)
	b.WriteUint16(info.MulticastPort)
	for _, w := range info.MulticastAddr {
		b.WriteUint16(w)
	}
	return b.Build(), nil
}

// DecodeConnectionInfo unpacks a connection-info frame.
func DecodeConnectionInfo(data []byte) (ConnectionInfo, error) {
	if len(data) != ConnectionInfoSize {
		return ConnectionInfo{}, malformedf("connection info length %d, want %d", len(data), ConnectionInfoSize)
	}
	h, err := parseHeader(data)
	if err != nil {
		return ConnectionInfo{}, err
	}
	mode, ok := ModeOf(h.Code)
	if !ok || h.Code != InfoCode(mode) {
		return ConnectionInfo{}, malformedf("unexpected code %s for connection info", h.Code)
	}

	info := ConnectionInfo{
		Mode:          mode,
		PlayerID:      h.PlayerID,
		Team:          h.Team,
		ActionPort:    binary.BigEndian.Uint16(data[2:4]),
		MulticastPort: binary.BigEndian.Uint16(data[4:6]),
	}
	for i := range info.MulticastAddr {
		info.MulticastAddr[i] = binary.BigEndian.Uint16(data[6+i*2:])
	}
	return info, nil
}
