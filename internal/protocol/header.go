package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header bit layout.
const (
	codeMask    = 0x0FFF
	idShift     = 12
	idMask      = 0x3
	teamShift   = 14
	reservedBit = 1 << 15
)

// Header is the 16-bit prefix of every frame:
// code in bits 0-11, player id in bits 12-13, team in bit 14.
type Header struct {
	Code     RequestCode
	PlayerID uint8
	Team     uint8
}

func (h Header) pack() uint16 {
	return uint16(h.Code)&codeMask |
		uint16(h.PlayerID&idMask)<<idShift |
		uint16(h.Team&1)<<teamShift
}

func unpackHeader(v uint16) Header {
	return Header{
		Code:     RequestCode(v & codeMask),
		PlayerID: uint8(v>>idShift) & idMask,
		Team:     uint8(v>>teamShift) & 1,
	}
}

// validate checks the fields an encoder is about to pack.
func (h Header) validate() error {
	if !h.Code.Known() {
		return invalidf("unknown request code %d", h.Code)
	}
	if h.PlayerID >= PlayerNum {
		return invalidf("player id %d out of range [0,%d)", h.PlayerID, PlayerNum)
	}
	if h.Team > 1 {
		return invalidf("team id %d not in {0,1}", h.Team)
	}
	return nil
}

// EncodeHeader packs a standalone header frame (initial-connect and ready).
func EncodeHeader(h Header) ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	return NewPacketBuilder(HeaderSize).WriteHeader(h).Build(), nil
}

// DecodeHeader unpacks a standalone header frame.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) != HeaderSize {
		return Header{}, malformedf("header length %d, want %d", len(data), HeaderSize)
	}
	return parseHeader(data)
}

// parseHeader unpacks the first two bytes of data.
func parseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, malformedf("short header: %d bytes", len(data))
	}
	raw := binary.BigEndian.Uint16(data[:HeaderSize])
	if raw&reservedBit != 0 {
		return Header{}, malformedf("reserved header bit set")
	}
	h := unpackHeader(raw)
	if !h.Code.Known() {
		return Header{}, malformedf("unknown request code %d", h.Code)
	}
	return h, nil
}

// ReadHeader reads one header frame from a stream.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("failed to read header: %w", err)
	}
	return DecodeHeader(buf[:])
}

// ConnectRequest builds the initial-connect header a client sends for mode.
func ConnectRequest(mode GameMode) Header {
	return Header{Code: ConnectCode(mode)}
}

// ReadyRequest builds the ready header a client sends once it has its slot.
func ReadyRequest(mode GameMode, playerID, team uint8) Header {
	return Header{Code: ReadyCode(mode), PlayerID: playerID, Team: team}
}
