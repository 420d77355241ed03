package protocol

import (
	"fmt"
	"io"
)

// ChatMessage is a length-prefixed chat line. Clients send codes 7/8,
// the server relays with codes 13/14.
type ChatMessage struct {
	Scope    ChatScope
	SenderID uint8
	Team     uint8
	Relay    bool
	Body     string
}

func chatCode(scope ChatScope, relay bool) RequestCode {
	switch {
	case scope == ScopeGlobal && !relay:
		return CodeChatGlobal
	case scope == ScopeTeam && !relay:
		return CodeChatTeam
	case scope == ScopeGlobal && relay:
		return CodeChatRelayGlobal
	case scope == ScopeTeam && relay:
		return CodeChatRelayTeam
	default:
		return 0
	}
}

func chatScopeOf(c RequestCode) (scope ChatScope, relay bool, ok bool) {
	switch c {
	case CodeChatGlobal:
		return ScopeGlobal, false, true
	case CodeChatTeam:
		return ScopeTeam, false, true
	case CodeChatRelayGlobal:
		return ScopeGlobal, true, true
	case CodeChatRelayTeam:
		return ScopeTeam, true, true
	default:
		return 0, false, false
	}
}

// IsChatCode reports whether c introduces a chat frame.
func IsChatCode(c RequestCode) bool {
	_, _, ok := chatScopeOf(c)
	return ok
}

// EncodeChatMessage packs m. Bodies longer than MaxChatLength are rejected.
func EncodeChatMessage(m ChatMessage) ([]byte, error) {
	if len(m.Body) > MaxChatLength {
		return nil, invalidf("chat body %d bytes, max %d", len(m.Body), MaxChatLength)
	}
	h := Header{Code: chatCode(m.Scope, m.Relay), PlayerID: m.SenderID, Team: m.Team}
	if err := h.validate(); err != nil {
		return nil, err
	}

	b := NewPacketBuilder(ChatPrefixSize + len(m.Body))
	b.WriteHeader(h)
	b.WriteByte(byte(len(m.Body)))
	b.WriteBytes([]byte(m.Body))
	return b.Build(), nil
}

// DecodeChatMessage unpacks a chat frame.
//
// Global-scope messages always decode with Team = 1, whatever the team bit
// says. Clients depend on this value, so it is kept as is.
func DecodeChatMessage(data []byte) (ChatMessage, error) {
	if len(data) < ChatPrefixSize {
		return ChatMessage{}, malformedf("chat length %d below prefix %d", len(data), ChatPrefixSize)
	}
	h, err := parseHeader(data)
	if err != nil {
		return ChatMessage{}, err
	}
	return decodeChatBody(h, data[HeaderSize:])
}

func decodeChatBody(h Header, rest []byte) (ChatMessage, error) {
	scope, relay, ok := chatScopeOf(h.Code)
	if !ok {
		return ChatMessage{}, malformedf("unexpected code %s for chat", h.Code)
	}
	if len(rest) < 1 || len(rest)-1 != int(rest[0]) {
		return ChatMessage{}, malformedf("chat body length mismatch")
	}

	m := ChatMessage{
		Scope:    scope,
		SenderID: h.PlayerID,
		Team:     h.Team,
		Relay:    relay,
		Body:     string(rest[1:]),
	}
	if scope == ScopeGlobal {
		m.Team = 1
	}
	return m, nil
}

// ReadChatMessage reads one chat frame from a stream.
func ReadChatMessage(r io.Reader) (ChatMessage, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return ChatMessage{}, err
	}
	if !IsChatCode(h.Code) {
		return ChatMessage{}, malformedf("unexpected code %s on chat stream", h.Code)
	}

	var length [1]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return ChatMessage{}, fmt.Errorf("failed to read chat length: %w", err)
	}
	rest := make([]byte, 1+int(length[0]))
	rest[0] = length[0]
	if _, err := io.ReadFull(r, rest[1:]); err != nil {
		return ChatMessage{}, fmt.Errorf("failed to read chat body (%d bytes): %w", length[0], err)
	}
	return decodeChatBody(h, rest)
}
