// Package protocol implements the binary wire codec shared by the
// detonator server and its clients: the TCP handshake frames, the UDP
// game actions, the multicast board snapshots and deltas, and chat.
// All multi-byte fields are big-endian (network byte order).
package protocol

import (
	"errors"
	"fmt"
)

// PlayerNum is the fixed roster size of a match.
const PlayerNum = 4

// Sequence numbers carried by game actions are 13 bits wide and wrap.
const (
	SequenceBits  = 13
	SequenceLimit = 1 << SequenceBits
)

const (
	// MaxChatLength is the largest chat body that fits the 1-byte length prefix.
	MaxChatLength = 255

	// MaxDeltaChanges is the largest number of tile changes in one delta.
	MaxDeltaChanges = 255

	// MaxDimension bounds board height and width (1 byte each).
	MaxDimension = 255
)

// Frame sizes in bytes.
const (
	HeaderSize         = 2
	ConnectionInfoSize = HeaderSize + 2 + 2 + 16
	GameActionSize     = HeaderSize + 2
	SnapshotPrefixSize = HeaderSize + 2 + 1 + 1
	DeltaPrefixSize    = HeaderSize + 2 + 1
	DeltaEntrySize     = 3
	ChatPrefixSize     = HeaderSize + 1
)

// Codec failures. Encoders wrap ErrInvalidField, decoders wrap ErrMalformed.
var (
	ErrInvalidField = errors.New("invalid field")
	ErrMalformed    = errors.New("malformed message")
)

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidField, fmt.Sprintf(format, args...))
}

func malformedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// GameMode selects solo (free-for-all) or team play.
type GameMode uint8

const (
	ModeSolo GameMode = 0
	ModeTeam GameMode = 1
)

// String returns the config spelling of the mode.
func (m GameMode) String() string {
	switch m {
	case ModeSolo:
		return "solo"
	case ModeTeam:
		return "team"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Valid reports whether m is a known game mode.
func (m GameMode) Valid() bool {
	return m == ModeSolo || m == ModeTeam
}

// ParseGameMode converts "solo"/"team" into a GameMode.
func ParseGameMode(s string) (GameMode, error) {
	switch s {
	case "solo":
		return ModeSolo, nil
	case "team":
		return ModeTeam, nil
	default:
		return ModeSolo, fmt.Errorf("unknown game mode %q", s)
	}
}

// RequestCode is the 12-bit message kind carried in every header.
type RequestCode uint16

const (
	CodeConnectSolo     RequestCode = 1
	CodeConnectTeam     RequestCode = 2
	CodeReadySolo       RequestCode = 3
	CodeReadyTeam       RequestCode = 4
	CodeActionSolo      RequestCode = 5
	CodeActionTeam      RequestCode = 6
	CodeChatGlobal      RequestCode = 7
	CodeChatTeam        RequestCode = 8
	CodeInfoSolo        RequestCode = 9
	CodeInfoTeam        RequestCode = 10
	CodeBoardSnapshot   RequestCode = 11
	CodeBoardDelta      RequestCode = 12
	CodeChatRelayGlobal RequestCode = 13
	CodeChatRelayTeam   RequestCode = 14
)

var requestCodeNames = map[RequestCode]string{
	CodeConnectSolo:     "connect_solo",
	CodeConnectTeam:     "connect_team",
	CodeReadySolo:       "ready_solo",
	CodeReadyTeam:       "ready_team",
	CodeActionSolo:      "action_solo",
	CodeActionTeam:      "action_team",
	CodeChatGlobal:      "chat_global",
	CodeChatTeam:        "chat_team",
	CodeInfoSolo:        "info_solo",
	CodeInfoTeam:        "info_team",
	CodeBoardSnapshot:   "board_snapshot",
	CodeBoardDelta:      "board_delta",
	CodeChatRelayGlobal: "chat_relay_global",
	CodeChatRelayTeam:   "chat_relay_team",
}

// String returns a readable name for logs.
func (c RequestCode) String() string {
	if s, ok := requestCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", uint16(c))
}

// Known reports whether c is in the request-code table.
func (c RequestCode) Known() bool {
	_, ok := requestCodeNames[c]
	return ok
}

// ConnectCode returns the initial-connect code for a mode.
func ConnectCode(m GameMode) RequestCode {
	switch m {
	case ModeSolo:
		return CodeConnectSolo
	case ModeTeam:
		return CodeConnectTeam
	default:
		return 0
	}
}

// ReadyCode returns the ready code for a mode.
func ReadyCode(m GameMode) RequestCode {
	switch m {
	case ModeSolo:
		return CodeReadySolo
	case ModeTeam:
		return CodeReadyTeam
	default:
		return 0
	}
}

// InfoCode returns the connection-info code for a mode.
func InfoCode(m GameMode) RequestCode {
	switch m {
	case ModeSolo:
		return CodeInfoSolo
	case ModeTeam:
		return CodeInfoTeam
	default:
		return 0
	}
}

// ActionCode returns the game-action code for a mode.
// Unknown modes map to code 0, which every encoder rejects.
func ActionCode(m GameMode) RequestCode {
	switch m {
	case ModeSolo:
		return CodeActionSolo
	case ModeTeam:
		return CodeActionTeam
	default:
		return 0
	}
}

// ModeOf returns the game mode a mode-paired code belongs to.
// ok is false for codes that carry no mode.
func ModeOf(c RequestCode) (mode GameMode, ok bool) {
	switch c {
	case CodeConnectSolo, CodeReadySolo, CodeActionSolo, CodeInfoSolo:
		return ModeSolo, true
	case CodeConnectTeam, CodeReadyTeam, CodeActionTeam, CodeInfoTeam:
		return ModeTeam, true
	default:
		return ModeSolo, false
	}
}

// Action is the command carried by a GameAction datagram.
type Action uint8

const (
	ActionUp    Action = 0
	ActionRight Action = 1
	ActionDown  Action = 2
	ActionLeft  Action = 3
	ActionBomb  Action = 4

	// Sentinels, never valid on the wire.
	ActionNone    Action = 5
	ActionInvalid Action = 7
)

// Valid reports whether a may appear on the wire.
func (a Action) Valid() bool {
	return a <= ActionBomb
}

// IsMove reports whether a belongs to the movement class.
func (a Action) IsMove() bool {
	return a <= ActionLeft
}

// IsSpecial reports whether a belongs to the special class.
func (a Action) IsSpecial() bool {
	return a == ActionBomb
}

// String returns a readable name for logs.
func (a Action) String() string {
	switch a {
	case ActionUp:
		return "up"
	case ActionRight:
		return "right"
	case ActionDown:
		return "down"
	case ActionLeft:
		return "left"
	case ActionBomb:
		return "bomb"
	case ActionNone:
		return "none"
	default:
		return "invalid"
	}
}

// Tile is one cell of the board grid.
type Tile uint8

const (
	TileEmpty     Tile = 0
	TileHardWall  Tile = 1
	TileSoftWall  Tile = 2
	TileBomb      Tile = 3
	TileExplosion Tile = 4
	TilePlayer0   Tile = 5
	TilePlayer1   Tile = 6
	TilePlayer2   Tile = 7
	TilePlayer3   Tile = 8

	tileCount = 9
)

// Valid reports whether t is in the closed tile enum.
func (t Tile) Valid() bool {
	return t < tileCount
}

// PlayerTile returns the tile that marks player id on the board.
func PlayerTile(id uint8) Tile {
	return TilePlayer0 + Tile(id)
}

// PlayerAction is a reconciled action ready for the rule engine.
type PlayerAction struct {
	PlayerID uint8  `json:"player_id"`
	Action   Action `json:"action"`
}

// ChatScope selects who receives a chat message.
type ChatScope uint8

const (
	ScopeGlobal ChatScope = 0
	ScopeTeam   ChatScope = 1
)

// String returns a readable name for logs.
func (s ChatScope) String() string {
	if s == ScopeTeam {
		return "team"
	}
	return "global"
}
