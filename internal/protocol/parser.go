package protocol

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FrameParser decodes a complete frame into its typed message by looking
// at the request code in the header.
type FrameParser struct {
	logger zerolog.Logger
}

// NewFrameParser creates a new parser.
func NewFrameParser() *FrameParser {
	return &FrameParser{
		logger: log.With().Str("component", "frame_parser").Logger(),
	}
}

// Parse returns one of Header, ConnectionInfo, GameAction, BoardSnapshot,
// BoardDelta or ChatMessage.
func (p *FrameParser) Parse(data []byte) (interface{}, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	switch h.Code {
	case CodeConnectSolo, CodeConnectTeam, CodeReadySolo, CodeReadyTeam:
		return DecodeHeader(data)
	case CodeInfoSolo, CodeInfoTeam:
		return DecodeConnectionInfo(data)
	case CodeActionSolo, CodeActionTeam:
		return DecodeGameAction(data)
	case CodeBoardSnapshot:
		return DecodeBoardSnapshot(data)
	case CodeBoardDelta:
		return DecodeBoardDelta(data)
	case CodeChatGlobal, CodeChatTeam, CodeChatRelayGlobal, CodeChatRelayTeam:
		return DecodeChatMessage(data)
	default:
		p.logger.Warn().
			Uint16("code", uint16(h.Code)).
			Int("len", len(data)).
			Msg("unhandled request code")
		return nil, malformedf("unhandled request code %s", h.Code)
	}
}

// WriteFrame writes a complete encoded frame to a stream.
func WriteFrame(w io.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame (%d bytes): %w", len(data), err)
	}
	return nil
}

// ReadConnectionInfo reads one connection-info frame from a stream.
func ReadConnectionInfo(r io.Reader) (ConnectionInfo, error) {
	buf := make([]byte, ConnectionInfoSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ConnectionInfo{}, fmt.Errorf("failed to read connection info: %w", err)
	}
	return DecodeConnectionInfo(buf)
}
