package protocol

import "encoding/binary"

// Action word layout: sequence in bits 0-12, action in bits 13-15.
const (
	seqMask     = SequenceLimit - 1
	actionShift = SequenceBits
)

// GameAction is one client command datagram.
type GameAction struct {
	Mode     GameMode
	PlayerID uint8
	Team     uint8
	Seq      uint16
	Action   Action
}

// PlayerAction drops the transport fields once the action is accepted.
func (a GameAction) PlayerAction() PlayerAction {
	return PlayerAction{PlayerID: a.PlayerID, Action: a.Action}
}

// EncodeGameAction packs a into a 4-byte datagram.
func EncodeGameAction(a GameAction) ([]byte, error) {
	if !a.Mode.Valid() {
		return nil, invalidf("game mode %d", a.Mode)
	}
	h := Header{Code: ActionCode(a.Mode), PlayerID: a.PlayerID, Team: a.Team}
	if err := h.validate(); err != nil {
		return nil, err
	}
	if a.Seq >= SequenceLimit {
		return nil, invalidf("sequence %d exceeds %d bits", a.Seq, SequenceBits)
	}
	if !a.Action.Valid() {
		return nil, invalidf("action %d", a.Action)
	}

	b := NewPacketBuilder(GameActionSize)
	b.WriteHeader(h)
	b.WriteUint16(a.Seq | uint16(a.Action)<<actionShift)
	return b.Build(), nil
}

// DecodeGameAction unpacks a game-action datagram.
func DecodeGameAction(data []byte) (GameAction, error) {
	if len(data) != GameActionSize {
		return GameAction{}, malformedf("game action length %d, want %d", len(data), GameActionSize)
	}
	h, err := parseHeader(data)
	if err != nil {
		return GameAction{}, err
	}
	mode, ok := ModeOf(h.Code)
	if !ok || h.Code != ActionCode(mode) {
		return GameAction{}, malformedf("unexpected code %s for game action", h.Code)
	}

	word := binary.BigEndian.Uint16(data[2:4])
	act := Action(word >> actionShift)
	if !act.Valid() {
		return GameAction{}, malformedf("action %d", act)
	}

	return GameAction{
		Mode:     mode,
		PlayerID: h.PlayerID,
		Team:     h.Team,
		Seq:      word & seqMask,
		Action:   act,
	}, nil
}
