// Package engine holds the game-rule collaborator the match core drives.
// The core only sees the Engine interface; Arena is the reference rule set
// shipped with the server.
package engine

import (
	"errors"

	"github.com/detonator-project/detonator/internal/protocol"
)

var (
	// ErrUnknownMatch is returned for a match id InitModel never saw.
	ErrUnknownMatch = errors.New("unknown match")

	// ErrMatchExists is returned when InitModel is called twice for one id.
	ErrMatchExists = errors.New("match already initialized")
)

// Dimensions is the fixed board size of a match.
type Dimensions struct {
	Height uint8 `json:"height"`
	Width  uint8 `json:"width"`
}

// Engine owns the authoritative game state. Callers serialize access per
// match: the session's board lock guards every call after InitModel.
type Engine interface {
	// InitModel creates the board for a new match.
	InitModel(dims Dimensions, mode protocol.GameMode, matchID string) error

	// GameMode returns the mode a match was initialized with.
	GameMode(matchID string) (protocol.GameMode, error)

	// Board returns an owned copy of the current grid.
	Board(matchID string) (protocol.BoardSnapshot, error)

	// UpdateBoard applies reconciled actions and returns the tiles that
	// changed since the previous call.
	UpdateBoard(matchID string, actions []protocol.PlayerAction) (protocol.BoardDelta, error)

	// UpdateBombs advances bomb fuses and explosions by one step.
	UpdateBombs(matchID string) error
}

// PlayerReporter is implemented by engines that can describe their
// players. The same board lock rule applies.
type PlayerReporter interface {
	Players(matchID string) ([]PlayerStatus, error)
}
