package engine

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/detonator-project/detonator/internal/protocol"
)

const (
	// MinDimension is the smallest board that fits the corner spawns.
	MinDimension = 5

	bombFuse        = 3
	blastRadius     = 2
	softWallDensity = 0.4
)

// ArenaConfig tunes the reference rule set.
type ArenaConfig struct {
	// Seed for soft-wall placement. Zero picks a time-based seed.
	Seed int64
}

type player struct {
	x, y  int
	alive bool
	bombs int
}

type bomb struct {
	x, y  int
	owner uint8
	fuse  int
}

type arenaMatch struct {
	mode   protocol.GameMode
	width  int
	height int

	terrain    []protocol.Tile
	bombs      map[int]*bomb
	explosions map[int]struct{}
	players    [protocol.PlayerNum]player

	// reported is the grid as of the last delta.
	reported []protocol.Tile
}

// Arena is a classic grid bomber: hard-wall border and pillars, seeded
// soft walls, one bomb per player with a cross-shaped blast.
type Arena struct {
	mu      sync.Mutex
	cfg     ArenaConfig
	matches map[string]*arenaMatch
	logger  zerolog.Logger
}

// NewArena creates an empty engine.
func NewArena(cfg ArenaConfig) *Arena {
	return &Arena{
		cfg:     cfg,
		matches: make(map[string]*arenaMatch),
		logger:  log.With().Str("component", "arena").Logger(),
	}
}

// InitModel lays out walls and spawns for a new match.
func (a *Arena) InitModel(dims Dimensions, mode protocol.GameMode, matchID string) error {
	if !mode.Valid() {
		return fmt.Errorf("failed to init match %s: invalid game mode %d", matchID, mode)
	}
	if dims.Height < MinDimension || dims.Width < MinDimension {
		return fmt.Errorf("failed to init match %s: board %dx%d below %dx%d",
			matchID, dims.Height, dims.Width, MinDimension, MinDimension)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.matches[matchID]; exists {
		return fmt.Errorf("failed to init match %s: %w", matchID, ErrMatchExists)
	}

	seed := a.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	m := newArenaMatch(int(dims.Width), int(dims.Height), mode, rand.New(rand.NewSource(seed)))
	a.matches[matchID] = m

	a.logger.Info().
		Str("match_id", matchID).
		Str("mode", mode.String()).
		Int("width", m.width).
		Int("height", m.height).
		Int64("seed", seed).
		Msg("board initialized")
	return nil
}

func newArenaMatch(w, h int, mode protocol.GameMode, rng *rand.Rand) *arenaMatch {
	m := &arenaMatch{
		mode:       mode,
		width:      w,
		height:     h,
		terrain:    make([]protocol.Tile, w*h),
		bombs:      make(map[int]*bomb),
		explosions: make(map[int]struct{}),
	}

	spawns := [protocol.PlayerNum][2]int{{1, 1}, {w - 2, 1}, {1, h - 2}, {w - 2, h - 2}}
	for i, s := range spawns {
		m.players[i] = player{x: s[0], y: s[1], alive: true}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			switch {
			case x == 0 || y == 0 || x == w-1 || y == h-1:
				m.terrain[m.index(x, y)] = protocol.TileHardWall
			case nearSpawn(x, y, spawns):
				// keep spawn corners open
			case x%2 == 0 && y%2 == 0:
				m.terrain[m.index(x, y)] = protocol.TileHardWall
			case rng.Float64() < softWallDensity:
				m.terrain[m.index(x, y)] = protocol.TileSoftWall
			}
		}
	}

	m.reported = m.render()
	return m
}

func nearSpawn(x, y int, spawns [protocol.PlayerNum][2]int) bool {
	for _, s := range spawns {
		if abs(x-s[0])+abs(y-s[1]) <= 1 {
			return true
		}
	}
	return false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func (m *arenaMatch) index(x, y int) int {
	return y*m.width + x
}

func (m *arenaMatch) inside(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.width && y < m.height
}

// tileAt layers players over explosions over bombs over terrain.
func (m *arenaMatch) tileAt(x, y int) protocol.Tile {
	for id, p := range m.players {
		if p.alive && p.x == x && p.y == y {
			return protocol.PlayerTile(uint8(id))
		}
	}
	idx := m.index(x, y)
	if _, ok := m.explosions[idx]; ok {
		return protocol.TileExplosion
	}
	if _, ok := m.bombs[idx]; ok {
		return protocol.TileBomb
	}
	return m.terrain[idx]
}

func (m *arenaMatch) render() []protocol.Tile {
	out := make([]protocol.Tile, len(m.terrain))
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			out[m.index(x, y)] = m.tileAt(x, y)
		}
	}
	return out
}

func (m *arenaMatch) occupied(x, y int) bool {
	for _, p := range m.players {
		if p.alive && p.x == x && p.y == y {
			return true
		}
	}
	return false
}

func (m *arenaMatch) move(id uint8, act protocol.Action) {
	p := &m.players[id]
	if !p.alive {
		return
	}
	nx, ny := p.x, p.y
	switch act {
	case protocol.ActionUp:
		ny--
	case protocol.ActionDown:
		ny++
	case protocol.ActionLeft:
		nx--
	case protocol.ActionRight:
		nx++
	default:
		return
	}
	if !m.inside(nx, ny) {
		return
	}
	idx := m.index(nx, ny)
	if m.terrain[idx] != protocol.TileEmpty || m.occupied(nx, ny) {
		return
	}
	if _, ok := m.bombs[idx]; ok {
		return
	}
	p.x, p.y = nx, ny
	if _, ok := m.explosions[idx]; ok {
		p.alive = false
	}
}

func (m *arenaMatch) placeBomb(id uint8) {
	p := &m.players[id]
	if !p.alive || p.bombs > 0 {
		return
	}
	idx := m.index(p.x, p.y)
	if _, ok := m.bombs[idx]; ok {
		return
	}
	m.bombs[idx] = &bomb{x: p.x, y: p.y, owner: id, fuse: bombFuse}
	p.bombs++
}

// tick clears last step's blasts, burns fuses and detonates. Bombs caught
// in a blast chain in the same step.
func (m *arenaMatch) tick() {
	m.explosions = make(map[int]struct{})

	var pending []*bomb
	for _, b := range m.bombs {
		b.fuse--
		if b.fuse <= 0 {
			pending = append(pending, b)
		}
	}

	for len(pending) > 0 {
		b := pending[0]
		pending = pending[1:]
		idx := m.index(b.x, b.y)
		if _, live := m.bombs[idx]; !live {
			continue
		}
		delete(m.bombs, idx)
		m.players[b.owner].bombs--
		pending = append(pending, m.blast(b.x, b.y)...)
	}

	for i := range m.players {
		p := &m.players[i]
		if _, hit := m.explosions[m.index(p.x, p.y)]; p.alive && hit {
			p.alive = false
		}
	}
}

// blast marks the cross around (x, y) and returns bombs it reached.
func (m *arenaMatch) blast(x, y int) []*bomb {
	var chained []*bomb
	m.explosions[m.index(x, y)] = struct{}{}

	dirs := [4][2]int{{0, -1}, {1, 0}, {0, 1}, {-1, 0}}
	for _, d := range dirs {
		for r := 1; r <= blastRadius; r++ {
			cx, cy := x+d[0]*r, y+d[1]*r
			if !m.inside(cx, cy) {
				break
			}
			idx := m.index(cx, cy)
			if m.terrain[idx] == protocol.TileHardWall {
				break
			}
			m.explosions[idx] = struct{}{}
			if m.terrain[idx] == protocol.TileSoftWall {
				m.terrain[idx] = protocol.TileEmpty
				break
			}
			if b, ok := m.bombs[idx]; ok {
				chained = append(chained, b)
			}
		}
	}
	return chained
}

// diff collects changed tiles, up to the wire limit. Tiles beyond the
// limit stay unreported and go out with the next delta.
func (m *arenaMatch) diff() []protocol.TileChange {
	current := m.render()
	changes := make([]protocol.TileChange, 0)
	for idx, t := range current {
		if m.reported[idx] == t {
			continue
		}
		if len(changes) == protocol.MaxDeltaChanges {
			break
		}
		changes = append(changes, protocol.TileChange{
			X:    uint8(idx % m.width),
			Y:    uint8(idx / m.width),
			Tile: t,
		})
		m.reported[idx] = t
	}
	return changes
}

func (a *Arena) match(matchID string) (*arenaMatch, error) {
	m, ok := a.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", matchID, ErrUnknownMatch)
	}
	return m, nil
}

// GameMode returns the mode of a match.
func (a *Arena) GameMode(matchID string) (protocol.GameMode, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.match(matchID)
	if err != nil {
		return protocol.ModeSolo, err
	}
	return m.mode, nil
}

// Board returns a copy of the current grid. Seq is left to the caller.
func (a *Arena) Board(matchID string) (protocol.BoardSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.match(matchID)
	if err != nil {
		return protocol.BoardSnapshot{}, err
	}
	return protocol.BoardSnapshot{
		Height: uint8(m.height),
		Width:  uint8(m.width),
		Tiles:  m.render(),
	}, nil
}

// UpdateBoard applies actions in order and returns the tiles that changed
// since the previous delta, including bomb-tick changes made in between.
func (a *Arena) UpdateBoard(matchID string, actions []protocol.PlayerAction) (protocol.BoardDelta, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.match(matchID)
	if err != nil {
		return protocol.BoardDelta{}, err
	}

	for _, act := range actions {
		if act.PlayerID >= protocol.PlayerNum {
			continue
		}
		switch {
		case act.Action.IsMove():
			m.move(act.PlayerID, act.Action)
		case act.Action.IsSpecial():
			m.placeBomb(act.PlayerID)
		}
	}
	return protocol.BoardDelta{Changes: m.diff()}, nil
}

// UpdateBombs advances every fuse by one step.
func (a *Arena) UpdateBombs(matchID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.match(matchID)
	if err != nil {
		return err
	}
	m.tick()
	return nil
}

// PlayerStatus is the public view of one player slot.
type PlayerStatus struct {
	PlayerID uint8 `json:"player_id"`
	X        int   `json:"x"`
	Y        int   `json:"y"`
	Alive    bool  `json:"alive"`
	Bombs    int   `json:"bombs"`
}

// Players reports position and liveness of every slot.
func (a *Arena) Players(matchID string) ([]PlayerStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.match(matchID)
	if err != nil {
		return nil, err
	}
	out := make([]PlayerStatus, 0, protocol.PlayerNum)
	for id, p := range m.players {
		out = append(out, PlayerStatus{PlayerID: uint8(id), X: p.x, Y: p.y, Alive: p.alive, Bombs: p.bombs})
	}
	return out, nil
}
