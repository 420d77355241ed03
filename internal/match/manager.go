// Package match owns the lifecycle of the single match a detonator process
// hosts: the handshake barriers, the shared session state, and the
// one-time start that initializes the board and launches the match loops.
package match

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/detonator-project/detonator/internal/engine"
	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/protocol"
)

// ErrMatchStarted is returned by StartMatch after the first call.
var ErrMatchStarted = errors.New("match already started")

// ErrNotStarted is returned by the board readers before StartMatch.
var ErrNotStarted = errors.New("match not started")

// Runner is a long-lived match loop (ingest, snapshot, delta). Run blocks
// until ctx ends.
type Runner interface {
	Name() string
	Run(ctx context.Context, s *Session) error
}

// ManagerConfig describes the match the manager will start.
type ManagerConfig struct {
	Mode          protocol.GameMode
	Dims          engine.Dimensions
	ActionPort    uint16
	MulticastAddr string
}

// Manager starts the match exactly once and keeps its session.
type Manager struct {
	mu sync.RWMutex

	cfg      ManagerConfig
	engine   engine.Engine
	eventBus *events.EventBus
	runners  []Runner
	logger   zerolog.Logger

	started bool
	phase   events.MatchPhase
	session *Session
	wg      sync.WaitGroup
}

// NewManager creates a manager. Runners are launched by StartMatch.
func NewManager(cfg ManagerConfig, eng engine.Engine, eventBus *events.EventBus, runners ...Runner) *Manager {
	return &Manager{
		cfg:      cfg,
		engine:   eng,
		eventBus: eventBus,
		runners:  runners,
		phase:    events.MatchPhaseWaiting,
		logger:   log.With().Str("component", "match").Logger(),
	}
}

// StartMatch initializes the board and launches every runner. Only the
// first call does anything; later calls return ErrMatchStarted.
func (m *Manager) StartMatch(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrMatchStarted
	}
	m.started = true
	m.mu.Unlock()

	matchID := uuid.NewString()
	if err := m.engine.InitModel(m.cfg.Dims, m.cfg.Mode, matchID); err != nil {
		m.setPhase(events.MatchPhaseStopped)
		return fmt.Errorf("failed to initialize match model: %w", err)
	}

	session := NewSession(matchID, m.cfg.Mode, m.cfg.Dims)

	m.mu.Lock()
	m.session = session
	m.phase = events.MatchPhasePlaying
	m.mu.Unlock()

	for _, r := range m.runners {
		r := r
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.logger.Debug().Str("loop", r.Name()).Msg("match loop started")
			if err := r.Run(ctx, session); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error().Err(err).Str("loop", r.Name()).Msg("match loop stopped")
				return
			}
			m.logger.Debug().Str("loop", r.Name()).Msg("match loop finished")
		}()
	}

	m.logger.Info().
		Str("match_id", matchID).
		Str("mode", m.cfg.Mode.String()).
		Uint8("height", m.cfg.Dims.Height).
		Uint8("width", m.cfg.Dims.Width).
		Int("loops", len(m.runners)).
		Msg("match started")

	m.eventBus.Publish(ctx, events.EventMatchStarted, "match", events.MatchStartedPayload{
		MatchID:       matchID,
		Mode:          m.cfg.Mode,
		Height:        m.cfg.Dims.Height,
		Width:         m.cfg.Dims.Width,
		ActionPort:    m.cfg.ActionPort,
		MulticastAddr: m.cfg.MulticastAddr,
	})
	return nil
}

// Session returns the running session, or nil before the match starts.
func (m *Manager) Session() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Board copies the current grid of the running match under the
// session's board lock.
func (m *Manager) Board() (protocol.BoardSnapshot, error) {
	s := m.Session()
	if s == nil {
		return protocol.BoardSnapshot{}, ErrNotStarted
	}
	var board protocol.BoardSnapshot
	err := s.WithBoard(func() error {
		var err error
		board, err = m.engine.Board(s.ID)
		return err
	})
	return board, err
}

// Players reports the board position of every player under the board
// lock. It returns nil when the engine does not implement
// engine.PlayerReporter.
func (m *Manager) Players() ([]engine.PlayerStatus, error) {
	s := m.Session()
	if s == nil {
		return nil, ErrNotStarted
	}
	reporter, ok := m.engine.(engine.PlayerReporter)
	if !ok {
		return nil, nil
	}
	var players []engine.PlayerStatus
	err := s.WithBoard(func() error {
		var err error
		players, err = reporter.Players(s.ID)
		return err
	})
	return players, err
}

// Config returns the match configuration.
func (m *Manager) Config() ManagerConfig {
	return m.cfg
}

// Phase returns the lifecycle phase.
func (m *Manager) Phase() events.MatchPhase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// MarkJoined records that the join barrier completed.
func (m *Manager) MarkJoined() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == events.MatchPhaseWaiting {
		m.phase = events.MatchPhaseJoined
	}
}

func (m *Manager) setPhase(p events.MatchPhase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

// Wait blocks until every runner has returned, then marks the match stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
	m.setPhase(events.MatchPhaseStopped)
}
