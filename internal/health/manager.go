// Package health runs the periodic checks of a running match: pending
// action backlog, process resource usage and handshake barrier stalls.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/detonator-project/detonator/internal/config"
	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/match"
	"github.com/detonator-project/detonator/internal/util"
)

// SessionSource exposes the live match session, nil before the match starts.
type SessionSource interface {
	Session() *match.Session
}

// BarrierSource exposes the handshake barriers.
type BarrierSource interface {
	Barriers() (joined, ready *match.Barrier)
}

// stallChecks is how many unchanged checks make a partially filled
// barrier a stall.
const stallChecks = 3

type barrierWatch struct {
	arrived int
	since   int
	warned  bool
}

// Manager runs periodic health checks.
type Manager struct {
	cfg      config.HealthConfig
	eventBus *events.EventBus
	sessions SessionSource
	barriers BarrierSource
	logger   zerolog.Logger

	mu      sync.Mutex
	process *util.ProcessStats
	watches map[string]*barrierWatch
	backlog bool
}

// NewManager creates a new health check manager. barriers may be nil.
func NewManager(cfg config.HealthConfig, eventBus *events.EventBus, sessions SessionSource, barriers BarrierSource) *Manager {
	return &Manager{
		cfg:      cfg,
		eventBus: eventBus,
		sessions: sessions,
		barriers: barriers,
		logger:   log.With().Str("component", "health").Logger(),
		watches:  make(map[string]*barrierWatch),
	}
}

// Start runs the checks every interval until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	interval := time.Duration(m.cfg.IntervalSec) * time.Second
	if interval <= 0 {
		m.logger.Info().Msg("health checks disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Msg("health check manager started")

	// Run immediately on startup
	m.runChecks(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health check manager stopped")
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

func (m *Manager) runChecks(ctx context.Context) {
	m.checkQueue(ctx)
	m.checkProcess()
	m.checkBarriers()
}

// checkQueue warns once each time the pending queue crosses the threshold.
func (m *Manager) checkQueue(ctx context.Context) {
	s := m.sessions.Session()
	if s == nil || m.cfg.QueueWarnDepth <= 0 {
		return
	}

	depth := s.PendingDepth()

	m.mu.Lock()
	over := depth > m.cfg.QueueWarnDepth
	crossed := over && !m.backlog
	m.backlog = over
	m.mu.Unlock()

	if !crossed {
		return
	}

	m.logger.Warn().
		Int("depth", depth).
		Int("threshold", m.cfg.QueueWarnDepth).
		Msg("pending action queue backlog")
	m.eventBus.Publish(ctx, events.EventQueueBacklog, "health", events.QueueBacklogPayload{
		Depth:     depth,
		Threshold: m.cfg.QueueWarnDepth,
	})
}

func (m *Manager) checkProcess() {
	stats, err := util.GetProcessStats()
	if err != nil {
		m.logger.Warn().Err(err).Msg("process stats check failed")
		return
	}

	m.mu.Lock()
	m.process = stats
	m.mu.Unlock()

	m.logger.Debug().
		Str("rss", util.FormatBytes(stats.RSS)).
		Float64("cpu_percent", stats.CPUPercent).
		Int("goroutines", stats.Goroutines).
		Msg("process health")
}

// checkBarriers warns when a barrier has some but not all parties and
// nobody arrived for stallChecks consecutive checks.
func (m *Manager) checkBarriers() {
	if m.barriers == nil {
		return
	}
	joined, ready := m.barriers.Barriers()
	m.watchBarrier("join", joined)
	m.watchBarrier("ready", ready)
}

func (m *Manager) watchBarrier(name string, b *match.Barrier) {
	if b == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[name]
	if !ok {
		w = &barrierWatch{}
		m.watches[name] = w
	}

	arrived := b.Arrived()
	if arrived == 0 || arrived >= b.Parties() {
		*w = barrierWatch{arrived: arrived}
		return
	}
	if arrived != w.arrived {
		*w = barrierWatch{arrived: arrived}
		return
	}

	w.since++
	if w.since >= stallChecks && !w.warned {
		w.warned = true
		m.logger.Warn().
			Str("barrier", name).
			Int("arrived", arrived).
			Int("parties", b.Parties()).
			Msg("handshake barrier stalled")
	}
}

// Stalled reports whether the named barrier ("join" or "ready") is
// currently flagged as stalled.
func (m *Manager) Stalled(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[name]
	return ok && w.warned
}

// ProcessStats returns the most recent process sample, nil before the
// first check.
func (m *Manager) ProcessStats() *util.ProcessStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.process
}
