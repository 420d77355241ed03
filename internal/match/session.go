package match

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/detonator-project/detonator/internal/engine"
	"github.com/detonator-project/detonator/internal/protocol"
	"github.com/detonator-project/detonator/internal/reconcile"
)

// Session is the shared state of a running match. The pending queue and
// the board each have their own lock; neither is held while the other is
// taken.
type Session struct {
	ID        string
	Mode      protocol.GameMode
	Dims      engine.Dimensions
	StartedAt time.Time

	queueMu sync.Mutex
	pending []protocol.GameAction

	boardMu sync.Mutex
	last    reconcile.LastAccepted

	snapshotSeq uint16
	deltaSeq    uint16

	received  atomic.Uint64
	dropped   atomic.Uint64
	applied   atomic.Uint64
	snapshots atomic.Uint64
	deltas    atomic.Uint64
}

// NewSession creates the state for a freshly initialized match.
func NewSession(id string, mode protocol.GameMode, dims engine.Dimensions) *Session {
	return &Session{
		ID:        id,
		Mode:      mode,
		Dims:      dims,
		StartedAt: time.Now(),
		pending:   make([]protocol.GameAction, 0, 64),
		last:      reconcile.NewLastAccepted(),
	}
}

// Enqueue appends a received action and returns the new queue depth.
// The queue is unbounded.
func (s *Session) Enqueue(a protocol.GameAction) int {
	s.queueMu.Lock()
	s.pending = append(s.pending, a)
	depth := len(s.pending)
	s.queueMu.Unlock()

	s.received.Add(1)
	return depth
}

// Drain swaps the pending queue for an empty one and returns what was
// queued.
func (s *Session) Drain() []protocol.GameAction {
	s.queueMu.Lock()
	batch := s.pending
	s.pending = make([]protocol.GameAction, 0, cap(batch))
	s.queueMu.Unlock()
	return batch
}

// PendingDepth returns the current queue length.
func (s *Session) PendingDepth() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.pending)
}

// RecordDropped counts a datagram the ingest loop discarded.
func (s *Session) RecordDropped() {
	s.dropped.Add(1)
}

// WithBoard runs fn holding the board lock.
func (s *Session) WithBoard(fn func() error) error {
	s.boardMu.Lock()
	defer s.boardMu.Unlock()
	return fn()
}

// Reconcile runs the reconciler for batch against the session's sequence
// table. Call it inside WithBoard.
func (s *Session) Reconcile(batch []protocol.GameAction) []protocol.PlayerAction {
	actions := reconcile.Reconcile(batch, &s.last, protocol.SequenceLimit)
	s.applied.Add(uint64(len(actions)))
	return actions
}

// LastAccepted returns a copy of the per-player sequence table.
func (s *Session) LastAccepted() reconcile.LastAccepted {
	s.boardMu.Lock()
	defer s.boardMu.Unlock()
	return s.last
}

// NextSnapshotSeq returns the sequence for the next snapshot. Only the
// snapshot loop calls it.
func (s *Session) NextSnapshotSeq() uint16 {
	seq := s.snapshotSeq
	s.snapshotSeq++
	s.snapshots.Add(1)
	return seq
}

// NextDeltaSeq returns the sequence for the next delta. Only the delta
// loop calls it.
func (s *Session) NextDeltaSeq() uint16 {
	seq := s.deltaSeq
	s.deltaSeq++
	s.deltas.Add(1)
	return seq
}

// SessionStats is a point-in-time view of session counters.
type SessionStats struct {
	MatchID   string            `json:"match_id"`
	Mode      protocol.GameMode `json:"-"`
	ModeName  string            `json:"mode"`
	Height    uint8             `json:"height"`
	Width     uint8             `json:"width"`
	StartedAt time.Time         `json:"started_at"`
	Received  uint64            `json:"actions_received"`
	Dropped   uint64            `json:"actions_dropped"`
	Applied   uint64            `json:"actions_applied"`
	Snapshots uint64            `json:"snapshots_sent"`
	Deltas    uint64            `json:"deltas_sent"`
	Pending   int               `json:"pending"`
}

// Stats returns the current counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		MatchID:   s.ID,
		Mode:      s.Mode,
		ModeName:  s.Mode.String(),
		Height:    s.Dims.Height,
		Width:     s.Dims.Width,
		StartedAt: s.StartedAt,
		Received:  s.received.Load(),
		Dropped:   s.dropped.Load(),
		Applied:   s.applied.Load(),
		Snapshots: s.snapshots.Load(),
		Deltas:    s.deltas.Load(),
		Pending:   s.PendingDepth(),
	}
}
