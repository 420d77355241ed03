// Package scheduler runs the periodic match loops: the snapshot loop that
// resynchronizes every client and the delta loop that applies reconciled
// actions and multicasts what changed.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/detonator-project/detonator/internal/engine"
	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/match"
	"github.com/detonator-project/detonator/internal/protocol"
)

// Sink delivers an encoded frame to every client.
type Sink interface {
	Broadcast(data []byte) error
}

// Broadcaster owns the snapshot and delta ticks of a match.
type Broadcaster struct {
	engine   engine.Engine
	sink     Sink
	eventBus *events.EventBus
	logger   zerolog.Logger

	snapshotInterval time.Duration
	deltaInterval    time.Duration
}

// NewBroadcaster creates the loops. Intervals are the tick periods.
func NewBroadcaster(eng engine.Engine, sink Sink, eventBus *events.EventBus, snapshotInterval, deltaInterval time.Duration) *Broadcaster {
	return &Broadcaster{
		engine:           eng,
		sink:             sink,
		eventBus:         eventBus,
		logger:           log.With().Str("component", "broadcaster").Logger(),
		snapshotInterval: snapshotInterval,
		deltaInterval:    deltaInterval,
	}
}

// SnapshotTick advances bombs, then multicasts a full copy of the board.
func (b *Broadcaster) SnapshotTick(ctx context.Context, s *match.Session) error {
	var board protocol.BoardSnapshot
	err := s.WithBoard(func() error {
		if err := b.engine.UpdateBombs(s.ID); err != nil {
			return fmt.Errorf("failed to update bombs: %w", err)
		}
		var err error
		board, err = b.engine.Board(s.ID)
		if err != nil {
			return fmt.Errorf("failed to copy board: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	board.Seq = s.NextSnapshotSeq()
	data, err := protocol.EncodeBoardSnapshot(board)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %d: %w", board.Seq, err)
	}
	if err := b.sink.Broadcast(data); err != nil {
		return err
	}

	b.logger.Trace().Uint16("seq", board.Seq).Int("bytes", len(data)).Msg("snapshot sent")
	b.eventBus.Publish(ctx, events.EventSnapshotBroadcast, "broadcaster", events.SnapshotPayload{
		MatchID: s.ID,
		Board:   board,
	})
	return nil
}

// DeltaTick swaps out the pending queue, reconciles it and multicasts the
// resulting delta when anything changed.
func (b *Broadcaster) DeltaTick(ctx context.Context, s *match.Session) error {
	batch := s.Drain()
	if len(batch) == 0 {
		return nil
	}

	var (
		actions []protocol.PlayerAction
		delta   protocol.BoardDelta
	)
	err := s.WithBoard(func() error {
		actions = s.Reconcile(batch)
		if len(actions) == 0 {
			return nil
		}
		var err error
		delta, err = b.engine.UpdateBoard(s.ID, actions)
		if err != nil {
			return fmt.Errorf("failed to update board: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if delta.Empty() {
		return nil
	}

	delta.Seq = s.NextDeltaSeq()
	data, err := protocol.EncodeBoardDelta(delta)
	if err != nil {
		return fmt.Errorf("failed to encode delta %d: %w", delta.Seq, err)
	}
	if err := b.sink.Broadcast(data); err != nil {
		return err
	}

	b.logger.Trace().
		Uint16("seq", delta.Seq).
		Int("received", len(batch)).
		Int("applied", len(actions)).
		Int("changes", len(delta.Changes)).
		Msg("delta sent")
	b.eventBus.Publish(ctx, events.EventDeltaBroadcast, "broadcaster", events.DeltaPayload{
		MatchID:  s.ID,
		Received: len(batch),
		Actions:  actions,
		Delta:    delta,
	})
	return nil
}

// SnapshotLoop returns the snapshot loop as a match runner.
func (b *Broadcaster) SnapshotLoop() match.Runner {
	return &tickLoop{name: "snapshot", interval: b.snapshotInterval, tick: b.SnapshotTick, logger: b.logger}
}

// DeltaLoop returns the delta loop as a match runner.
func (b *Broadcaster) DeltaLoop() match.Runner {
	return &tickLoop{name: "delta", interval: b.deltaInterval, tick: b.DeltaTick, logger: b.logger}
}

// tickLoop calls tick every interval until ctx ends. A failed tick is
// logged and the loop carries on.
type tickLoop struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context, s *match.Session) error
	logger   zerolog.Logger
}

func (l *tickLoop) Name() string {
	return l.name
}

func (l *tickLoop) Run(ctx context.Context, s *match.Session) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info().Str("loop", l.name).Dur("interval", l.interval).Msg("broadcast loop started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Str("loop", l.name).Msg("broadcast loop stopped")
			return nil
		case <-ticker.C:
			if err := l.tick(ctx, s); err != nil {
				l.logger.Warn().Err(err).Str("loop", l.name).Msg("tick failed")
			}
		}
	}
}
