package health

import (
	"context"
	"testing"
	"time"

	"github.com/detonator-project/detonator/internal/config"
	"github.com/detonator-project/detonator/internal/engine"
	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/match"
	"github.com/detonator-project/detonator/internal/protocol"
)

type fixedSession struct{ s *match.Session }

func (f fixedSession) Session() *match.Session { return f.s }

type fixedBarriers struct{ joined, ready *match.Barrier }

func (f fixedBarriers) Barriers() (*match.Barrier, *match.Barrier) { return f.joined, f.ready }

func TestQueueBacklogPublishedOncePerCrossing(t *testing.T) {
	s := match.NewSession("m", protocol.ModeSolo, engine.Dimensions{Height: 5, Width: 5})
	bus := events.NewEventBus()
	backlogs := make(chan events.QueueBacklogPayload, 8)
	bus.Subscribe(events.EventQueueBacklog, "test", func(ctx context.Context, e events.Event) error {
		backlogs <- e.Payload.(events.QueueBacklogPayload)
		return nil
	})

	m := NewManager(config.HealthConfig{IntervalSec: 1, QueueWarnDepth: 3}, bus, fixedSession{s}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Enqueue(protocol.GameAction{Seq: uint16(i)})
	}
	m.checkQueue(ctx)
	m.checkQueue(ctx)

	select {
	case p := <-backlogs:
		if p.Depth != 5 || p.Threshold != 3 {
			t.Fatalf("unexpected payload %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no backlog event")
	}

	s.Drain()
	m.checkQueue(ctx)
	for i := 0; i < 4; i++ {
		s.Enqueue(protocol.GameAction{Seq: uint16(i)})
	}
	m.checkQueue(ctx)

	select {
	case <-backlogs:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a second backlog event after recovery")
	}
	bus.Stop()
	if len(backlogs) != 0 {
		t.Fatalf("expected exactly two events, %d extra", len(backlogs))
	}
}

func TestQueueCheckWithoutSession(t *testing.T) {
	m := NewManager(config.HealthConfig{QueueWarnDepth: 1}, nil, fixedSession{}, nil)
	m.checkQueue(context.Background())
}

func TestBarrierStallDetected(t *testing.T) {
	joined := match.NewBarrier(4)
	ready := match.NewBarrier(4)
	m := NewManager(config.HealthConfig{}, nil, fixedSession{}, fixedBarriers{joined, ready})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go joined.Arrive(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for joined.Arrived() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("party never arrived")
		}
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < stallChecks; i++ {
		m.checkBarriers()
		if m.Stalled("join") {
			t.Fatalf("stall flagged after %d checks", i+1)
		}
	}
	m.checkBarriers()
	if !m.Stalled("join") {
		t.Fatalf("expected join barrier stall")
	}
	if m.Stalled("ready") {
		t.Fatalf("empty ready barrier is not a stall")
	}

	go joined.Arrive(ctx)
	for joined.Arrived() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("second party never arrived")
		}
		time.Sleep(time.Millisecond)
	}
	m.checkBarriers()
	if m.Stalled("join") {
		t.Fatalf("progress should clear the stall")
	}
}
