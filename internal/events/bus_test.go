package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitReachesEverySubscriber(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls int32
	done := make(chan struct{}, 2)
	handler := func(ctx context.Context, e Event) error {
		if p, ok := e.Payload.(PlayerJoinedPayload); !ok || p.PlayerID != 2 {
			t.Errorf("unexpected payload %#v", e.Payload)
		}
		atomic.AddInt32(&calls, 1)
		done <- struct{}{}
		return nil
	}
	bus.Subscribe(EventPlayerJoined, "a", handler)
	bus.Subscribe(EventPlayerJoined, "b", handler)

	bus.Publish(context.Background(), EventPlayerJoined, "test", PlayerJoinedPayload{PlayerID: 2})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for handler %d", i)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestEmitSyncReturnsFirstErrorAndSurvivesPanic(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	bus.Subscribe(EventShutdown, "fails", func(ctx context.Context, e Event) error { return boom })
	bus.Subscribe(EventShutdown, "panics", func(ctx context.Context, e Event) error { panic("nope") })

	err := bus.EmitSync(context.Background(), Event{Type: EventShutdown})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestUnsubscribeAndStop(t *testing.T) {
	bus := NewEventBus()
	bus.Subscribe(EventChatRelayed, "x", func(ctx context.Context, e Event) error { return nil })
	if bus.HandlerCount(EventChatRelayed) != 1 {
		t.Fatalf("expected one handler")
	}
	bus.Unsubscribe(EventChatRelayed, "x")
	if bus.HandlerCount(EventChatRelayed) != 0 {
		t.Fatalf("expected no handlers after unsubscribe")
	}

	bus.Stop()
	bus.Stop()
	select {
	case <-bus.StopCh():
	default:
		t.Fatalf("expected stop channel to be closed")
	}

	var nilBus *EventBus
	nilBus.Emit(context.Background(), Event{Type: EventShutdown})
}

func TestMatchPhaseJSON(t *testing.T) {
	b, err := MatchPhasePlaying.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"playing"` {
		t.Fatalf("expected \"playing\", got %s", b)
	}
}

func TestSubscribeOrderedKeepsPublishOrder(t *testing.T) {
	bus := NewEventBus()

	const n = 2000
	var got []uint16
	bus.SubscribeOrdered("ordered", func(ctx context.Context, e Event) error {
		switch p := e.Payload.(type) {
		case SnapshotPayload:
			got = append(got, p.Board.Seq)
		case DeltaPayload:
			got = append(got, p.Delta.Seq)
		}
		return nil
	}, EventSnapshotBroadcast, EventDeltaBroadcast)

	for i := 0; i < n; i++ {
		if i%100 == 0 {
			p := SnapshotPayload{}
			p.Board.Seq = uint16(i)
			bus.Publish(context.Background(), EventSnapshotBroadcast, "test", p)
			continue
		}
		p := DeltaPayload{}
		p.Delta.Seq = uint16(i)
		bus.Publish(context.Background(), EventDeltaBroadcast, "test", p)
	}

	// Stop waits for everything already queued.
	bus.Stop()

	if len(got) != n {
		t.Fatalf("expected %d deliveries, got %d", n, len(got))
	}
	for i, seq := range got {
		if int(seq) != i {
			t.Fatalf("delivery %d carried seq %d", i, seq)
		}
	}
}

func TestEmitSyncWaitsForOrderedSubscriber(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	var handled int32
	bus.SubscribeOrdered("ordered", func(ctx context.Context, e Event) error {
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&handled, 1)
		return boom
	}, EventShutdown)

	err := bus.EmitSync(context.Background(), Event{Type: EventShutdown})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if atomic.LoadInt32(&handled) != 1 {
		t.Fatalf("EmitSync returned before the ordered handler ran")
	}
}
