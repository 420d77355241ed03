package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/detonator-project/detonator/internal/config"
	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/protocol"
)

type captured struct {
	mu   sync.Mutex
	msgs map[string][]map[string]interface{}
}

func (c *captured) send(topic string, data []byte) {
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs[topic] = append(c.msgs[topic], msg)
}

func newTestHandler(t *testing.T, tickEvery int) (*MQTTHandler, *captured) {
	t.Helper()
	h, err := NewMQTTHandler(config.MQTTConfig{
		Enabled:     true,
		BrokerURL:   "localhost",
		Port:        1883,
		TopicPrefix: "arena",
		TickEvery:   tickEvery,
	}, events.NewEventBus())
	if err != nil {
		t.Fatalf("NewMQTTHandler: %v", err)
	}
	c := &captured{msgs: make(map[string][]map[string]interface{})}
	h.send = c.send
	return h, c
}

func TestDisabledHandlerRejected(t *testing.T) {
	if _, err := NewMQTTHandler(config.MQTTConfig{}, events.NewEventBus()); err == nil {
		t.Fatalf("expected error for disabled MQTT")
	}
}

func TestDeltaSummaryEveryN(t *testing.T) {
	h, c := newTestHandler(t, 3)

	for seq := uint16(0); seq < 7; seq++ {
		h.onDelta(context.Background(), events.Event{Payload: events.DeltaPayload{
			MatchID:  "m",
			Received: 4,
			Actions:  make([]protocol.PlayerAction, 2),
			Delta:    protocol.BoardDelta{Seq: seq, Changes: make([]protocol.TileChange, 1)},
		}})
	}

	ticks := c.msgs["arena/ticks"]
	if len(ticks) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(ticks))
	}
	last := ticks[1]["payload"].(map[string]interface{})
	if last["deltas"].(float64) != 3 || last["received"].(float64) != 12 ||
		last["applied"].(float64) != 6 || last["last_seq"].(float64) != 5 {
		t.Fatalf("unexpected summary %+v", last)
	}
	if ticks[0]["hostname"] == nil || ticks[0]["timestamp"] == nil {
		t.Fatalf("expected metadata in message: %+v", ticks[0])
	}
}

func TestMatchAndShutdownTopics(t *testing.T) {
	h, c := newTestHandler(t, 1)

	h.onMatchStarted(context.Background(), events.Event{Payload: events.MatchStartedPayload{
		MatchID: "m", Mode: protocol.ModeTeam, Height: 9, Width: 11,
	}})
	h.onPlayer("joined")(context.Background(), events.Event{Payload: events.PlayerJoinedPayload{PlayerID: 2}})
	h.PublishShutdown()

	match := c.msgs["arena/match"]
	if len(match) != 1 {
		t.Fatalf("expected one match message, got %d", len(match))
	}
	p := match[0]["payload"].(map[string]interface{})
	if p["mode"] != "team" || p["match_id"] != "m" {
		t.Fatalf("unexpected match payload %+v", p)
	}
	if len(c.msgs["arena/players"]) != 1 || len(c.msgs["arena/admin"]) != 1 {
		t.Fatalf("unexpected topics %v", c.msgs)
	}
}
